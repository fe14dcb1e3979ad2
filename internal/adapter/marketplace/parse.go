package marketplace

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// maxAcceptablePrice is the spec's upper bound on a plausible listing price
// (spec §4.4: "the only acceptable value is a positive finite number below
// 100,000").
const maxAcceptablePrice = 100000

type assetDescription struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type assetItem struct {
	ID             string              `json:"id"`
	MarketActions  []marketAction      `json:"market_actions"`
	Descriptions   []assetDescription  `json:"descriptions"`
	AssetProperties []assetProperty    `json:"asset_properties"`
}

type marketAction struct {
	Link string `json:"link"`
}

// assetProperty is one entry of the render endpoint's per-item
// "asset_properties" array. Steam emits the float wear either as a numeric
// FloatValue field or as a stringified Value; the pattern seed always lives
// under propertyid 1 (spec §4.4).
type assetProperty struct {
	PropertyID int      `json:"propertyid"`
	Name       string   `json:"name"`
	Value      string   `json:"value"`
	FloatValue *float64 `json:"float_value"`
}

const patternPropertyID = 1

// floatValue extracts the wear float from an asset's properties: the
// property whose name mentions "float" (case-insensitive), or — absent a
// name match — the first property carrying a FloatValue/parseable Value
// distinct from the pattern propertyid.
func floatValueFromProperties(props []assetProperty) *float64 {
	for _, p := range props {
		if strings.Contains(strings.ToLower(p.Name), "float") {
			if v, ok := propertyFloat(p); ok {
				return &v
			}
		}
	}
	for _, p := range props {
		if p.PropertyID == patternPropertyID {
			continue
		}
		if v, ok := propertyFloat(p); ok && v >= 0 && v <= 1 {
			return &v
		}
	}
	return nil
}

func propertyFloat(p assetProperty) (float64, bool) {
	if p.FloatValue != nil {
		return *p.FloatValue, true
	}
	if p.Value == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(p.Value, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// patternFromProperties extracts the pattern seed from propertyid 1,
// accepting only values in [0, 99999] (spec §4.4 and §8 boundary tests).
func patternFromProperties(props []assetProperty) *int {
	for _, p := range props {
		if p.PropertyID != patternPropertyID {
			continue
		}
		raw := p.Value
		if raw == "" && p.FloatValue != nil {
			raw = strconv.FormatFloat(*p.FloatValue, 'f', 0, 64)
		}
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if n < 0 || n > 99999 {
			continue
		}
		return &n
	}
	return nil
}

type listingInfoEntry struct {
	Asset struct {
		ID string `json:"id"`
	} `json:"asset"`
	Converted struct {
		Price int64 `json:"price"`
		Fee   int64 `json:"fee"`
	} `json:"converted_price_per_unit"`
}

// ParseListings reconstructs per-listing records by joining the page's
// parallel "assets" (per-item metadata keyed by asset id) and
// "listinginfo" (per-listing price keyed by listing id) structures, the
// same join the original scraper performs (spec §4.4).
func ParseListings(page ListingsPage) ([]domain.ParsedListing, error) {
	assetsByID, err := parseAssets(page.Assets)
	if err != nil {
		return nil, err
	}

	var out []domain.ParsedListing
	for listingID, raw := range page.ListingInfo {
		var info listingInfoEntry
		if err := json.Unmarshal(raw, &info); err != nil {
			continue
		}

		asset, ok := assetsByID[info.Asset.ID]
		priceUnits := info.Converted.Price + info.Converted.Fee
		price := float64(priceUnits) / 100
		if price <= 0 || price >= maxAcceptablePrice {
			continue
		}
		pl := domain.ParsedListing{
			ListingID: listingID,
			Price:     price,
		}
		if ok {
			pl.Stickers = parseStickersFromAsset(asset)
			pl.InspectLink = inspectLink(asset, listingID)
			pl.FloatValue = floatValueFromProperties(asset.AssetProperties)
			pl.Pattern = patternFromProperties(asset.AssetProperties)
			for _, s := range pl.Stickers {
				pl.TotalStickersPrice += s.Price
			}
		}
		out = append(out, pl)
	}
	return out, nil
}

func parseAssets(raw json.RawMessage) (map[string]assetItem, error) {
	result := make(map[string]assetItem)
	if len(raw) == 0 {
		return result, nil
	}

	// assets is nested appid -> contextid -> assetid -> item
	var nested map[string]map[string]map[string]assetItem
	if err := json.Unmarshal(raw, &nested); err != nil {
		return result, nil
	}
	for _, byContext := range nested {
		for _, byAsset := range byContext {
			for assetID, item := range byAsset {
				item.ID = assetID
				result[assetID] = item
			}
		}
	}
	return result, nil
}

func parseStickersFromAsset(a assetItem) []domain.Sticker {
	var htmlBlob string
	for _, d := range a.Descriptions {
		if d.Name == "sticker_info" {
			htmlBlob = d.Value
			break
		}
	}
	if htmlBlob == "" {
		return nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlBlob))
	if err != nil {
		return nil
	}

	var stickers []domain.Sticker
	doc.Find("img").EachWithBreak(func(i int, s *goquery.Selection) bool {
		if i >= 5 {
			return false
		}
		title, _ := s.Attr("title")
		if !strings.Contains(title, "Sticker:") {
			return true
		}
		name := strings.TrimSpace(strings.Replace(title, "Sticker:", "", 1))
		if len(name) <= 3 {
			return true
		}
		stickers = append(stickers, domain.Sticker{Position: i, Name: name})
		return true
	})
	return stickers
}

func inspectLink(a assetItem, listingID string) string {
	if len(a.MarketActions) == 0 {
		return ""
	}
	link := a.MarketActions[0].Link
	link = strings.ReplaceAll(link, "%listingid%", listingID)
	link = strings.ReplaceAll(link, "%assetid%", a.ID)
	return link
}

// ParseListingCount extracts the total_count field used to plan how many
// pages of count=20 to request (spec §4.4). When the JSON field is absent
// (HTML-only responses), it falls back to the textual "Showing X-Y of N"
// hint embedded in results_html.
func ParseListingCount(page ListingsPage) int {
	if page.TotalCount > 0 {
		return page.TotalCount
	}
	return parseShowingHint(page.ResultsHTML)
}

var showingHintPattern = regexp.MustCompile(`(?i)showing\s+[\d,]+\s*-\s*[\d,]+\s+of\s+([\d,]+)`)

// parseShowingHint extracts N from a "Showing 1-20 of 734" style string,
// the HTML fallback for total listing count (spec §4.4).
func parseShowingHint(html string) int {
	m := showingHintPattern.FindStringSubmatch(html)
	if len(m) < 2 {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", ""))
	if err != nil {
		return 0
	}
	return n
}

// ListingIDsFromHTML extracts listing ids from results_html row elements
// (id="listing_<N>"), the fallback join key when a response's listinginfo
// map is missing or incomplete (spec §4.4).
func ListingIDsFromHTML(html string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	var ids []string
	doc.Find("[id^=listing_]").Each(func(_ int, s *goquery.Selection) {
		id, ok := s.Attr("id")
		if !ok {
			return
		}
		ids = append(ids, strings.TrimPrefix(id, "listing_"))
	})
	return ids
}
