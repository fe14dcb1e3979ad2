// Package marketplace implements the HTTP/HTML client for the Steam
// Community Market, used by C4's listing pages and C5/C6's price and
// currency fallbacks.
package marketplace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/Tyrannozavr/steam-market-watcher/internal/domain"
)

// Client issues requests against steamcommunity.com through a supplied
// *http.Client so callers (C2's retry.Do) can inject a per-proxy transport.
type Client struct {
	httpClient *http.Client
	userAgent  string
}

// NewClient constructs a Client. httpClient's Transport should already be
// scoped to the caller's chosen proxy.
func NewClient(httpClient *http.Client) *Client {
	return &Client{
		httpClient: httpClient,
		userAgent:  "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36",
	}
}

func (c *Client) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("op=marketplace.get.new_request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=marketplace.get: %w", domain.ErrUpstreamTransient)
	}
	return resp, nil
}

// ListingsPage is the parsed /render/ response for one page of a market
// hash name's listings.
type ListingsPage struct {
	Success     bool                       `json:"success"`
	TotalCount  int                        `json:"total_count"`
	Assets      json.RawMessage            `json:"assets"`
	ListingInfo map[string]json.RawMessage `json:"listinginfo"`
	ResultsHTML string                     `json:"results_html"`
}

// FetchListingsPage requests one page of listings for a market hash name.
// Classifies the outcome so C2 can decide whether to rotate proxies:
// a 429 maps to OutcomeRateLimited, a non-2xx/invalid body maps to
// OutcomeOtherFailure, success maps to OutcomeSuccess.
func (c *Client) FetchListingsPage(ctx context.Context, appID int, marketHashName string, start, count, currency int) (ListingsPage, domain.Outcome, error) {
	u := fmt.Sprintf("https://steamcommunity.com/market/listings/%d/%s/render/?query=&start=%d&count=%d&country=US&language=english&currency=%d",
		appID, url.PathEscape(marketHashName), start, count, currency)

	resp, err := c.get(ctx, u)
	if err != nil {
		return ListingsPage{}, domain.OutcomeOtherFailure, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return ListingsPage{}, domain.OutcomeRateLimited, fmt.Errorf("op=marketplace.listings: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return ListingsPage{}, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.listings: status=%d: %w", resp.StatusCode, domain.ErrUpstreamInvalid)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return ListingsPage{}, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.listings.read_body: %w", err)
	}

	var page ListingsPage
	if err := json.Unmarshal(body, &page); err != nil {
		return ListingsPage{}, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.listings.unmarshal: %w", domain.ErrUpstreamInvalid)
	}
	if !page.Success {
		return ListingsPage{}, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.listings: %w", domain.ErrUpstreamInvalid)
	}
	return page, domain.OutcomeSuccess, nil
}

// PriceOverview is the priceoverview.php response shape.
type PriceOverview struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
}

// FetchPriceOverview resolves a single market hash name's current lowest
// price, the fastest and most precise source in C5's fallback chain.
func (c *Client) FetchPriceOverview(ctx context.Context, appID int, marketHashName string, currency int) (float64, domain.Outcome, error) {
	u := fmt.Sprintf("https://steamcommunity.com/market/priceoverview/?appid=%d&currency=%d&market_hash_name=%s",
		appID, currency, url.QueryEscape(marketHashName))

	resp, err := c.get(ctx, u)
	if err != nil {
		return 0, domain.OutcomeOtherFailure, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, domain.OutcomeRateLimited, fmt.Errorf("op=marketplace.price_overview: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.price_overview: status=%d: %w", resp.StatusCode, domain.ErrUpstreamInvalid)
	}

	var overview PriceOverview
	if err := json.NewDecoder(resp.Body).Decode(&overview); err != nil {
		return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.price_overview.decode: %w", domain.ErrUpstreamInvalid)
	}
	if !overview.Success {
		return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.price_overview: %w", domain.ErrUpstreamInvalid)
	}

	price, err := ParsePrice(overview.LowestPrice)
	if err != nil {
		price, err = ParsePrice(overview.MedianPrice)
	}
	if err != nil {
		return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.price_overview.parse_price: %w", domain.ErrUpstreamInvalid)
	}
	return price, domain.OutcomeSuccess, nil
}

// FetchItemPagePrice scrapes the item's own listings page HTML directly
// for its "starting at" sale price, C5's strategy-3 fallback when
// priceoverview is unavailable (spec §4.5 strategy 3). Two extraction
// paths are tried in order: the last market_commodity_orders_header_promote
// span (the first such span on the page holds the order *count*, not a
// price — spec is explicit that the count-holding span must not be
// mistaken for the price), then the embedded g_rgListingInfo JSON blob,
// reading only its lowest_price fields (never price, which is per-listing
// and misleading per spec §4.5).
func (c *Client) FetchItemPagePrice(ctx context.Context, appID int, marketHashName string) (float64, domain.Outcome, error) {
	u := fmt.Sprintf("https://steamcommunity.com/market/listings/%d/%s", appID, url.PathEscape(marketHashName))
	resp, err := c.get(ctx, u)
	if err != nil {
		return 0, domain.OutcomeOtherFailure, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, domain.OutcomeRateLimited, fmt.Errorf("op=marketplace.item_page: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.item_page: status=%d: %w", resp.StatusCode, domain.ErrUpstreamInvalid)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.item_page.read_body: %w", err)
	}

	if price, ok := promotedPriceFromHTML(body); ok {
		return price, domain.OutcomeSuccess, nil
	}
	if price, ok := lowestPriceFromListingInfoScript(body); ok {
		return price, domain.OutcomeSuccess, nil
	}
	return 0, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.item_page: %w", domain.ErrUpstreamInvalid)
}

// promotedPriceFromHTML extracts the sale price from the LAST
// market_commodity_orders_header_promote span on the page; the first such
// span is the order count.
func promotedPriceFromHTML(body []byte) (float64, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return 0, false
	}
	spans := doc.Find(".market_commodity_orders_header_promote")
	if spans.Length() == 0 {
		return 0, false
	}
	last := spans.Eq(spans.Length() - 1)
	price, err := ParsePrice(strings.TrimSpace(last.Text()))
	if err != nil {
		return 0, false
	}
	return price, true
}

var listingInfoScriptPattern = regexp.MustCompile(`g_rgListingInfo\s*=\s*(\{.*?\});`)

// lowestPriceFromListingInfoScript parses the embedded
// `g_rgListingInfo = {...};` JSON object and returns the lowest
// "lowest_price" field found among its entries. The object's "price"
// field is per-listing (the specific seller's ask) and is never read here.
func lowestPriceFromListingInfoScript(body []byte) (float64, bool) {
	match := listingInfoScriptPattern.FindSubmatch(body)
	if len(match) < 2 {
		return 0, false
	}

	var listingInfo map[string]struct {
		Converted struct {
			LowestPrice json.Number `json:"lowest_price"`
		} `json:"converted_price_per_unit"`
		LowestPrice json.Number `json:"lowest_price"`
	}
	if err := json.Unmarshal(match[1], &listingInfo); err != nil {
		return 0, false
	}

	var lowest float64
	var found bool
	for _, entry := range listingInfo {
		raw := entry.LowestPrice
		if raw == "" {
			raw = entry.Converted.LowestPrice
		}
		if raw == "" {
			continue
		}
		cents, err := raw.Float64()
		if err != nil {
			continue
		}
		price := cents / 100
		if !found || price < lowest {
			lowest, found = price, true
		}
	}
	return lowest, found
}

// SearchSuggestion is one result from searchsuggestionsresults.
type SearchSuggestion struct {
	Name  string
	Price float64
}

// FetchSearchSuggestions queries the market's autosuggest endpoint, the
// last-resort source in C5's fallback chain, returning fuzzy-matchable
// candidate names alongside their sale prices.
func (c *Client) FetchSearchSuggestions(ctx context.Context, appID int, query string) ([]SearchSuggestion, domain.Outcome, error) {
	u := fmt.Sprintf("https://steamcommunity.com/market/searchsuggestionsresults?q=%s&appid=%d", url.QueryEscape(query), appID)
	resp, err := c.get(ctx, u)
	if err != nil {
		return nil, domain.OutcomeOtherFailure, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, domain.OutcomeRateLimited, fmt.Errorf("op=marketplace.suggestions: %w", domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.suggestions: status=%d: %w", resp.StatusCode, domain.ErrUpstreamInvalid)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, domain.OutcomeOtherFailure, fmt.Errorf("op=marketplace.suggestions.parse: %w", domain.ErrUpstreamInvalid)
	}

	var suggestions []SearchSuggestion
	doc.Find(".match").Each(func(_ int, s *goquery.Selection) {
		name := strings.TrimSpace(s.Find(".market_listing_item_name").Text())
		priceText := strings.TrimSpace(s.Find(".match_price").Text())
		price, err := ParsePrice(priceText)
		if name == "" || err != nil {
			return
		}
		suggestions = append(suggestions, SearchSuggestion{Name: name, Price: price})
	})

	return suggestions, domain.OutcomeSuccess, nil
}

// Probe issues the cheapest possible marketplace request — a one-result
// search render — to test whether a proxy is still rate-limited, used by
// C1's revival loop (spec §4.1, §6: "used as a cheap probe in the revival
// loop"). It reports success for any non-429 response; a malformed body is
// irrelevant, only the status code matters here.
func (c *Client) Probe(ctx context.Context) (domain.Outcome, error) {
	const u = "https://steamcommunity.com/market/search/render/?query=&appid=730&start=0&count=1&norender=1"
	resp, err := c.get(ctx, u)
	if err != nil {
		return domain.OutcomeOtherFailure, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return domain.OutcomeRateLimited, fmt.Errorf("op=marketplace.probe: %w", domain.ErrRateLimited)
	}
	return domain.OutcomeSuccess, nil
}

// ParsePrice parses Steam's "$1.23"/"1,23€"/"123.45 pуб." style price
// strings into a float, stripping currency symbols and normalizing the
// decimal separator.
func ParsePrice(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, fmt.Errorf("empty price string")
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == ',':
			b.WriteRune('.')
		}
	}
	cleaned := b.String()
	// A trailing "." (e.g. from the "pуб." suffix) is not a separator.
	cleaned = strings.Trim(cleaned, ".")
	if strings.Count(cleaned, ".") > 1 {
		parts := strings.Split(cleaned, ".")
		cleaned = strings.Join(parts[:len(parts)-1], "") + "." + parts[len(parts)-1]
	}
	return strconv.ParseFloat(cleaned, 64)
}

// currencyCodes maps the MonitoringTask's ISO-ish currency code onto
// Steam's numeric wallet currency id, used by both the render and
// priceoverview endpoints. Unrecognized codes fall back to USD (1).
var currencyCodes = map[string]int{
	"USD": 1, "GBP": 2, "EUR": 3, "CHF": 4, "RUB": 5, "PLN": 6,
	"BRL": 7, "JPY": 8, "NOK": 9, "IDR": 10, "MYR": 11, "PHP": 12,
	"SGD": 13, "THB": 14, "VND": 15, "KRW": 16, "TRY": 17, "UAH": 18,
	"MXN": 19, "CAD": 20, "AUD": 21, "NZD": 22, "CNY": 23, "INR": 24,
	"CLP": 25, "PEN": 26, "COP": 27, "ZAR": 28, "HKD": 29, "TWD": 30,
	"SAR": 31, "AED": 32, "ILS": 35, "KWD": 36, "QAR": 37, "CRC": 38,
	"UYU": 39, "KZT": 37,
}

// CurrencyCode resolves a MonitoringTask currency string to Steam's numeric
// wallet currency id.
func CurrencyCode(code string) int {
	if id, ok := currencyCodes[strings.ToUpper(code)]; ok {
		return id
	}
	return 1
}

// NewProxiedHTTPClient builds an *http.Client that routes all requests
// through the given proxy URL, with the supplied request timeout.
func NewProxiedHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("op=marketplace.new_proxied_client.parse_url: %w", err)
	}
	transport := &http.Transport{Proxy: http.ProxyURL(parsed)}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}
