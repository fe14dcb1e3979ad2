package marketplace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildAssetsJSON(t *testing.T, appID, contextID, assetID string, item map[string]any) json.RawMessage {
	t.Helper()
	nested := map[string]map[string]map[string]any{
		appID: {contextID: {assetID: item}},
	}
	raw, err := json.Marshal(nested)
	require.NoError(t, err)
	return raw
}

func TestParseListings_JoinsAssetsAndListingInfo(t *testing.T) {
	assets := buildAssetsJSON(t, "730", "2", "111", map[string]any{
		"market_actions": []map[string]any{{"link": "steam://rungame/730/%listingid%/%assetid%"}},
		"asset_properties": []map[string]any{
			{"propertyid": 1, "value": "42"},
			{"propertyid": 2, "name": "Float Value", "value": "0.1234"},
		},
	})
	listingInfo := map[string]json.RawMessage{
		"999": mustRaw(t, map[string]any{
			"asset":                     map[string]any{"id": "111"},
			"converted_price_per_unit": map[string]any{"price": 1050, "fee": 150},
		}),
	}
	page := ListingsPage{Success: true, Assets: assets, ListingInfo: listingInfo}

	out, err := ParseListings(page)
	require.NoError(t, err)
	require.Len(t, out, 1)

	pl := out[0]
	assert.Equal(t, "999", pl.ListingID)
	assert.InDelta(t, 12.0, pl.Price, 0.001)
	require.NotNil(t, pl.Pattern)
	assert.Equal(t, 42, *pl.Pattern)
	require.NotNil(t, pl.FloatValue)
	assert.InDelta(t, 0.1234, *pl.FloatValue, 0.0001)
	assert.Equal(t, "steam://rungame/730/999/111", pl.InspectLink)
}

func TestParseListings_RejectsOutOfRangePrices(t *testing.T) {
	listingInfoZero := map[string]json.RawMessage{
		"1": mustRaw(t, map[string]any{"converted_price_per_unit": map[string]any{"price": 0, "fee": 0}}),
	}
	out, err := ParseListings(ListingsPage{Success: true, ListingInfo: listingInfoZero})
	require.NoError(t, err)
	assert.Empty(t, out)

	listingInfoTooHigh := map[string]json.RawMessage{
		"2": mustRaw(t, map[string]any{"converted_price_per_unit": map[string]any{"price": 10000000, "fee": 0}}),
	}
	out, err = ParseListings(ListingsPage{Success: true, ListingInfo: listingInfoTooHigh})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestParseListings_AcceptsLowBoundaryPrice(t *testing.T) {
	listingInfo := map[string]json.RawMessage{
		"3": mustRaw(t, map[string]any{"converted_price_per_unit": map[string]any{"price": 1, "fee": 0}}),
	}
	out, err := ParseListings(ListingsPage{Success: true, ListingInfo: listingInfo})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.InDelta(t, 0.01, out[0].Price, 0.0001)
}

func TestPatternFromProperties_RejectsOutOfRangeValues(t *testing.T) {
	assert.Nil(t, patternFromProperties([]assetProperty{{PropertyID: 1, Value: "100000"}}))
	assert.Nil(t, patternFromProperties([]assetProperty{{PropertyID: 1, Value: "-1"}}))

	p := patternFromProperties([]assetProperty{{PropertyID: 1, Value: "99999"}})
	require.NotNil(t, p)
	assert.Equal(t, 99999, *p)

	p = patternFromProperties([]assetProperty{{PropertyID: 1, Value: "0"}})
	require.NotNil(t, p)
	assert.Equal(t, 0, *p)
}

func TestFloatValueFromProperties_PrefersNamedFloatProperty(t *testing.T) {
	props := []assetProperty{
		{PropertyID: 1, Value: "5"},
		{PropertyID: 2, Name: "Paint Float Value", Value: "0.356"},
	}
	v := floatValueFromProperties(props)
	require.NotNil(t, v)
	assert.InDelta(t, 0.356, *v, 0.0001)
}

func TestFloatValueFromProperties_FallsBackToUnnamedBoundedValue(t *testing.T) {
	props := []assetProperty{
		{PropertyID: 1, Value: "5"},
		{PropertyID: 3, Value: "0.9"},
	}
	v := floatValueFromProperties(props)
	require.NotNil(t, v)
	assert.InDelta(t, 0.9, *v, 0.0001)
}

func TestParseStickersFromAsset_CapsAtFiveAndSkipsShortNames(t *testing.T) {
	html := `
		<img title="Sticker: ab">
		<img title="Sticker: Titan (Holo) | Katowice 2014">
		<img title="Sticker: Crown (Foil)">
		<img title="Sticker: iBUYPOWER | Katowice 2014">
		<img title="Sticker: Titan | Katowice 2014">
		<img title="Sticker: Reason Gaming">
		<img title="not a sticker">
	`
	item := assetItem{Descriptions: []assetDescription{{Name: "sticker_info", Value: html}}}
	stickers := parseStickersFromAsset(item)
	assert.LessOrEqual(t, len(stickers), 5)
	for _, s := range stickers {
		assert.Greater(t, len(s.Name), 3)
	}
}

func TestParseListingCount_PrefersJSONFieldOverHTMLFallback(t *testing.T) {
	assert.Equal(t, 734, ParseListingCount(ListingsPage{TotalCount: 734, ResultsHTML: "Showing 1-20 of 10"}))
	assert.Equal(t, 10, ParseListingCount(ListingsPage{ResultsHTML: "Showing 1-20 of 10"}))
	assert.Equal(t, 0, ParseListingCount(ListingsPage{}))
}

func TestParseShowingHint_HandlesThousandsSeparator(t *testing.T) {
	assert.Equal(t, 1734, parseShowingHint("Showing 1-20 of 1,734"))
	assert.Equal(t, 0, parseShowingHint("no hint here"))
}

func TestListingIDsFromHTML_ExtractsListingIDs(t *testing.T) {
	html := `<div id="listing_123456"></div><div id="listing_789"></div><div id="other"></div>`
	ids := ListingIDsFromHTML(html)
	assert.Equal(t, []string{"123456", "789"}, ids)
}

func mustRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
