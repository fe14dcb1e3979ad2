package marketplace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		name    string
		raw     string
		want    float64
		wantErr bool
	}{
		{name: "dollar sign", raw: "$1.23", want: 1.23},
		{name: "euro comma decimal", raw: "1,23€", want: 1.23},
		{name: "thousands separator with decimal", raw: "1.234,56 pуб.", want: 1234.56},
		{name: "plain integer", raw: "42", want: 42},
		{name: "whitespace only", raw: "   ", wantErr: true},
		{name: "no digits", raw: "free", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePrice(tc.raw)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.want, got, 0.001)
		})
	}
}

func TestPromotedPriceFromHTML_UsesLastPromoteSpan(t *testing.T) {
	body := []byte(`<html><body>
		<span class="market_commodity_orders_header_promote">128 requests</span>
		<span class="market_commodity_orders_header_promote">$3.45</span>
	</body></html>`)
	price, ok := promotedPriceFromHTML(body)
	require.True(t, ok)
	assert.InDelta(t, 3.45, price, 0.001)
}

func TestPromotedPriceFromHTML_NoSpansFound(t *testing.T) {
	_, ok := promotedPriceFromHTML([]byte(`<html><body>nothing here</body></html>`))
	assert.False(t, ok)
}

func TestLowestPriceFromListingInfoScript_PicksMinimumAcrossEntries(t *testing.T) {
	body := []byte(`<html><body><script>
		var g_rgListingInfo = {"l1": {"lowest_price": "350"}, "l2": {"converted_price_per_unit": {"lowest_price": "299"}}};
	</script></body></html>`)
	price, ok := lowestPriceFromListingInfoScript(body)
	require.True(t, ok)
	assert.InDelta(t, 2.99, price, 0.001)
}

func TestLowestPriceFromListingInfoScript_AbsentScript(t *testing.T) {
	_, ok := lowestPriceFromListingInfoScript([]byte(`<html><body>no script here</body></html>`))
	assert.False(t, ok)
}

func TestCurrencyCode_KnownAndUnknown(t *testing.T) {
	assert.Equal(t, 3, CurrencyCode("eur"))
	assert.Equal(t, 5, CurrencyCode("RUB"))
	assert.Equal(t, 1, CurrencyCode("NOTACODE"))
}
