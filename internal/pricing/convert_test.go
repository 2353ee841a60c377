package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "per hour", input: "0.2USD/h", want: "0.2"},
		{name: "per hour with space", input: "0.2 USD/h", want: "0.2"},
		{name: "per second suffix keeps figure", input: "0.2USD/s", want: "0.2"},
		{name: "integer", input: "3USD/h", want: "3"},
		{name: "no unit", input: "0.2", wantErr: true},
		{name: "garbage number", input: "abcUSD/h", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePrice(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"got %s, want %s", got, tt.want)
		})
	}
}

func TestWeiPerSecondRoundTrip(t *testing.T) {
	usd := decimal.RequireFromString("0.2")
	wei := WeiPerSecond(usd)
	assert.Equal(t, "55555555555556", wei.String())

	back := PerHourUSD(wei)
	assert.Equal(t, "0.2000", back.StringFixed(4))
}

func TestPerHourUSDFromPredictorQuote(t *testing.T) {
	// 27777777777778 wei/sec is the wire form of roughly 0.10 USD/h.
	perHour, err := ParseWeiPerSecond("27777777777778")
	require.NoError(t, err)
	assert.Equal(t, "0.1000", perHour.StringFixed(4))
}

func TestFormatPrice(t *testing.T) {
	price := decimal.RequireFromString("0.11000000000000088")
	assert.Equal(t, "0.1100 USD/h", FormatPrice(price, true))
	assert.Equal(t, "0.1100USD/h", FormatPrice(price, false))
}
