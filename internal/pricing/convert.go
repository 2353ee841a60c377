// Package pricing converts between the marketplace's wei-per-second prices
// and operator-facing USD-per-hour figures, and keeps the per-tag price
// predictions the bids are derived from.
package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	weiPerToken      = decimal.New(1, 18)
	secondsPerHour   = decimal.NewFromInt(3600)
	hundred          = decimal.NewFromInt(100)
	priceDisplayUnit = "USD/h"
)

// ParsePrice reads a price with a USD/h or USD/s suffix and returns the USD
// per hour amount. Both suffixes carry the same per-hour figure on the wire.
func ParsePrice(price string) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(price)
	var value string
	switch {
	case strings.HasSuffix(trimmed, "USD/h"):
		value = strings.TrimSuffix(trimmed, "USD/h")
	case strings.HasSuffix(trimmed, "USD/s"):
		value = strings.TrimSuffix(trimmed, "USD/s")
	default:
		return decimal.Zero, fmt.Errorf("cannot parse price %q", price)
	}
	parsed, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("cannot parse price %q: %w", price, err)
	}
	return parsed, nil
}

// WeiPerSecond converts USD per hour to the wire price, rounded to a whole
// number of wei.
func WeiPerSecond(usdPerHour decimal.Decimal) decimal.Decimal {
	return usdPerHour.Mul(weiPerToken).Div(secondsPerHour).Round(0)
}

// PerHourUSD converts a wire wei-per-second price back to USD per hour.
func PerHourUSD(weiPerSecond decimal.Decimal) decimal.Decimal {
	return weiPerSecond.Mul(secondsPerHour).Div(weiPerToken)
}

// ParseWeiPerSecond converts a wire price string straight to USD per hour.
func ParseWeiPerSecond(wei string) (decimal.Decimal, error) {
	parsed, err := decimal.NewFromString(strings.TrimSpace(wei))
	if err != nil {
		return decimal.Zero, fmt.Errorf("cannot parse wire price %q: %w", wei, err)
	}
	return PerHourUSD(parsed), nil
}

// FormatPrice renders a USD per hour amount to four decimals. The readable
// form separates the unit with a space; the compact form is the bid format.
func FormatPrice(usdPerHour decimal.Decimal, readable bool) string {
	sep := ""
	if readable {
		sep = " "
	}
	return usdPerHour.StringFixed(4) + sep + priceDisplayUnit
}
