package pricing

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"taskfleet/internal/core"
	"taskfleet/pkg/telemetry"
)

// Predictor quotes a market-clearing price for a resource bundle.
type Predictor interface {
	PredictBid(ctx context.Context, resources *core.BidResources) (*core.Prediction, error)
}

// Oracle caches the predicted market price per task tag. Refresh runs on the
// reload scheduler; everything else only reads the published map.
type Oracle struct {
	predictor Predictor
	logger    core.ILogger
	metrics   *telemetry.MetricsHolder

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// NewOracle creates a price oracle backed by the given predictor.
func NewOracle(predictor Predictor, logger core.ILogger) *Oracle {
	return &Oracle{
		predictor: predictor,
		logger:    logger.WithField("component", "pricing_oracle"),
		metrics:   telemetry.GetGlobalMetrics(),
		prices:    make(map[string]decimal.Decimal),
	}
}

// Refresh re-quotes every task tag. A failed quote drops the cached entry so
// stale predictions cannot price new orders; those tags fall back to their
// configured maximum until the next refresh.
func (o *Oracle) Refresh(ctx context.Context, resources map[string]*core.BidResources) {
	for tag, res := range resources {
		prediction, err := o.predictor.PredictBid(ctx, res)
		if err != nil {
			o.logger.Warn("Failed to refresh predicted price", "tag", tag, "error", err)
			o.mu.Lock()
			delete(o.prices, tag)
			o.mu.Unlock()
			o.metrics.SetPredictedPrice(tag, 0)
			continue
		}
		o.mu.Lock()
		o.prices[tag] = prediction.PerHourUSD
		o.mu.Unlock()
		o.metrics.SetPredictedPrice(tag, prediction.PerHourUSD.InexactFloat64())
		o.logger.Debug("Refreshed predicted price",
			"tag", tag,
			"per_hour_usd", prediction.PerHourUSD.StringFixed(4))
	}
}

// PriceForTag returns the cached prediction for a task tag.
func (o *Oracle) PriceForTag(tag string) (decimal.Decimal, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	price, ok := o.prices[tag]
	return price, ok
}

// FormattedPriceForTag returns the cached prediction as "N.NNNN USD/h", or
// an empty string when no prediction is cached.
func (o *Oracle) FormattedPriceForTag(tag string) string {
	price, ok := o.PriceForTag(tag)
	if !ok {
		return ""
	}
	return FormatPrice(price, true)
}

// OrderPrice derives the price for a new order. Without a prediction the
// configured maximum is used as-is. With one, the coefficient is applied as
// a signed percentage; the maximum stays a hard ceiling either way.
// The predicted and adjusted values are returned for logging.
func (o *Oracle) OrderPrice(tag string, maxPrice decimal.Decimal, coefficientPercent int) (price, predicted, adjusted decimal.Decimal) {
	price = maxPrice
	predicted, ok := o.PriceForTag(tag)
	if !ok {
		return price, decimal.Zero, decimal.Zero
	}
	factor := decimal.NewFromInt(1).Add(decimal.NewFromInt(int64(coefficientPercent)).Div(hundred))
	adjusted = predicted.Mul(factor)
	if adjusted.LessThan(maxPrice) {
		price = adjusted
	}
	return price, predicted, adjusted
}
