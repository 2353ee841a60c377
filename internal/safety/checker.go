// Package safety provides pre-placement checks for marketplace orders.
package safety

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"taskfleet/internal/config"
	"taskfleet/internal/core"
	"taskfleet/internal/pricing"
	apperrors "taskfleet/pkg/errors"
)

// BidChecker validates bids right before order.create. A bug in price
// handling spends real tokens, so the checks are re-run on the final bid
// rather than trusting the config validation alone.
type BidChecker struct {
	logger core.ILogger
}

// NewBidChecker creates a new bid checker.
func NewBidChecker(logger core.ILogger) *BidChecker {
	return &BidChecker{
		logger: logger.WithField("component", "bid_checker"),
	}
}

// CheckBid verifies one bid against its class price cap. An error aborts the
// order placement.
func (c *BidChecker) CheckBid(bid *core.Bid, maxPrice decimal.Decimal) error {
	if bid.Tag == "" {
		return fmt.Errorf("bid has no tag")
	}

	duration, err := time.ParseDuration(bid.Duration)
	if err != nil {
		return fmt.Errorf("invalid bid duration %q: %w", bid.Duration, err)
	}
	if duration <= 0 {
		return fmt.Errorf("bid duration must be positive: %s", bid.Duration)
	}

	price, err := pricing.ParsePrice(bid.Price)
	if err != nil {
		return fmt.Errorf("invalid bid price: %w", err)
	}
	if price.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("bid price must be positive: %s", bid.Price)
	}
	if maxPrice.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("max price must be positive: %s", maxPrice)
	}
	if price.GreaterThan(maxPrice) {
		return fmt.Errorf("bid price %s exceeds max price %s", price, maxPrice)
	}

	if _, ok := core.IdentityCode(bid.Identity); !ok {
		return fmt.Errorf("unknown identity level %q", bid.Identity)
	}
	if bid.Counterparty != "" && config.ValidateEthAddr(bid.Counterparty) == "" {
		return fmt.Errorf("invalid counterparty address %q", bid.Counterparty)
	}

	b := bid.Resources.Benchmarks
	if b.GPUCount == 0 && (b.GPUMem != 0 || b.GPUEthHashrate != 0) {
		return fmt.Errorf("bid requests GPU memory or hashrate with zero GPU count")
	}
	if b.RAMSize == 0 || b.CPUCores == 0 {
		c.logger.Warn("Bid has zero RAM or CPU requirement, it may match degenerate workers",
			"tag", bid.Tag)
	}

	return nil
}

// CheckMarketConnectivity verifies the marketplace node answers before the
// fleet starts placing orders.
func (c *BidChecker) CheckMarketConnectivity(ctx context.Context, market core.IMarketClient) error {
	c.logger.Info("Checking marketplace connectivity", "consumer", market.ConsumerAddress())

	if _, err := market.OrderList(ctx, 1); err != nil {
		c.logger.Error("Order list access failed", "error", err.Error())
		return fmt.Errorf("%w: %v", apperrors.ErrNodeUnavailable, err)
	}

	balance := market.TokenBalance(ctx)
	if balance.LiveBalance == "n/a" {
		c.logger.Warn("Token balance unavailable (may be normal on some nodes)")
	} else {
		c.logger.Info("Marketplace connectivity check passed", "live_balance", balance.LiveBalance)
	}
	return nil
}
