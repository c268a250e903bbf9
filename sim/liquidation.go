package sim

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/market"
)

// liquidate closes every borrow on a lending venue whose LTV has drifted
// past its liquidation threshold. Debt is cleared and collateral worth
// debt*(1+penalty) is seized, walking collateral in key order. Debt the
// collateral cannot cover is written off. Caller holds v.mu.
func (v *Venue) liquidate(ctx context.Context, now time.Time) error {
	if v.cfg.Kind != config.VenueLending || v.cfg.LiquidationLTV <= 0 {
		return nil
	}

	holdings := v.net.book.Holdings(v.cfg.Name)
	keys := market.Keys(holdings)
	prices := make(map[string]float64, len(keys))
	var collateral, debt float64
	for _, k := range keys {
		p, err := v.net.price(ctx, now, k.Asset)
		if err != nil {
			return err
		}
		prices[k.Asset] = p
		if q := holdings[k]; q > 0 {
			collateral += q * p
		} else {
			debt -= q * p
		}
	}
	if debt <= 0 || (collateral > 0 && debt/collateral <= v.cfg.LiquidationLTV) {
		return nil
	}

	owed := debt * (1 + v.cfg.LiquidationPenalty)
	var deltas []broker.Delta
	for _, k := range keys {
		q := holdings[k]
		switch {
		case q < 0:
			deltas = append(deltas, broker.Delta{Key: k, Amount: -q})
		case q > 0 && owed > 0 && prices[k.Asset] > 0:
			take := math.Min(q, owed/prices[k.Asset])
			deltas = append(deltas, broker.Delta{Key: k, Amount: -take})
			owed -= take * prices[k.Asset]
		}
	}
	v.net.book.credit(deltas)

	v.log.Warn("position liquidated",
		zap.String("venue", v.cfg.Name),
		zap.Float64("debt", debt),
		zap.Float64("collateral", collateral),
		zap.Float64("ltv", debt/math.Max(collateral, 1e-18)),
		zap.Float64("shortfall", math.Max(owed, 0)))
	return nil
}
