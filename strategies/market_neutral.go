package strategies

import (
	"fmt"
	"math"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
)

// marketNeutral stakes a token for rewards and shorts its perp so price
// moves cancel. Rewards grow the staked balance, so the short is topped up
// whenever net delta drifts more than DeltaBand of equity.
type marketNeutral struct {
	base, wallet string
	h            hedge
	staking      string
	allocation   float64
	deltaBand    float64
	minTrade     float64
}

func newMarketNeutral(cfg *config.Config) (*marketNeutral, error) {
	s := &marketNeutral{base: cfg.Strategy.BaseAsset, wallet: cfg.Strategy.Wallet}

	var err error
	if s.allocation, err = cfg.Strategy.Param("allocation"); err != nil {
		return nil, err
	}
	if s.allocation <= 0 || s.allocation >= 1 {
		return nil, errs.Invalid("strategy.params.allocation", "must be in (0, 1)")
	}
	if s.deltaBand, err = cfg.Strategy.Param("delta_band"); err != nil {
		return nil, err
	}
	if s.minTrade, err = cfg.Strategy.Param("min_trade"); err != nil {
		return nil, err
	}
	if s.h, err = findHedge(cfg, "market_neutral"); err != nil {
		return nil, err
	}
	for _, v := range cfg.VenuesOfKind(config.VenueStaking) {
		if _, ok := v.SupplyRates[s.h.spot]; ok {
			s.staking = v.Name
			break
		}
	}
	if s.staking == "" {
		return nil, errs.Invalid("venues", fmt.Sprintf("market_neutral needs a staking venue for %s", s.h.spot))
	}
	return s, nil
}

func (s *marketNeutral) Evaluate(_ risk.State, exp exposure.Exposure) (Plan, error) {
	price, ok := exp.Snapshot.Price(s.h.spot)
	if !ok || price <= 0 {
		return Plan{}, fmt.Errorf("no price for %s", s.h.spot)
	}
	if exp.Equity <= 0 {
		return Plan{}, fmt.Errorf("no equity to deploy")
	}

	held := exp.Assets[s.h.spot].Quantity
	if held*price < s.minTrade {
		spot := s.allocation * exp.Equity / price
		return Plan{
			Reason: fmt.Sprintf("open: stake %.6f %s on %s, short %s", spot, s.h.spot, s.staking, s.h.perp),
			Target: map[string]float64{"open": 1, "spot": spot, "perp": -spot, "price": price},
		}, nil
	}
	return Plan{
		Reason: fmt.Sprintf("hedge: net delta %.2f on equity %.2f", exp.NetDelta, exp.Equity),
		Target: map[string]float64{"perp": -held, "price": price},
	}, nil
}

func (s *marketNeutral) NeedsRebalance(plan Plan, exp exposure.Exposure) bool {
	price := plan.Target["price"]
	if plan.Target["open"] == 1 {
		return plan.Target["spot"]*price > s.minTrade
	}
	d := plan.Target["perp"] - exp.Held(s.h.cex, s.h.perp)
	return math.Abs(exp.NetDelta)/exp.Equity > s.deltaBand && math.Abs(d)*price > s.minTrade
}

func (s *marketNeutral) Actions(plan Plan, p *position.Projection) error {
	if plan.Target["open"] == 1 {
		if q := p.Held(s.wallet, s.base); q > 0 {
			if err := p.Add(broker.Action{Kind: broker.Transfer, Venue: s.wallet, Counterparty: s.h.cex, Asset: s.base, Amount: q}); err != nil {
				return err
			}
		}
		spot := plan.Target["spot"]
		if err := p.Add(broker.Action{Kind: broker.Trade, Venue: s.h.cex, Asset: s.h.spot, Quote: s.base, Amount: spot}); err != nil {
			return err
		}
		if err := p.Add(broker.Action{Kind: broker.Transfer, Venue: s.h.cex, Counterparty: s.wallet, Asset: s.h.spot, Amount: spot}); err != nil {
			return err
		}
		if err := p.Add(broker.Action{Kind: broker.Stake, Venue: s.staking, Counterparty: s.wallet, Asset: s.h.spot, Amount: p.Held(s.wallet, s.h.spot)}); err != nil {
			return err
		}
	}

	if d := plan.Target["perp"] - p.Held(s.h.cex, s.h.perp); d != 0 {
		return p.Add(broker.Action{Kind: broker.Trade, Venue: s.h.cex, Asset: s.h.perp, Quote: s.base, Amount: d})
	}
	return nil
}
