package strategies

import (
	"fmt"
	"math"
	"sort"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/indicators"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
)

// hedge is an exchange where a token can be bought spot and shorted through
// its perp.
type hedge struct {
	cex, perp, spot string
}

// findHedge returns the first exchange in config order that quotes funding
// for a perp.
func findHedge(cfg *config.Config, strategy string) (hedge, error) {
	for _, v := range cfg.VenuesOfKind(config.VenueCEX) {
		perps := make([]string, 0, len(v.Funding))
		for p := range v.Funding {
			perps = append(perps, p)
		}
		sort.Strings(perps)
		for _, p := range perps {
			a, err := cfg.Asset(p)
			if err != nil {
				return hedge{}, err
			}
			if a.Kind == config.KindPerp {
				return hedge{cex: v.Name, perp: p, spot: a.Underlying}, nil
			}
		}
	}
	return hedge{}, errs.Invalid("venues", strategy+" needs an exchange quoting funding for a perp")
}

// basisTrade holds spot against a short perp while funding pays shorts more
// than FundingThreshold, and closes the pair when funding turns negative.
// Allocation is the fraction of equity put into the spot leg; the rest stays
// on the exchange as margin. With funding_ema_period set, entry and exit act
// on the EMA of funding once it has warmed up.
type basisTrade struct {
	base, wallet     string
	h                hedge
	fundingThreshold float64
	allocation       float64
	minTrade         float64
	smooth           indicators.Indicator
}

func newBasisTrade(cfg *config.Config) (*basisTrade, error) {
	s := &basisTrade{base: cfg.Strategy.BaseAsset, wallet: cfg.Strategy.Wallet}

	var err error
	if s.fundingThreshold, err = cfg.Strategy.Param("funding_threshold"); err != nil {
		return nil, err
	}
	if s.allocation, err = cfg.Strategy.Param("allocation"); err != nil {
		return nil, err
	}
	if s.allocation <= 0 || s.allocation >= 1 {
		return nil, errs.Invalid("strategy.params.allocation", "must be in (0, 1)")
	}
	if s.minTrade, err = cfg.Strategy.Param("min_trade"); err != nil {
		return nil, err
	}
	if s.h, err = findHedge(cfg, "basis_trade"); err != nil {
		return nil, err
	}
	if p, ok := cfg.Strategy.Params["funding_ema_period"]; ok {
		if p < 1 || p != math.Trunc(p) {
			return nil, errs.Invalid("strategy.params.funding_ema_period", "must be a whole number >= 1")
		}
		if s.smooth, err = indicators.New("ema", int(p)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *basisTrade) Evaluate(_ risk.State, exp exposure.Exposure) (Plan, error) {
	f, ok := exp.Snapshot.Funding[market.Key{Venue: s.h.cex, Asset: s.h.perp}]
	if !ok {
		return Plan{}, fmt.Errorf("no funding rate for %s on %s", s.h.perp, s.h.cex)
	}
	price, ok := exp.Snapshot.Price(s.h.spot)
	if !ok || price <= 0 {
		return Plan{}, fmt.Errorf("no price for %s", s.h.spot)
	}
	if s.smooth != nil {
		s.smooth.Update(f)
		if s.smooth.Ready() {
			f = s.smooth.Value()
		}
	}

	spot := exp.Held(s.h.cex, s.h.spot)
	var target float64
	var reason string
	switch {
	case f > s.fundingThreshold:
		target = s.allocation * exp.Equity / price
		reason = fmt.Sprintf("funding %.4f%% above threshold, hold %.6f %s against %s", 100*f, target, s.h.spot, s.h.perp)
	case f < 0:
		reason = fmt.Sprintf("funding %.4f%% negative, close basis", 100*f)
	default:
		target = spot
		reason = fmt.Sprintf("funding %.4f%% below threshold, keep current size", 100*f)
	}
	return Plan{Reason: reason, Target: map[string]float64{"spot": target, "price": price}}, nil
}

func (s *basisTrade) NeedsRebalance(plan Plan, exp exposure.Exposure) bool {
	target, price := plan.Target["spot"], plan.Target["price"]
	spot := exp.Held(s.h.cex, s.h.spot)
	perp := exp.Held(s.h.cex, s.h.perp)
	return math.Abs(target-spot)*price > s.minTrade || math.Abs(-target-perp)*price > s.minTrade
}

func (s *basisTrade) Actions(plan Plan, p *position.Projection) error {
	target := plan.Target["spot"]

	if target > 0 {
		if q := p.Held(s.wallet, s.base); q > 0 {
			if err := p.Add(broker.Action{Kind: broker.Transfer, Venue: s.wallet, Counterparty: s.h.cex, Asset: s.base, Amount: q}); err != nil {
				return err
			}
		}
	}
	if d := target - p.Held(s.h.cex, s.h.spot); d != 0 {
		if err := p.Add(broker.Action{Kind: broker.Trade, Venue: s.h.cex, Asset: s.h.spot, Quote: s.base, Amount: d}); err != nil {
			return err
		}
	}
	if d := -target - p.Held(s.h.cex, s.h.perp); d != 0 {
		if err := p.Add(broker.Action{Kind: broker.Trade, Venue: s.h.cex, Asset: s.h.perp, Quote: s.base, Amount: d}); err != nil {
			return err
		}
	}
	return nil
}
