package strategies

import (
	"fmt"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
)

// pureLending keeps all base-asset capital supplied to the lending venue
// with the best rate. Capital moves between venues only when the rate gap
// beats RebalanceThreshold; idle wallet cash is deployed once it exceeds
// MinTrade.
type pureLending struct {
	base, wallet       string
	venues             []string // lending venues quoting a supply rate for base
	rebalanceThreshold float64
	minTrade           float64
}

func newPureLending(cfg *config.Config) (*pureLending, error) {
	s := &pureLending{base: cfg.Strategy.BaseAsset, wallet: cfg.Strategy.Wallet}

	var err error
	if s.rebalanceThreshold, err = cfg.Strategy.Param("rebalance_threshold"); err != nil {
		return nil, err
	}
	if s.minTrade, err = cfg.Strategy.Param("min_trade"); err != nil {
		return nil, err
	}
	for _, v := range cfg.VenuesOfKind(config.VenueLending) {
		if _, ok := v.SupplyRates[s.base]; ok {
			s.venues = append(s.venues, v.Name)
		}
	}
	if len(s.venues) == 0 {
		return nil, errs.Invalid("venues", fmt.Sprintf("pure_lending needs a lending venue with a %s supply rate", s.base))
	}
	return s, nil
}

// best returns the venue with the highest rate; ties go to config order.
func (s *pureLending) best(snap market.Snapshot) (string, float64, error) {
	bestVenue, bestRate := "", 0.0
	for _, v := range s.venues {
		r, ok := snap.SupplyRates[market.Key{Venue: v, Asset: s.base}]
		if !ok {
			return "", 0, fmt.Errorf("no %s supply rate for %s", s.base, v)
		}
		if bestVenue == "" || r > bestRate {
			bestVenue, bestRate = v, r
		}
	}
	return bestVenue, bestRate, nil
}

func (s *pureLending) Evaluate(_ risk.State, exp exposure.Exposure) (Plan, error) {
	venue, rate, err := s.best(exp.Snapshot)
	if err != nil {
		return Plan{}, err
	}
	plan := Plan{
		Reason: fmt.Sprintf("supply %s to %s at %.4f%%", s.base, venue, 100*rate),
		Target: map[string]float64{},
	}
	for _, v := range s.venues {
		if v == venue {
			continue
		}
		r := exp.Snapshot.SupplyRates[market.Key{Venue: v, Asset: s.base}]
		if rate-r > s.rebalanceThreshold && exp.Held(v, s.base) > s.minTrade {
			plan.Target[v] = 0
		}
	}
	plan.Target[venue] = 1
	return plan, nil
}

func (s *pureLending) NeedsRebalance(plan Plan, exp exposure.Exposure) bool {
	return exp.Held(s.wallet, s.base) > s.minTrade || len(plan.Target) > 1
}

func (s *pureLending) Actions(plan Plan, p *position.Projection) error {
	var into string
	for _, v := range s.venues {
		switch target, ok := plan.Target[v]; {
		case !ok:
		case target == 0:
			q := p.Held(v, s.base)
			if err := p.Add(broker.Action{Kind: broker.Withdraw, Venue: v, Counterparty: s.wallet, Asset: s.base, Amount: q}); err != nil {
				return err
			}
		default:
			into = v
		}
	}

	q := p.Held(s.wallet, s.base)
	if q <= 0 {
		return nil
	}
	return p.Add(broker.Action{Kind: broker.Deposit, Venue: into, Counterparty: s.wallet, Asset: s.base, Amount: q})
}
