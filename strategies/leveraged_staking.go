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

// leveragedStaking supplies base-asset collateral to a lending venue, borrows
// a stakeable token against it up to TargetLTV, and stakes what it borrows.
// When risk reports thin headroom or a breached LTV it unstakes and repays
// back down to TargetLTV.
type leveragedStaking struct {
	base, wallet string
	lending      string
	staking      string
	token        string
	targetLTV    float64
	minTrade     float64
}

func newLeveragedStaking(cfg *config.Config) (*leveragedStaking, error) {
	s := &leveragedStaking{base: cfg.Strategy.BaseAsset, wallet: cfg.Strategy.Wallet}

	var err error
	if s.targetLTV, err = cfg.Strategy.Param("target_ltv"); err != nil {
		return nil, err
	}
	if s.minTrade, err = cfg.Strategy.Param("min_trade"); err != nil {
		return nil, err
	}

	stakes := map[string]string{}
	for _, v := range cfg.VenuesOfKind(config.VenueStaking) {
		for asset := range v.SupplyRates {
			if _, ok := stakes[asset]; !ok {
				stakes[asset] = v.Name
			}
		}
	}
	for _, v := range cfg.VenuesOfKind(config.VenueLending) {
		if _, ok := v.SupplyRates[s.base]; !ok {
			continue
		}
		for token := range v.BorrowRates {
			if st, ok := stakes[token]; ok && (s.token == "" || token < s.token) {
				s.lending, s.staking, s.token = v.Name, st, token
			}
		}
		if s.lending != "" {
			if s.targetLTV <= 0 || s.targetLTV >= v.LiquidationLTV {
				return nil, errs.Invalid("strategy.params.target_ltv",
					fmt.Sprintf("must be in (0, %s liquidation ltv %.2f)", v.Name, v.LiquidationLTV))
			}
			return s, nil
		}
	}
	return nil, errs.Invalid("venues", "leveraged_staking needs a lending venue that borrows a stakeable token against "+s.base)
}

func (s *leveragedStaking) Evaluate(rs risk.State, exp exposure.Exposure) (Plan, error) {
	price, ok := exp.Snapshot.Price(s.token)
	if !ok || price <= 0 {
		return Plan{}, fmt.Errorf("no price for %s", s.token)
	}
	basePrice, ok := exp.Snapshot.Price(s.base)
	if !ok {
		return Plan{}, fmt.Errorf("no price for %s", s.base)
	}

	deposit := math.Max(exp.Held(s.wallet, s.base), 0)
	v := exp.Venues[s.lending]
	collateral := v.Collateral + deposit*basePrice
	borrow := (s.targetLTV*collateral - v.Debt) / price

	reason := fmt.Sprintf("lever to %.2f ltv on %s", s.targetLTV, s.lending)
	if rs.Has(risk.HeadroomLow) || rs.Has(risk.LTVTooHigh) {
		reason = fmt.Sprintf("deleverage to %.2f ltv on %s", s.targetLTV, s.lending)
	} else if borrow < 0 && deposit == 0 {
		// over target but inside limits: leave it
		borrow = 0
	}
	return Plan{
		Reason: reason,
		Target: map[string]float64{"deposit": deposit, "borrow": borrow, "price": price},
	}, nil
}

func (s *leveragedStaking) NeedsRebalance(plan Plan, _ exposure.Exposure) bool {
	return plan.Target["deposit"] > s.minTrade || math.Abs(plan.Target["borrow"])*plan.Target["price"] > s.minTrade
}

func (s *leveragedStaking) Actions(plan Plan, p *position.Projection) error {
	if q := plan.Target["deposit"]; q > 0 {
		if err := p.Add(broker.Action{Kind: broker.Deposit, Venue: s.lending, Counterparty: s.wallet, Asset: s.base, Amount: q}); err != nil {
			return err
		}
	}

	borrow := plan.Target["borrow"]
	switch {
	case borrow > 0:
		if err := p.Add(broker.Action{Kind: broker.Borrow, Venue: s.lending, Counterparty: s.wallet, Asset: s.token, Amount: borrow}); err != nil {
			return err
		}
		return p.Add(broker.Action{Kind: broker.Stake, Venue: s.staking, Counterparty: s.wallet, Asset: s.token, Amount: p.Held(s.wallet, s.token)})

	case borrow < 0:
		repay := math.Min(-borrow, -p.Held(s.lending, s.token))
		if short := repay - math.Max(p.Held(s.wallet, s.token), 0); short > 0 {
			short = math.Min(short, p.Held(s.staking, s.token))
			if short > 0 {
				if err := p.Add(broker.Action{Kind: broker.Unstake, Venue: s.staking, Counterparty: s.wallet, Asset: s.token, Amount: short}); err != nil {
					return err
				}
			}
		}
		repay = math.Min(repay, p.Held(s.wallet, s.token))
		if repay > 0 {
			return p.Add(broker.Action{Kind: broker.Repay, Venue: s.lending, Counterparty: s.wallet, Asset: s.token, Amount: repay})
		}
	}
	return nil
}
