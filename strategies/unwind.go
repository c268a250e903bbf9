package strategies

import (
	"sort"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/position"
)

// unwind closes everything back to the base asset in the wallet:
//  1. close perps and sell spot tokens on exchanges
//  2. unstake everything
//  3. repay debt from the wallet, then withdraw supply where no debt is left
//  4. route leftover wallet tokens through the first exchange and sell them
//  5. bring exchange cash home
//
// Amounts come from the projection, so each step sees what earlier steps
// leave behind. The first error stops the plan; actions so far still run.
func unwind(cfg *config.Config, p *position.Projection) error {
	base, wallet := cfg.Strategy.BaseAsset, cfg.Strategy.Wallet
	held := func(venue string) []string {
		var assets []string
		for k := range p.Position() {
			if k.Venue == venue && k.Asset != base {
				assets = append(assets, k.Asset)
			}
		}
		sort.Strings(assets)
		return assets
	}

	cexes := cfg.VenuesOfKind(config.VenueCEX)
	for _, v := range cexes {
		for _, asset := range held(v.Name) {
			if a, ok := cfg.Assets[asset]; !ok || a.Kind == config.KindCash {
				continue
			}
			if q := p.Held(v.Name, asset); q != 0 {
				if err := p.Add(broker.Action{Kind: broker.Trade, Venue: v.Name, Asset: asset, Quote: base, Amount: -q}); err != nil {
					return err
				}
			}
		}
	}

	for _, v := range cfg.VenuesOfKind(config.VenueStaking) {
		for _, asset := range held(v.Name) {
			if q := p.Held(v.Name, asset); q > 0 {
				if err := p.Add(broker.Action{Kind: broker.Unstake, Venue: v.Name, Counterparty: wallet, Asset: asset, Amount: q}); err != nil {
					return err
				}
			}
		}
	}

	for _, v := range cfg.VenuesOfKind(config.VenueLending) {
		assets := append(held(v.Name), base)
		indebted := false
		for _, asset := range assets {
			debt := -p.Held(v.Name, asset)
			if debt <= 0 {
				continue
			}
			amt := minf(debt, p.Held(wallet, asset))
			if amt > 0 {
				if err := p.Add(broker.Action{Kind: broker.Repay, Venue: v.Name, Counterparty: wallet, Asset: asset, Amount: amt}); err != nil {
					return err
				}
			}
			if p.Held(v.Name, asset) < 0 {
				indebted = true
			}
		}
		if indebted {
			continue
		}
		for _, asset := range assets {
			if q := p.Held(v.Name, asset); q > 0 {
				if err := p.Add(broker.Action{Kind: broker.Withdraw, Venue: v.Name, Counterparty: wallet, Asset: asset, Amount: q}); err != nil {
					return err
				}
			}
		}
	}

	if len(cexes) == 0 {
		return nil
	}
	cex := cexes[0].Name
	for _, asset := range held(wallet) {
		a, ok := cfg.Assets[asset]
		if !ok || a.Kind != config.KindToken {
			continue
		}
		q := p.Held(wallet, asset)
		if q <= 0 {
			continue
		}
		if err := p.Add(broker.Action{Kind: broker.Transfer, Venue: wallet, Counterparty: cex, Asset: asset, Amount: q}); err != nil {
			return err
		}
		if err := p.Add(broker.Action{Kind: broker.Trade, Venue: cex, Asset: asset, Quote: base, Amount: -p.Held(cex, asset)}); err != nil {
			return err
		}
	}
	for _, v := range cexes {
		if q := p.Held(v.Name, base); q > 0 {
			if err := p.Add(broker.Action{Kind: broker.Transfer, Venue: v.Name, Counterparty: wallet, Asset: base, Amount: q}); err != nil {
				return err
			}
		}
	}
	return nil
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
