package data

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/market"
)

// SnapshotBuilder reads every series the session config references and
// assembles a market.Snapshot for one timestamp.
type SnapshotBuilder struct {
	provider Provider
	cfg      *config.Config
}

// NewSnapshotBuilder returns a builder bound to p and cfg.
func NewSnapshotBuilder(p Provider, cfg *config.Config) *SnapshotBuilder {
	return &SnapshotBuilder{provider: p, cfg: cfg}
}

// Build queries in a fixed order (assets sorted by name, venues in config
// order) so identical inputs always produce identical snapshots. Any
// unavailable series aborts the build.
func (b *SnapshotBuilder) Build(ctx context.Context, ts time.Time) (market.Snapshot, error) {
	snap := market.NewSnapshot(ts)

	assets := make([]string, 0, len(b.cfg.Assets))
	for name := range b.cfg.Assets {
		assets = append(assets, name)
	}
	sort.Strings(assets)

	// Cash and tokens first; perps take their underlying's price.
	for _, name := range assets {
		a := b.cfg.Assets[name]
		switch a.Kind {
		case config.KindCash:
			snap.Prices[name] = a.Peg
		case config.KindToken:
			v, err := b.query(ctx, &snap, ts, a.Price)
			if err != nil {
				return market.Snapshot{}, err
			}
			snap.Prices[name] = v
		}
	}
	for _, name := range assets {
		a := b.cfg.Assets[name]
		if a.Kind != config.KindPerp {
			continue
		}
		p, ok := snap.Prices[a.Underlying]
		if !ok {
			return market.Snapshot{}, fmt.Errorf("data: perp %s: no price for underlying %s", name, a.Underlying)
		}
		snap.Prices[name] = p
	}

	for _, v := range b.cfg.Venues {
		if err := b.fill(ctx, &snap, ts, v.Name, v.SupplyRates, snap.SupplyRates); err != nil {
			return market.Snapshot{}, err
		}
		if err := b.fill(ctx, &snap, ts, v.Name, v.BorrowRates, snap.BorrowRates); err != nil {
			return market.Snapshot{}, err
		}
		if err := b.fill(ctx, &snap, ts, v.Name, v.Funding, snap.Funding); err != nil {
			return market.Snapshot{}, err
		}
	}

	return snap, nil
}

func (b *SnapshotBuilder) fill(ctx context.Context, snap *market.Snapshot, ts time.Time, venue string, series map[string]string, into map[market.Key]float64) error {
	assets := make([]string, 0, len(series))
	for a := range series {
		assets = append(assets, a)
	}
	sort.Strings(assets)

	for _, asset := range assets {
		v, err := b.query(ctx, snap, ts, series[asset])
		if err != nil {
			return err
		}
		into[market.Key{Venue: venue, Asset: asset}] = v
	}
	return nil
}

func (b *SnapshotBuilder) query(ctx context.Context, snap *market.Snapshot, ts time.Time, key string) (float64, error) {
	v, err := b.provider.Query(ctx, ts, key)
	if err != nil {
		return 0, err
	}
	if v.Stale {
		snap.MarkStale(key)
	}
	return v.V, nil
}

// Series lists every series key Build will query, sorted. Live sessions
// subscribe to exactly these.
func (b *SnapshotBuilder) Series() []string {
	seen := map[string]bool{}
	for _, a := range b.cfg.Assets {
		if a.Kind == config.KindToken && a.Price != "" {
			seen[a.Price] = true
		}
	}
	for _, v := range b.cfg.Venues {
		for _, m := range []map[string]string{v.SupplyRates, v.BorrowRates, v.Funding} {
			for _, s := range m {
				seen[s] = true
			}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
