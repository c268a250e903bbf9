package position

import (
	"fmt"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/market"
)

// Planned is an action priced against a snapshot.
type Planned struct {
	Price  float64
	Perp   bool
	FeeBps float64
	Deltas []broker.Delta
	Fee    broker.Fee
}

// Planner prices actions with snapshot prices and configured venue fees.
// Transfers go through the bridge and pay no fee.
type Planner struct {
	cfg  *config.Config
	snap market.Snapshot
}

func NewPlanner(cfg *config.Config, snap market.Snapshot) Planner {
	return Planner{cfg: cfg, snap: snap}
}

// Plan returns the deltas a venue is expected to confirm for a.
func (p Planner) Plan(a broker.Action) (Planned, error) {
	var out Planned
	if a.Kind == broker.Trade {
		asset, err := p.cfg.Asset(a.Asset)
		if err != nil {
			return Planned{}, err
		}
		price, ok := p.snap.Price(a.Asset)
		if !ok {
			return Planned{}, fmt.Errorf("position: no price for %s", a.Asset)
		}
		out.Price = price
		out.Perp = asset.Kind == config.KindPerp
	}
	if a.Kind != broker.Transfer {
		vc, ok := p.cfg.Venue(a.Venue)
		if !ok {
			return Planned{}, fmt.Errorf("position: unknown venue %q", a.Venue)
		}
		out.FeeBps = vc.FeeBps
	}

	deltas, fee, err := broker.Plan(a, out.Price, out.FeeBps, out.Perp)
	if err != nil {
		return Planned{}, err
	}
	out.Deltas = deltas
	out.Fee = fee
	return out, nil
}

// Projection applies planned actions to a copy of a position, so a strategy
// can size later actions on what earlier ones will leave behind.
type Projection struct {
	planner Planner
	pos     Position
	actions []broker.Action
}

func NewProjection(cfg *config.Config, snap market.Snapshot, pos Position) *Projection {
	return &Projection{planner: NewPlanner(cfg, snap), pos: pos.Clone()}
}

// Add plans a and applies its deltas to the projected position.
func (p *Projection) Add(a broker.Action) error {
	pl, err := p.planner.Plan(a)
	if err != nil {
		return err
	}
	p.pos = p.pos.Apply(pl.Deltas)
	p.actions = append(p.actions, a)
	return nil
}

// Held returns the projected quantity at (venue, asset).
func (p *Projection) Held(venue, asset string) float64 {
	return p.pos.Get(market.Key{Venue: venue, Asset: asset})
}

// Position returns a copy of the projected position.
func (p *Projection) Position() Position { return p.pos.Clone() }

// Actions returns the actions added so far, in order.
func (p *Projection) Actions() []broker.Action {
	return append([]broker.Action(nil), p.actions...)
}
