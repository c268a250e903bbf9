// Package exposure values a position against a market snapshot.
package exposure

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/position"
)

// Asset is the net holding of one asset across venues. Delta is the
// directional value it contributes; perps report theirs on the underlying.
type Asset struct {
	Quantity float64 `json:"quantity"`
	Value    float64 `json:"value"`
	Delta    float64 `json:"delta"`
}

// Venue summarises the holdings at one venue.
type Venue struct {
	Value      float64 `json:"value"`
	Weighted   float64 `json:"weighted"`
	Collateral float64 `json:"collateral"`
	Debt       float64 `json:"debt"`
}

// LTV is debt over collateral, zero with no debt and +Inf with debt but no
// collateral.
func (v Venue) LTV() float64 {
	switch {
	case v.Debt <= 0:
		return 0
	case v.Collateral <= 0:
		return math.Inf(1)
	}
	return v.Debt / v.Collateral
}

// Exposure is derived state for one timestep. All values are in the session
// base asset. Perp contracts carry no equity value of their own (their
// margin and settlement live in the base asset at the same venue) but do
// carry delta and gross notional.
type Exposure struct {
	Time      time.Time         `json:"time"`
	Snapshot  market.Snapshot   `json:"snapshot"`
	Positions position.Position `json:"positions"`

	Assets map[string]Asset `json:"assets"`
	Venues map[string]Venue `json:"venues"`

	Long           float64 `json:"long"`
	Short          float64 `json:"short"`
	Gross          float64 `json:"gross"`
	NetDelta       float64 `json:"net_delta"`
	Equity         float64 `json:"equity"`
	WeightedEquity float64 `json:"weighted_equity"`
	Collateral     float64 `json:"collateral"`
	Debt           float64 `json:"debt"`
}

// Held returns the quantity at (venue, asset).
func (e Exposure) Held(venue, asset string) float64 {
	return e.Positions.Get(market.Key{Venue: venue, Asset: asset})
}

// Monitor computes Exposure. It holds no state between calls.
type Monitor struct {
	cfg     *config.Config
	weights map[string]float64
}

// NewMonitor checks that every venue has a weight.
func NewMonitor(cfg *config.Config) (*Monitor, error) {
	m := &Monitor{cfg: cfg, weights: make(map[string]float64, len(cfg.Venues))}
	for _, v := range cfg.Venues {
		w, err := config.Require(fmt.Sprintf("venues[%s].weight", v.Name), v.Weight)
		if err != nil {
			return nil, err
		}
		m.weights[v.Name] = w
	}
	return m, nil
}

// Compute values pos at snap. Every asset must be configured and priced.
func (m *Monitor) Compute(pos position.Position, snap market.Snapshot) (Exposure, error) {
	exp := Exposure{
		Time:      snap.Time,
		Snapshot:  snap,
		Positions: pos.Clone(),
		Assets:    map[string]Asset{},
		Venues:    map[string]Venue{},
	}

	for _, k := range market.Keys(pos) {
		q := pos[k]
		w, ok := m.weights[k.Venue]
		if !ok {
			return Exposure{}, errs.Invalid("venues", fmt.Sprintf("position held at unknown venue %q", k.Venue))
		}
		a, err := m.cfg.Asset(k.Asset)
		if err != nil {
			return Exposure{}, err
		}
		p, ok := snap.Price(k.Asset)
		if !ok {
			return Exposure{}, &errs.DataUnavailableError{Key: k.Asset, Time: snap.Time, Reason: "no price in snapshot"}
		}
		notional := q * p

		ae := exp.Assets[k.Asset]
		ae.Quantity += q
		ve := exp.Venues[k.Venue]

		if notional > 0 {
			exp.Long += notional
		} else {
			exp.Short -= notional
		}

		switch a.Kind {
		case config.KindPerp:
			under := exp.Assets[a.Underlying]
			under.Delta += notional
			exp.Assets[a.Underlying] = under
			exp.NetDelta += notional
		default:
			ae.Value += notional
			if a.Kind == config.KindToken {
				ae.Delta += notional
				exp.NetDelta += notional
			}
			ve.Value += notional
			ve.Weighted += notional * w
			if notional > 0 {
				ve.Collateral += notional
			} else {
				ve.Debt -= notional
			}
		}

		exp.Assets[k.Asset] = ae
		exp.Venues[k.Venue] = ve
	}

	names := make([]string, 0, len(exp.Venues))
	for name := range exp.Venues {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := exp.Venues[name]
		exp.Equity += v.Value
		exp.WeightedEquity += v.Weighted
		exp.Collateral += v.Collateral
		exp.Debt += v.Debt
	}
	exp.Gross = exp.Long + exp.Short
	return exp, nil
}
