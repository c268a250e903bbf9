// Package position owns the authoritative holdings of a session and the
// reconciliation step that is the only way to change them.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/market"
)

// Dust is the magnitude below which a holding is dropped.
const Dust = 1e-9

// Position maps (venue, asset) to quantity.
type Position map[market.Key]float64

// Clone returns a deep copy.
func (p Position) Clone() Position {
	out := make(Position, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Get returns the quantity held at k, zero if none.
func (p Position) Get(k market.Key) float64 { return p[k] }

// Venue returns the holdings at one venue.
func (p Position) Venue(name string) Position {
	out := Position{}
	for k, v := range p {
		if k.Venue == name {
			out[k] = v
		}
	}
	return out
}

// Apply returns p with deltas added and dust dropped. p is not modified.
func (p Position) Apply(deltas []broker.Delta) Position {
	out := p.Clone()
	for _, d := range deltas {
		out[d.Key] += d.Amount
	}
	out.prune()
	return out
}

func (p Position) prune() {
	for k, v := range p {
		if v > -Dust && v < Dust {
			delete(p, k)
		}
	}
}

// Monitor holds the current Position. Readers get copies; the only writer is
// the UpdateHandler in this package.
type Monitor struct {
	venues []broker.Venue

	// Retry bounds each venue's balance read. The zero value reads once.
	Retry broker.Retry

	mu         sync.RWMutex
	pos        Position
	lastUpdate time.Time
}

// NewMonitor returns a monitor over venues, starting from an empty position.
func NewMonitor(venues []broker.Venue) *Monitor {
	return &Monitor{venues: venues, pos: Position{}}
}

// CurrentPositions returns a copy of the authoritative position.
func (m *Monitor) CurrentPositions() Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pos.Clone()
}

// LastUpdate is the timestamp of the last applied update.
func (m *Monitor) LastUpdate() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastUpdate
}

// VenueState reads what the venues themselves report, retrying each venue
// under Retry. It does not touch the authoritative position.
func (m *Monitor) VenueState(ctx context.Context) (Position, error) {
	out := Position{}
	for _, v := range m.venues {
		var bal map[market.Key]float64
		attempts, err := m.Retry.Do(ctx, func() error {
			var err error
			bal, err = v.Balances(ctx)
			return err
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("position: balances from %s after %d attempts: %w", v.Name(), attempts, err)
		}
		for k, q := range bal {
			out[k] += q
		}
	}
	out.prune()
	return out, nil
}

// updateState applies confirmed deltas at ts. Timestamps may repeat (one
// refresh and one reconciliation per step) but never go backwards.
func (m *Monitor) updateState(ts time.Time, confirmed []broker.Delta) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts.Before(m.lastUpdate) {
		return errs.Fatal(fmt.Sprintf("position: update at %s before last update %s",
			ts.Format(time.RFC3339), m.lastUpdate.Format(time.RFC3339)), nil)
	}
	m.pos = m.pos.Apply(confirmed)
	m.lastUpdate = ts
	return nil
}
