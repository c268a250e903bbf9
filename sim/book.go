package sim

import (
	"fmt"
	"sync"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/market"
)

// dust below which a balance is treated as zero.
const dust = 1e-9

// Book is the ledger behind the simulated venues of one session. Each
// session builds its own; nothing here is shared across sessions.
type Book struct {
	mu       sync.Mutex
	balances map[market.Key]float64

	// keys allowed to go negative: lending debt, perp shorts, margin
	negative func(market.Key) bool
}

// NewBook returns an empty ledger. negative reports which keys may hold a
// negative balance; nil means none may.
func NewBook(negative func(market.Key) bool) *Book {
	if negative == nil {
		negative = func(market.Key) bool { return false }
	}
	return &Book{balances: map[market.Key]float64{}, negative: negative}
}

// Get returns the balance of k.
func (b *Book) Get(k market.Key) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balances[k]
}

// Holdings returns a copy of every non-zero balance held at venue.
func (b *Book) Holdings(venue string) map[market.Key]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := map[market.Key]float64{}
	for k, v := range b.balances {
		if k.Venue == venue && v != 0 {
			out[k] = v
		}
	}
	return out
}

// Apply moves all deltas or none. A delta that would leave a key below zero
// fails unless the key is allowed to go negative.
func (b *Book) Apply(deltas []broker.Delta) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := map[market.Key]float64{}
	for _, d := range deltas {
		cur, ok := next[d.Key]
		if !ok {
			cur = b.balances[d.Key]
		}
		next[d.Key] = cur + d.Amount
	}
	for k, v := range next {
		if v < -dust && !b.negative(k) {
			return fmt.Errorf("sim: insufficient %s: balance %.6f, short by %.6f", k, b.balances[k], -v)
		}
	}
	for k, v := range next {
		if v > -dust && v < dust {
			delete(b.balances, k)
			continue
		}
		b.balances[k] = v
	}
	return nil
}

// credit applies deltas without the balance check. Accrual uses it: interest
// and settlement happen whether or not the result is comfortable.
func (b *Book) credit(deltas []broker.Delta) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range deltas {
		b.balances[d.Key] += d.Amount
	}
}
