// Package clock holds the single authoritative timestamp of a session.
//
// The engine owns the Clock and is the only caller of Advance. Everything else
// receives a Reader.
package clock

import (
	"fmt"
	"sync"
	"time"

	"github.com/rustyeddy/yieldtrader/errs"
)

// Reader is the read-only view handed to components.
type Reader interface {
	Now() time.Time
}

// Clock is a monotonically advancing timestamp.
type Clock struct {
	mu  sync.RWMutex
	now time.Time
}

// New returns a clock that has not been advanced yet. Now returns the zero
// time until the first Advance.
func New() *Clock {
	return &Clock{}
}

// Now returns the current session timestamp.
func (c *Clock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.now
}

// Advance moves the clock to t. Moving backwards or standing still is an
// ordering violation and returns a FatalEngineError.
func (c *Clock) Advance(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t = t.UTC()
	if !c.now.IsZero() && !t.After(c.now) {
		return errs.Fatal(fmt.Sprintf("clock: out-of-order timestamp %s (now %s)",
			t.Format(time.RFC3339), c.now.Format(time.RFC3339)), nil)
	}
	c.now = t
	return nil
}

// Fixed is a Reader pinned to one instant. Useful in tests.
type Fixed time.Time

func (f Fixed) Now() time.Time { return time.Time(f) }
