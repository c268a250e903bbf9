// Package data answers point-in-time queries for market and venue series.
//
// Series keys are free-form strings named in the session config, e.g.
// "price:ETH", "rate:aave:USDC" or "funding:binance:ETH-PERP". The historical
// and live providers expose the same Query contract so nothing downstream
// knows which one it is talking to.
package data

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/yieldtrader/errs"
)

// Value is one observation of a series.
type Value struct {
	V     float64   `json:"value"`
	AsOf  time.Time `json:"as_of"`
	Stale bool      `json:"stale,omitempty"`
}

// Provider returns the value of series key at ts, or an error matching
// errs.ErrDataUnavailable. Query has no side effects on session state.
type Provider interface {
	Query(ctx context.Context, ts time.Time, key string) (Value, error)
}

// Fallback asks each provider in turn. The first fresh value wins; if every
// provider is stale or failing, the first stale value is returned, and if
// there is none the last error is.
type Fallback []Provider

func (f Fallback) Query(ctx context.Context, ts time.Time, key string) (Value, error) {
	var (
		stale   *Value
		lastErr error
	)
	for _, p := range f {
		v, err := p.Query(ctx, ts, key)
		if err != nil {
			lastErr = err
			continue
		}
		if !v.Stale {
			return v, nil
		}
		if stale == nil {
			stale = &v
		}
	}
	if stale != nil {
		return *stale, nil
	}
	if lastErr == nil {
		lastErr = &errs.DataUnavailableError{Key: key, Time: ts, Reason: "no providers"}
	}
	return Value{}, lastErr
}

// IsUnavailable reports whether err means the series could not be served.
func IsUnavailable(err error) bool {
	return errors.Is(err, errs.ErrDataUnavailable)
}
