// Package indicators smooths per-step rate series (funding, supply APY)
// before strategies act on them.
package indicators

// Indicator computes a single streaming value from a series sampled once
// per step. It is deterministic, so backtests replay identically.
type Indicator interface {
	// Name returns a stable identifier like "EMA(8)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	// Reset clears all internal state.
	Reset()

	// Update consumes the next observation.
	Update(v float64)

	// Ready reports whether Value() is meaningful (warmup completed).
	Ready() bool

	// Value returns the current value, 0 until Ready.
	Value() float64
}

// New returns the indicator named kind ("sma" or "ema") over period
// observations.
func New(kind string, period int) (Indicator, error) {
	if period < 1 {
		return nil, errPeriod(period)
	}
	switch kind {
	case "sma":
		return NewMA(period), nil
	case "ema":
		return NewEMA(period), nil
	}
	return nil, errKind(kind)
}
