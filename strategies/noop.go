package strategies

import (
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
)

// noop never acts.
type noop struct{}

func (noop) Evaluate(risk.State, exposure.Exposure) (Plan, error) {
	return Plan{Reason: "noop"}, nil
}

func (noop) NeedsRebalance(Plan, exposure.Exposure) bool { return false }

func (noop) Actions(Plan, *position.Projection) error { return nil }
