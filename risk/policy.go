package risk

import "github.com/rustyeddy/yieldtrader/config"

// Policy holds the session thresholds. Every one is required.
type Policy struct {
	MaxLTV      float64 // per venue and aggregate, e.g. 0.8
	MaxLeverage float64 // gross / equity, e.g. 3
	MaxDrawdown float64 // from peak equity, e.g. 0.2
	MinHeadroom float64 // liquidation LTV minus LTV, e.g. 0.05
}

// PolicyFromConfig reads the thresholds, failing on the first one missing.
func PolicyFromConfig(rc config.RiskConfig) (Policy, error) {
	var p Policy
	var err error
	if p.MaxLTV, err = config.Require("risk.max_ltv", rc.MaxLTV); err != nil {
		return Policy{}, err
	}
	if p.MaxLeverage, err = config.Require("risk.max_leverage", rc.MaxLeverage); err != nil {
		return Policy{}, err
	}
	if p.MaxDrawdown, err = config.Require("risk.max_drawdown", rc.MaxDrawdown); err != nil {
		return Policy{}, err
	}
	if p.MinHeadroom, err = config.Require("risk.min_headroom", rc.MinHeadroom); err != nil {
		return Policy{}, err
	}
	return p, nil
}
