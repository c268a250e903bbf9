// Package risk turns an Exposure into risk metrics and threshold violations.
package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/exposure"
)

const (
	LTVTooHigh                = "LTV_TOO_HIGH"
	LeverageTooHigh           = "LEVERAGE_TOO_HIGH"
	DrawdownLimit             = "DRAWDOWN_LIMIT"
	HeadroomLow               = "HEADROOM_LOW"
	StaleData                 = "STALE_DATA"
	ReconciliationDiscrepancy = "RECONCILIATION_DISCREPANCY"
)

type Violation struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}

// Inputs carries what the risk monitor cannot derive from one Exposure.
type Inputs struct {
	PeakEquity float64 // highest equity seen before this step

	// Set when the previous step's reconciliation found mismatches.
	Discrepancy bool
	Mismatches  int
}

// State is the risk picture for one timestep. Only LTVs of venues that carry
// debt are reported.
type State struct {
	Time         time.Time          `json:"time"`
	LTV          map[string]float64 `json:"ltv,omitempty"`
	AggregateLTV float64            `json:"aggregate_ltv"`
	Leverage     float64            `json:"leverage"`
	Drawdown     float64            `json:"drawdown"`
	Headroom     float64            `json:"headroom"`
	Equity       float64            `json:"equity"`
	PeakEquity   float64            `json:"peak_equity"`

	StaleData bool     `json:"stale_data"`
	Stale     []string `json:"stale,omitempty"`

	Discrepancy bool `json:"discrepancy"`
	Mismatches  int  `json:"mismatches,omitempty"`

	Violations []Violation `json:"violations,omitempty"`
}

func (s *State) add(code, msg string) {
	s.Violations = append(s.Violations, Violation{Code: code, Msg: msg})
}

// Breached reports whether any threshold was crossed.
func (s State) Breached() bool { return len(s.Violations) > 0 }

// Has reports whether a violation with code is present.
func (s State) Has(code string) bool {
	for _, v := range s.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Monitor evaluates exposures against the session policy.
type Monitor struct {
	policy Policy
	liqLTV map[string]float64
	log    *zap.Logger
}

// NewMonitor fails with a ConfigurationError if any threshold is missing.
func NewMonitor(cfg *config.Config, log *zap.Logger) (*Monitor, error) {
	p, err := PolicyFromConfig(cfg.Risk)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	m := &Monitor{policy: p, liqLTV: map[string]float64{}, log: log.Named("risk")}
	for _, v := range cfg.Venues {
		if v.LiquidationLTV > 0 {
			m.liqLTV[v.Name] = v.LiquidationLTV
		}
	}
	return m, nil
}

// Policy returns the thresholds in force.
func (m *Monitor) Policy() Policy { return m.policy }

// Evaluate computes the metrics for exp and records every crossed threshold.
// It never changes positions or blocks anything; strategies read the result.
func (m *Monitor) Evaluate(exp exposure.Exposure, in Inputs) State {
	p := m.policy
	s := State{
		Time:        exp.Time,
		LTV:         map[string]float64{},
		Equity:      exp.Equity,
		PeakEquity:  math.Max(in.PeakEquity, exp.Equity),
		Headroom:    1,
		Discrepancy: in.Discrepancy,
		Mismatches:  in.Mismatches,
	}

	venues := make([]string, 0, len(exp.Venues))
	for name := range exp.Venues {
		venues = append(venues, name)
	}
	sort.Strings(venues)

	for _, name := range venues {
		v := exp.Venues[name]
		if v.Debt <= 0 {
			continue
		}
		ltv := v.LTV()
		s.LTV[name] = ltv
		if ltv > p.MaxLTV {
			s.add(LTVTooHigh, fmt.Sprintf("%s ltv %.4f exceeds max %.4f", name, ltv, p.MaxLTV))
		}
		if liq, ok := m.liqLTV[name]; ok {
			s.Headroom = math.Min(s.Headroom, liq-ltv)
		}
	}

	s.AggregateLTV = exposure.Venue{Debt: exp.Debt, Collateral: exp.Collateral}.LTV()
	if s.AggregateLTV > p.MaxLTV {
		s.add(LTVTooHigh, fmt.Sprintf("aggregate ltv %.4f exceeds max %.4f", s.AggregateLTV, p.MaxLTV))
	}

	s.Leverage = Leverage(exp.Gross, exp.Equity)
	if s.Leverage > p.MaxLeverage {
		s.add(LeverageTooHigh, fmt.Sprintf("leverage %.4f exceeds max %.4f", s.Leverage, p.MaxLeverage))
	}

	s.Drawdown = Drawdown(s.PeakEquity, exp.Equity)
	if s.Drawdown > p.MaxDrawdown {
		s.add(DrawdownLimit, fmt.Sprintf("drawdown %.2f%% exceeds max %.2f%%", 100*s.Drawdown, 100*p.MaxDrawdown))
	}

	if s.Headroom < p.MinHeadroom {
		s.add(HeadroomLow, fmt.Sprintf("headroom %.4f below min %.4f", s.Headroom, p.MinHeadroom))
	}

	if exp.Snapshot.IsStale() {
		s.StaleData = true
		s.Stale = append([]string(nil), exp.Snapshot.Stale...)
		s.add(StaleData, fmt.Sprintf("%d series served stale", len(s.Stale)))
	}

	if in.Discrepancy {
		s.add(ReconciliationDiscrepancy, fmt.Sprintf("%d unreconciled holding(s) from previous step", in.Mismatches))
	}

	for _, v := range s.Violations {
		m.log.Warn("risk violation", zap.Time("ts", s.Time), zap.String("code", v.Code), zap.String("msg", v.Msg))
	}
	return s
}
