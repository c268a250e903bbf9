package strategies

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
)

// Decision is a strategy's output for one timestep: an ordered list of
// actions and why. An empty decision is a valid "do nothing".
type Decision struct {
	Time     time.Time       `json:"time"`
	Strategy string          `json:"strategy"`
	Actions  []broker.Action `json:"actions,omitempty"`
	Reason   string          `json:"reason"`
}

// Empty reports whether the decision has no actions.
func (d Decision) Empty() bool { return len(d.Actions) == 0 }

// Strategy decides what to do given risk and exposure. It never touches
// positions or venues.
type Strategy interface {
	Name() string
	Decide(ts time.Time, rs risk.State, exp exposure.Exposure) Decision

	// Unwind returns every holding to the base asset in the session wallet.
	Unwind(exp exposure.Exposure) Decision
}

// Plan is what a strategy family wants this step.
type Plan struct {
	Reason string

	// Free-form targets the family's Actions hook interprets.
	Target map[string]float64
}

// hooks are the three steps each family fills in. The runner supplies the
// shared lifecycle around them.
type hooks interface {
	Evaluate(rs risk.State, exp exposure.Exposure) (Plan, error)
	NeedsRebalance(plan Plan, exp exposure.Exposure) bool
	Actions(plan Plan, p *position.Projection) error
}

type runner struct {
	name  string
	cfg   *config.Config
	log   *zap.Logger
	hooks hooks
}

func newRunner(name string, cfg *config.Config, log *zap.Logger, h hooks) *runner {
	return &runner{name: name, cfg: cfg, log: log.Named("strategy").With(zap.String("strategy", name)), hooks: h}
}

func (r *runner) Name() string { return r.name }

func (r *runner) Decide(ts time.Time, rs risk.State, exp exposure.Exposure) Decision {
	d := Decision{Time: ts, Strategy: r.name}

	if rs.StaleData {
		d.Reason = "hold: market data is stale"
		return d
	}

	plan, err := r.hooks.Evaluate(rs, exp)
	if err != nil {
		r.log.Warn("cannot decide", zap.Time("ts", ts), zap.Error(err))
		d.Reason = "hold: " + err.Error()
		return d
	}
	if !r.hooks.NeedsRebalance(plan, exp) {
		d.Reason = "hold: " + plan.Reason
		return d
	}

	proj := position.NewProjection(r.cfg, exp.Snapshot, exp.Positions)
	if err := r.hooks.Actions(plan, proj); err != nil {
		r.log.Warn("cannot build actions", zap.Time("ts", ts), zap.Error(err))
		d.Reason = "hold: " + err.Error()
		return d
	}
	d.Actions = proj.Actions()
	d.Reason = plan.Reason
	return d
}

func (r *runner) Unwind(exp exposure.Exposure) Decision {
	d := Decision{Time: exp.Time, Strategy: r.name, Reason: "emergency unwind"}
	proj := position.NewProjection(r.cfg, exp.Snapshot, exp.Positions)
	if err := unwind(r.cfg, proj); err != nil {
		r.log.Error("unwind incomplete", zap.Error(err))
		d.Reason = "emergency unwind (partial): " + err.Error()
	}
	d.Actions = proj.Actions()
	return d
}

// New builds the strategy named in cfg. Missing parameters fail here rather
// than at the first step.
func New(cfg *config.Config, log *zap.Logger) (Strategy, error) {
	if log == nil {
		log = zap.NewNop()
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Strategy.Name))

	var h hooks
	var err error
	switch name {
	case "noop", "none":
		h = noop{}
	case "pure_lending":
		h, err = newPureLending(cfg)
	case "basis_trade":
		h, err = newBasisTrade(cfg)
	case "market_neutral":
		h, err = newMarketNeutral(cfg)
	case "leveraged_staking":
		h, err = newLeveragedStaking(cfg)
	default:
		return nil, errs.Invalid("strategy.name", fmt.Sprintf("unknown strategy %q (supported: noop, pure_lending, basis_trade, market_neutral, leveraged_staking)", cfg.Strategy.Name))
	}
	if err != nil {
		return nil, err
	}
	return newRunner(name, cfg, log, h), nil
}
