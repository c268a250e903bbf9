// Package engine runs the per-timestep reconciliation loop of one session.
//
// Every step runs the same stages in the same order, in backtest and live:
//
//	advance clock -> refresh positions -> snapshot -> exposure -> risk -> pnl
//	-> decide -> expand -> dispatch -> reconcile -> journal
//
// A step finishes completely before the next one starts. Stop requests are
// honoured between steps only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/clock"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/execution"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/journal"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/pnl"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
	"github.com/rustyeddy/yieldtrader/strategies"
)

// State is where a session is in its life.
type State string

const (
	Idle      State = "idle"
	Running   State = "running"
	Completed State = "completed"
	Stopped   State = "stopped"
	Aborted   State = "aborted"
)

// Status is a point-in-time view of a running engine.
type Status struct {
	State    State           `json:"state"`
	Phase    execution.Phase `json:"phase"`
	Time     time.Time       `json:"time"`
	LastGood time.Time       `json:"last_good"`
	Steps    int             `json:"steps"`
	Equity   float64         `json:"equity"`
	Err      string          `json:"error,omitempty"`
}

// Result is what Run returns.
type Result struct {
	State       State
	Err         error
	LastGood    time.Time // last fully reconciled step
	FinalEquity float64
	CumPnL      decimal.Decimal
	Steps       int
	Skipped     int
	Mismatches  int
	Divergences int
}

// Snapshotter builds the market view for a timestamp.
type Snapshotter interface {
	Build(ctx context.Context, ts time.Time) (market.Snapshot, error)
}

// Deps are the collaborators of one session. All are required.
type Deps struct {
	Clock     *clock.Clock
	Schedule  Schedule
	Snapshots Snapshotter
	Positions *position.Monitor
	Updates   *position.UpdateHandler
	Exposure  *exposure.Monitor
	Risk      *risk.Monitor
	PnL       *pnl.Calculator
	Strategy  strategies.Strategy
	Execution *execution.Manager
	Router    *execution.Router
	Journal   *journal.Logger
}

// Options change how failures are treated.
type Options struct {
	// SkipOnDataUnavailable turns a missing series into a skipped step
	// instead of an abort. Live sessions set it; backtests fail fast.
	SkipOnDataUnavailable bool
}

type Engine struct {
	cfg  *config.Config
	deps Deps
	opts Options
	log  *zap.Logger

	stop      atomic.Bool
	emergency atomic.Bool
	// halted is cancelled by Stop so a schedule waiting for the next tick
	// returns at once.
	halted context.Context
	halt   context.CancelFunc

	mu     sync.RWMutex
	status Status

	peak        float64
	discrepancy bool
	mismatched  int
	cumPnL      decimal.Decimal
	result      Result
}

// New checks deps and returns an idle engine.
func New(cfg *config.Config, deps Deps, opts Options, log *zap.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: nil config")
	}
	for name, missing := range map[string]bool{
		"clock":     deps.Clock == nil,
		"schedule":  deps.Schedule == nil,
		"snapshots": deps.Snapshots == nil,
		"positions": deps.Positions == nil,
		"updates":   deps.Updates == nil,
		"exposure":  deps.Exposure == nil,
		"risk":      deps.Risk == nil,
		"pnl":       deps.PnL == nil,
		"strategy":  deps.Strategy == nil,
		"execution": deps.Execution == nil,
		"router":    deps.Router == nil,
		"journal":   deps.Journal == nil,
	} {
		if missing {
			return nil, fmt.Errorf("engine: missing %s", name)
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	halted, halt := context.WithCancel(context.Background())
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		opts:   opts,
		log:    log.Named("engine"),
		status: Status{State: Idle},
		halted: halted,
		halt:   halt,
	}, nil
}

// Stop asks the loop to end after the current step. A loop waiting for its
// next timestamp ends without starting another step.
func (e *Engine) Stop() {
	e.stop.Store(true)
	e.halt()
}

// EmergencyStop asks the loop to end after the current step, first running
// one unwind step that returns capital to the base wallet.
func (e *Engine) EmergencyStop() {
	e.emergency.Store(true)
	e.Stop()
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

func (e *Engine) setStatus(fn func(s *Status)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.status)
}

func (e *Engine) setPhase(p execution.Phase) {
	e.setStatus(func(s *Status) { s.Phase = p })
}

// Run drives the loop until the schedule ends, a stop is requested, ctx is
// cancelled or a step fails. The returned error is the same as Result.Err.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	if e.Status().State != Idle {
		return Result{}, fmt.Errorf("engine: already ran")
	}
	e.setStatus(func(s *Status) { s.State = Running })

	start, err := e.cfg.Session.StartTime()
	if err != nil {
		return e.finish(Aborted, err)
	}
	end, err := e.cfg.Session.EndTime()
	if err != nil {
		return e.finish(Aborted, err)
	}
	err = e.append(journal.SessionStarted, journal.SessionInfo{
		Name:           e.cfg.Session.Name,
		Mode:           e.cfg.Session.Mode,
		Strategy:       e.deps.Strategy.Name(),
		InitialCapital: e.cfg.Strategy.InitialCapital,
		BaseAsset:      e.cfg.Strategy.BaseAsset,
		Start:          start,
		End:            end,
		Step:           e.cfg.Session.Step,
		Seed:           e.cfg.Session.Seed,
	}, start)
	if err != nil {
		return e.finish(Aborted, err)
	}

	// A started step always runs to completion; cancellation is observed
	// between steps.
	stepCtx := context.WithoutCancel(ctx)

	// The schedule waits under a context that Stop also cancels.
	schedCtx, cancelSched := context.WithCancel(ctx)
	defer cancelSched()
	unhook := context.AfterFunc(e.halted, cancelSched)
	defer unhook()

	for {
		if e.stop.Load() {
			if e.emergency.Load() {
				if err := e.unwind(stepCtx); err != nil {
					return e.finish(Aborted, err)
				}
			}
			return e.finish(Stopped, nil)
		}
		if ctx.Err() != nil {
			return e.finish(Stopped, nil)
		}

		ts, ok, err := e.deps.Schedule.Next(schedCtx)
		if e.stop.Load() {
			// Stopped while waiting; no step is in flight.
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return e.finish(Stopped, nil)
			}
			return e.finish(Aborted, fmt.Errorf("engine: schedule: %w", err))
		}
		if !ok {
			return e.finish(Completed, nil)
		}

		if err := e.step(stepCtx, ts); err != nil {
			if e.opts.SkipOnDataUnavailable && errors.Is(err, errs.ErrDataUnavailable) {
				e.result.Skipped++
				e.log.Warn("step skipped", zap.Time("ts", ts), zap.Error(err))
				if err := e.append(journal.StepSkipped, map[string]string{"reason": err.Error()}, ts); err != nil {
					return e.finish(Aborted, err)
				}
				continue
			}
			return e.finish(Aborted, err)
		}
	}
}

func (e *Engine) step(ctx context.Context, ts time.Time) error {
	d := e.deps
	e.setStatus(func(s *Status) { s.Time = ts; s.Phase = execution.Idle })

	if err := d.Clock.Advance(ts); err != nil {
		return err
	}

	acc, err := d.Updates.Refresh(ctx, ts)
	if err != nil {
		return fmt.Errorf("engine: refresh at %s: %w", ts.Format(time.RFC3339), err)
	}
	if len(acc.Deltas) > 0 {
		if err := e.append(journal.Accrual, acc, ts); err != nil {
			return err
		}
	}

	snap, err := d.Snapshots.Build(ctx, ts)
	if err != nil {
		return fmt.Errorf("engine: snapshot at %s: %w", ts.Format(time.RFC3339), err)
	}
	if snap.IsStale() {
		if err := e.append(journal.DataStale, map[string][]string{"series": snap.Stale}, ts); err != nil {
			return err
		}
	}

	pos := d.Positions.CurrentPositions()
	exp, err := d.Exposure.Compute(pos, snap)
	if err != nil {
		return fmt.Errorf("engine: exposure at %s: %w", ts.Format(time.RFC3339), err)
	}
	if err := e.append(journal.Snapshot, snapshotPayload(exp), ts); err != nil {
		return err
	}

	rs := d.Risk.Evaluate(exp, risk.Inputs{
		PeakEquity:  e.peak,
		Discrepancy: e.discrepancy,
		Mismatches:  e.mismatched,
	})
	e.peak = rs.PeakEquity
	if err := e.append(journal.Risk, riskPayload(rs), ts); err != nil {
		return err
	}
	for _, v := range rs.Violations {
		if err := e.append(journal.RiskViolation, v, ts); err != nil {
			return err
		}
	}

	rec, err := d.PnL.Compute(exp)
	if err != nil {
		return errs.Fatal("pnl", err)
	}
	e.cumPnL = rec.CumBalance
	if err := e.append(journal.PnL, rec, ts); err != nil {
		return err
	}
	if rec.Flagged {
		e.result.Divergences++
		if err := e.append(journal.PnLDivergence, rec, ts); err != nil {
			return err
		}
	}

	dec := d.Strategy.Decide(ts, rs, exp)
	e.setPhase(execution.Decided)
	if err := e.append(journal.Decision, dec, ts); err != nil {
		return err
	}

	if err := e.execute(ctx, ts, dec, pos, snap); err != nil {
		return err
	}

	e.setStatus(func(s *Status) {
		s.LastGood = ts
		s.Steps++
		s.Equity = exp.Equity
	})
	e.result.LastGood = ts
	e.result.Steps++
	e.result.FinalEquity = exp.Equity
	return nil
}

// execute runs a decision through expand, dispatch and reconcile, then hands
// the outcome to the pnl calculator.
func (e *Engine) execute(ctx context.Context, ts time.Time, dec strategies.Decision, pos position.Position, snap market.Snapshot) error {
	d := e.deps

	instrs, err := d.Execution.Expand(dec, pos, snap)
	if err != nil {
		return errs.Fatal("expand decision", err)
	}
	e.setPhase(execution.Instructed)
	for _, in := range instrs {
		if err := e.append(journal.Instruction, in, ts); err != nil {
			return err
		}
	}

	var receipts []broker.Receipt
	if len(instrs) > 0 {
		receipts = d.Router.Dispatch(ctx, instrs)
	}
	e.setPhase(execution.Executed)
	for _, r := range receipts {
		if err := e.append(journal.Receipt, r, ts); err != nil {
			return err
		}
	}

	res, err := d.Updates.Reconcile(ctx, ts, instrs, receipts)
	if err != nil {
		return fmt.Errorf("engine: reconcile at %s: %w", ts.Format(time.RFC3339), err)
	}
	e.setPhase(execution.Reconciled)
	if err := e.append(journal.Reconciliation, res, ts); err != nil {
		return err
	}
	for _, m := range res.Mismatches {
		if err := e.append(journal.ReconciliationMismatch, m, ts); err != nil {
			return err
		}
	}
	e.discrepancy = len(res.Mismatches) > 0
	e.mismatched = len(res.Mismatches)
	e.result.Mismatches += len(res.Mismatches)

	if err := d.PnL.Close(d.Positions.CurrentPositions(), receipts); err != nil {
		return errs.Fatal("pnl close", err)
	}
	return nil
}

// unwind runs one extra step at the current clock time with the strategy's
// exit actions.
func (e *Engine) unwind(ctx context.Context) error {
	d := e.deps
	ts := d.Clock.Now()
	if ts.IsZero() {
		return nil
	}
	e.log.Warn("emergency stop: unwinding", zap.Time("ts", ts))

	snap, err := d.Snapshots.Build(ctx, ts)
	if err != nil {
		return fmt.Errorf("engine: unwind snapshot: %w", err)
	}
	pos := d.Positions.CurrentPositions()
	exp, err := d.Exposure.Compute(pos, snap)
	if err != nil {
		return fmt.Errorf("engine: unwind exposure: %w", err)
	}

	dec := d.Strategy.Unwind(exp)
	e.setPhase(execution.Decided)
	if err := e.append(journal.Unwind, dec, ts); err != nil {
		return err
	}
	if err := e.execute(ctx, ts, dec, pos, snap); err != nil {
		return err
	}

	after, err := d.Exposure.Compute(d.Positions.CurrentPositions(), snap)
	if err != nil {
		return fmt.Errorf("engine: unwind exposure: %w", err)
	}
	e.result.FinalEquity = after.Equity
	e.setStatus(func(s *Status) { s.Equity = after.Equity })
	return nil
}

func (e *Engine) finish(state State, err error) (Result, error) {
	e.result.State = state
	e.result.Err = err
	e.result.CumPnL = e.cumPnL

	end := journal.SessionEnd{
		Status:      string(state),
		Steps:       e.result.Steps,
		FinalEquity: e.result.FinalEquity,
		CumPnL:      e.cumPnL.String(),
	}
	if !e.result.LastGood.IsZero() {
		end.LastGood = e.result.LastGood.Format(time.RFC3339)
	}
	typ := journal.SessionStopped
	if err != nil {
		typ = journal.SessionAborted
		end.Reason = err.Error()
		e.log.Error("session aborted", zap.Error(err), zap.Time("last_good", e.result.LastGood))
	} else {
		e.log.Info("session finished",
			zap.String("state", string(state)),
			zap.Int("steps", e.result.Steps),
			zap.Float64("equity", e.result.FinalEquity))
	}

	ts := e.deps.Clock.Now()
	if ts.IsZero() {
		ts, _ = e.cfg.Session.StartTime()
	}
	// The journal may be what failed; the end event is best effort then.
	if aerr := e.deps.Journal.Append(typ, end, ts); aerr != nil && err == nil {
		e.log.Error("journal session end", zap.Error(aerr))
	}

	e.setStatus(func(s *Status) {
		s.State = state
		if err != nil {
			s.Err = err.Error()
		}
	})
	return e.result, err
}

// append journals an event. Any journal failure, a full queue included,
// aborts the session: events are never dropped.
func (e *Engine) append(typ journal.EventType, payload any, ts time.Time) error {
	if err := e.deps.Journal.Err(); err != nil {
		return errs.Fatal("journal", err)
	}
	if err := e.deps.Journal.Append(typ, payload, ts); err != nil {
		return errs.Fatal("journal", err)
	}
	return nil
}

type snapshotView struct {
	Time     time.Time         `json:"time"`
	Market   market.Snapshot   `json:"market"`
	Position position.Position `json:"position"`
	Equity   float64           `json:"equity"`
	Weighted float64           `json:"weighted_equity"`
	Gross    float64           `json:"gross"`
	NetDelta float64           `json:"net_delta"`
}

func snapshotPayload(exp exposure.Exposure) snapshotView {
	return snapshotView{
		Time:     exp.Time,
		Market:   exp.Snapshot,
		Position: exp.Positions,
		Equity:   exp.Equity,
		Weighted: exp.WeightedEquity,
		Gross:    exp.Gross,
		NetDelta: exp.NetDelta,
	}
}

type riskView struct {
	Time         time.Time           `json:"time"`
	LTV          map[string]*float64 `json:"ltv,omitempty"`
	AggregateLTV *float64            `json:"aggregate_ltv"`
	Leverage     *float64            `json:"leverage"`
	Drawdown     float64             `json:"drawdown"`
	Headroom     *float64            `json:"headroom"`
	PeakEquity   float64             `json:"peak_equity"`
	Discrepancy  bool                `json:"discrepancy"`
	Violations   []risk.Violation    `json:"violations,omitempty"`
}

func riskPayload(s risk.State) riskView {
	v := riskView{
		Time:         s.Time,
		AggregateLTV: journal.Finite(s.AggregateLTV),
		Leverage:     journal.Finite(s.Leverage),
		Drawdown:     s.Drawdown,
		Headroom:     journal.Finite(s.Headroom),
		PeakEquity:   s.PeakEquity,
		Discrepancy:  s.Discrepancy,
		Violations:   s.Violations,
	}
	if len(s.LTV) > 0 {
		v.LTV = make(map[string]*float64, len(s.LTV))
		for name, ltv := range s.LTV {
			v.LTV[name] = journal.Finite(ltv)
		}
	}
	return v
}
