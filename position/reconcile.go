package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/market"
)

// Mismatch is one holding whose venue-reported quantity disagrees with what
// was intended or confirmed.
type Mismatch struct {
	Key          market.Key `json:"key"`
	Expected     float64    `json:"expected"`
	Confirmed    float64    `json:"confirmed"`
	Actual       float64    `json:"actual"`
	Instructions []string   `json:"instructions,omitempty"`
	Reason       string     `json:"reason"`
}

// Result compares expected, confirmed and venue-reported state after one
// timestep's execution. It is logged and then discarded.
type Result struct {
	Time       time.Time      `json:"time"`
	Expected   Position       `json:"expected"`
	Confirmed  Position       `json:"confirmed"`
	Actual     Position       `json:"actual"`
	Applied    []broker.Delta `json:"applied,omitempty"`
	Failed     []string       `json:"failed,omitempty"`
	Mismatches []Mismatch     `json:"mismatches,omitempty"`
	NoDrift    bool           `json:"no_drift"`
	// Unverified is set when venues could not report balances. Actual is
	// then empty and confirmed receipts are applied unchecked.
	Unverified bool           `json:"unverified,omitempty"`
}

// Accrual is what a start-of-step refresh observed and applied.
type Accrual struct {
	Time   time.Time      `json:"time"`
	Deltas []broker.Delta `json:"deltas,omitempty"`
}

// UpdateHandler is the single writer of the Monitor.
type UpdateHandler struct {
	monitor   *Monitor
	tolerance float64
	log       *zap.Logger
}

// NewUpdateHandler returns a handler for m. Quantities within tolerance of
// each other are considered equal.
func NewUpdateHandler(m *Monitor, tolerance float64, log *zap.Logger) *UpdateHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &UpdateHandler{monitor: m, tolerance: tolerance, log: log.Named("position")}
}

// Refresh brings the position up to what venues report at the start of a
// step: interest, rewards, funding and settlement since the last step. These
// are venue-confirmed changes, applied as deltas. A venue that cannot report
// its balances makes the step's data unavailable; nothing is applied.
func (h *UpdateHandler) Refresh(ctx context.Context, ts time.Time) (Accrual, error) {
	actual, err := h.monitor.VenueState(ctx)
	if err != nil {
		if errors.Is(err, errs.ErrDataUnavailable) {
			return Accrual{}, err
		}
		return Accrual{}, &errs.DataUnavailableError{Key: "balances", Time: ts, Reason: err.Error()}
	}
	current := h.monitor.CurrentPositions()

	deltas := diff(current, actual)
	if err := h.monitor.updateState(ts, deltas); err != nil {
		return Accrual{}, err
	}
	return Accrual{Time: ts, Deltas: deltas}, nil
}

// Reconcile runs after every instruction of the step has settled. Only
// deltas from confirmed receipts are applied; failed instructions leave the
// position untouched and show up as mismatches against the expected state.
// When venues cannot report balances the confirmed deltas are still applied,
// and every touched holding is flagged until the next refresh checks it.
func (h *UpdateHandler) Reconcile(ctx context.Context, ts time.Time, instrs []broker.Instruction, receipts []broker.Receipt) (Result, error) {
	if len(receipts) != len(instrs) {
		return Result{}, fmt.Errorf("position: %d receipts for %d instructions", len(receipts), len(instrs))
	}

	before := h.monitor.CurrentPositions()

	var intended, confirmed []broker.Delta
	var failed []string
	touchedBy := map[market.Key][]string{}
	for i, in := range instrs {
		intended = append(intended, in.Expected...)
		for _, d := range in.Expected {
			touchedBy[d.Key] = append(touchedBy[d.Key], in.ID)
		}
		r := receipts[i]
		if r.InstructionID != in.ID {
			return Result{}, fmt.Errorf("position: receipt %s does not match instruction %s", r.InstructionID, in.ID)
		}
		if r.Status == broker.Confirmed {
			confirmed = append(confirmed, r.Deltas...)
		} else {
			failed = append(failed, in.ID)
		}
	}

	actual, err := h.monitor.VenueState(ctx)
	unverified := err != nil
	if unverified {
		h.log.Warn("reconciling without venue balances", zap.Time("ts", ts), zap.Error(err))
		actual = Position{}
	}

	res := Result{
		Time:       ts,
		Expected:   before.Apply(intended),
		Confirmed:  before.Apply(confirmed),
		Actual:     actual,
		Applied:    confirmed,
		Failed:     failed,
		Unverified: unverified,
	}

	keys := map[market.Key]bool{}
	for _, p := range []Position{res.Expected, res.Confirmed, res.Actual} {
		for k := range p {
			keys[k] = true
		}
	}
	sorted := market.Keys(keys)

	for _, k := range sorted {
		exp, conf, act := res.Expected[k], res.Confirmed[k], res.Actual[k]
		var reason string
		switch {
		case unverified && !h.equal(conf, exp):
			reason = "instruction failed"
		case unverified && len(touchedBy[k]) > 0:
			reason = "venue balances unavailable"
		case unverified:
			continue
		case !h.equal(act, conf):
			reason = "venue disagrees with confirmed receipts"
		case !h.equal(act, exp):
			reason = "instruction failed"
		default:
			continue
		}
		ids := append([]string(nil), touchedBy[k]...)
		sort.Strings(ids)
		res.Mismatches = append(res.Mismatches, Mismatch{
			Key:          k,
			Expected:     exp,
			Confirmed:    conf,
			Actual:       act,
			Instructions: ids,
			Reason:       reason,
		})
	}
	res.NoDrift = !unverified && len(res.Mismatches) == 0

	if err := h.monitor.updateState(ts, confirmed); err != nil {
		return Result{}, err
	}

	for _, m := range res.Mismatches {
		h.log.Error("reconciliation mismatch",
			zap.Time("ts", ts),
			zap.Stringer("key", m.Key),
			zap.Float64("expected", m.Expected),
			zap.Float64("actual", m.Actual),
			zap.String("reason", m.Reason))
	}
	return res, nil
}

func (h *UpdateHandler) equal(a, b float64) bool {
	return math.Abs(a-b) <= h.tolerance
}

// diff returns the deltas that take from to to, in key order.
func diff(from, to Position) []broker.Delta {
	keys := map[market.Key]bool{}
	for k := range from {
		keys[k] = true
	}
	for k := range to {
		keys[k] = true
	}

	var out []broker.Delta
	for _, k := range market.Keys(keys) {
		if d := to[k] - from[k]; d != 0 {
			out = append(out, broker.Delta{Key: k, Amount: d})
		}
	}
	return out
}
