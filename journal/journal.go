// Package journal is the append-only event log of a session.
//
// The engine appends one event per pipeline stage. A Logger queues events and
// a single writer goroutine hands them to a Sink in order. Sinks are SQLite,
// CSV, Postgres or memory.
package journal

import (
	"context"
	"encoding/json"
	"math"
	"time"
)

// EventType names what happened.
type EventType string

const (
	SessionStarted         EventType = "session_started"
	SessionStopped         EventType = "session_stopped"
	SessionAborted         EventType = "session_aborted"
	Snapshot               EventType = "snapshot"
	Accrual                EventType = "accrual"
	Risk                   EventType = "risk"
	RiskViolation          EventType = "risk_violation"
	DataStale              EventType = "data_stale"
	StepSkipped            EventType = "step_skipped"
	PnL                    EventType = "pnl"
	PnLDivergence          EventType = "pnl_divergence"
	Decision               EventType = "decision"
	Instruction            EventType = "instruction"
	Receipt                EventType = "receipt"
	Reconciliation         EventType = "reconciliation"
	ReconciliationMismatch EventType = "reconciliation_mismatch"
	Unwind                 EventType = "unwind"
)

// Event is one journal row. Payload is the JSON encoding of whatever the
// appender passed.
type Event struct {
	ID      string          `json:"id"`
	Session string          `json:"session"`
	Seq     int64           `json:"seq"`
	Time    time.Time       `json:"time"`
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Sink persists events. Write is only ever called from one goroutine.
type Sink interface {
	Write(ctx context.Context, ev Event) error
	Close() error
}

// Store is a sink that can be read back.
type Store interface {
	Sink
	ListEvents(ctx context.Context, f Filter) ([]Event, error)
}

// Filter narrows ListEvents. Zero fields match everything.
type Filter struct {
	Session string
	Types   []EventType
	Since   time.Time // inclusive
	Until   time.Time // exclusive
	Limit   int
}

func (f Filter) match(ev Event) bool {
	if f.Session != "" && ev.Session != f.Session {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Time.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !ev.Time.Before(f.Until) {
		return false
	}
	return true
}

// Finite returns v, or nil when v is NaN or infinite. encoding/json rejects
// non-finite floats, so payload fields that may be unbounded (an LTV with no
// collateral, leverage at zero equity) go through this.
func Finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
