// Package execution turns a strategy decision into venue instructions and
// dispatches them.
package execution

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/internal/id"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/strategies"
)

// Phase is where a step's work stands.
type Phase int

const (
	Idle Phase = iota
	Decided
	Instructed
	Executed
	Reconciled
)

func (p Phase) String() string {
	switch p {
	case Decided:
		return "decided"
	case Instructed:
		return "instructed"
	case Executed:
		return "executed"
	case Reconciled:
		return "reconciled"
	}
	return "idle"
}

const dust = 1e-9

// Manager expands decisions into instructions.
type Manager struct {
	cfg *config.Config
	ids *id.Sequence
	log *zap.Logger
}

// NewManager returns a manager drawing instruction IDs from ids.
func NewManager(cfg *config.Config, ids *id.Sequence, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{cfg: cfg, ids: ids, log: log.Named("execution")}
}

// Expand prices every action against snap, inserts a transfer from the
// session wallet wherever an action would spend more than its source venue
// is projected to hold, and links each instruction to the earlier ones that
// fund it. The same decision, position and snapshot always produce the same
// instructions.
func (m *Manager) Expand(d strategies.Decision, pos position.Position, snap market.Snapshot) ([]broker.Instruction, error) {
	planner := position.NewPlanner(m.cfg, snap)
	projected := pos.Clone()
	lastCredit := map[market.Key]string{}
	wallet := m.cfg.Strategy.Wallet

	var out []broker.Instruction
	emit := func(a broker.Action, pl position.Planned) error {
		instrID, err := m.ids.Next(d.Time)
		if err != nil {
			return fmt.Errorf("execution: instruction id: %w", err)
		}
		in := broker.Instruction{
			ID:       instrID,
			Seq:      len(out),
			Action:   a,
			Price:    pl.Price,
			Perp:     pl.Perp,
			FeeBps:   pl.FeeBps,
			Expected: pl.Deltas,
		}
		seen := map[string]bool{}
		for _, dl := range pl.Deltas {
			if dl.Amount >= 0 {
				continue
			}
			if dep, ok := lastCredit[dl.Key]; ok && !seen[dep] {
				seen[dep] = true
				in.DependsOn = append(in.DependsOn, dep)
			}
		}
		for _, dl := range pl.Deltas {
			if dl.Amount > 0 {
				lastCredit[dl.Key] = in.ID
			}
		}
		projected = projected.Apply(pl.Deltas)
		out = append(out, in)
		return nil
	}

	for _, a := range d.Actions {
		pl, err := planner.Plan(a)
		if err != nil {
			return nil, fmt.Errorf("execution: %s: %w", a, err)
		}

		if m.fundable(a) {
			for _, dl := range pl.Deltas {
				if dl.Amount >= 0 || dl.Key.Venue == wallet || m.isPerp(dl.Key.Asset) {
					continue
				}
				short := -dl.Amount - projected.Get(dl.Key)
				avail := projected.Get(market.Key{Venue: wallet, Asset: dl.Key.Asset})
				if short <= dust || avail <= dust {
					continue
				}
				t := broker.Action{
					Kind:         broker.Transfer,
					Venue:        wallet,
					Counterparty: dl.Key.Venue,
					Asset:        dl.Key.Asset,
					Amount:       minf(short, avail),
				}
				tp, err := planner.Plan(t)
				if err != nil {
					return nil, fmt.Errorf("execution: %s: %w", t, err)
				}
				m.log.Debug("funding transfer", zap.Stringer("for", a), zap.Stringer("transfer", t))
				if err := emit(t, tp); err != nil {
					return nil, err
				}
			}
		}

		if err := emit(a, pl); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// fundable reports whether a's debit side is capital the session moves
// around, rather than a venue-held balance it draws down.
func (m *Manager) fundable(a broker.Action) bool {
	switch a.Kind {
	case broker.Withdraw, broker.Unstake, broker.Borrow:
		return false
	}
	return true
}

func (m *Manager) isPerp(asset string) bool {
	a, ok := m.cfg.Assets[asset]
	return ok && a.Kind == config.KindPerp
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
