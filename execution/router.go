package execution

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/market"
)

// Router sends instructions to venue adapters.
//
// Instructions are split into lanes: two instructions share a lane if they
// go to the same adapter or touch a common holding. A lane runs in
// instruction order. Lanes are independent of one another and run
// concurrently when Parallel is set. Dispatch returns once every lane is done.
type Router struct {
	venues map[string]broker.Venue
	log    *zap.Logger

	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Parallel       bool

	// Sleep waits between attempts. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

// NewRouter builds a router over venues using the execution settings in cfg.
func NewRouter(cfg *config.Config, venues []broker.Venue, log *zap.Logger) (*Router, error) {
	ec := cfg.Execution
	if ec.MaxAttempts < 1 {
		return nil, errs.Invalid("execution.max_attempts", "must be at least 1")
	}
	if ec.Multiplier < 1 {
		return nil, errs.Invalid("execution.multiplier", "must be at least 1")
	}
	initial, max, err := ec.Backoff()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}

	r := &Router{
		venues:         make(map[string]broker.Venue, len(venues)),
		log:            log.Named("router"),
		MaxAttempts:    ec.MaxAttempts,
		InitialBackoff: initial,
		MaxBackoff:     max,
		Multiplier:     ec.Multiplier,
		Parallel:       ec.Parallel,
		Sleep:          broker.Sleep,
	}
	for _, v := range venues {
		r.venues[v.Name()] = v
	}
	return r, nil
}

// Retry is the backoff policy the router submits with. Balance reads use
// the same policy.
func (r *Router) Retry() broker.Retry {
	return broker.Retry{
		MaxAttempts:    r.MaxAttempts,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
		Multiplier:     r.Multiplier,
		Sleep:          r.Sleep,
	}
}

// Route returns the adapter name an instruction goes to.
func Route(in broker.Instruction) string {
	if in.Kind == broker.Transfer {
		return broker.TransferVenue
	}
	return in.Venue
}

// Dispatch runs every instruction and returns one receipt per instruction,
// in the same order. Failures are reported in receipts, never as an error:
// an instruction whose dependency failed is failed without being sent, and
// everything else still runs.
func (r *Router) Dispatch(ctx context.Context, instrs []broker.Instruction) []broker.Receipt {
	receipts := make([]broker.Receipt, len(instrs))
	lanes := Lanes(instrs)

	run := func(lane []int) {
		failed := map[string]bool{}
		for _, i := range lane {
			in := instrs[i]
			if dep := firstFailed(in.DependsOn, failed); dep != "" {
				receipts[i] = broker.FailedReceipt(in, 0, fmt.Errorf("dependency %s failed", dep))
			} else {
				receipts[i] = r.submit(ctx, in)
			}
			if receipts[i].Status != broker.Confirmed {
				failed[in.ID] = true
			}
		}
	}

	if !r.Parallel || len(lanes) < 2 {
		for _, lane := range lanes {
			run(lane)
		}
		return receipts
	}

	var g errgroup.Group
	for _, lane := range lanes {
		lane := lane
		g.Go(func() error {
			run(lane)
			return nil
		})
	}
	_ = g.Wait()
	return receipts
}

func firstFailed(deps []string, failed map[string]bool) string {
	for _, d := range deps {
		if failed[d] {
			return d
		}
	}
	return ""
}

func (r *Router) submit(ctx context.Context, in broker.Instruction) broker.Receipt {
	name := Route(in)
	v, ok := r.venues[name]
	if !ok {
		return broker.FailedReceipt(in, 0, fmt.Errorf("no adapter for venue %q", name))
	}

	var rec broker.Receipt
	attempts, err := r.Retry().Do(ctx, func() error {
		var err error
		rec, err = v.Submit(ctx, in)
		return err
	}, func(attempt int, err error) {
		r.log.Warn("submit failed",
			zap.String("id", in.ID),
			zap.String("venue", name),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
	if err == nil {
		rec.Attempts = attempts
		if rec.Status != broker.Confirmed {
			r.log.Warn("instruction rejected", zap.String("id", in.ID), zap.String("venue", name), zap.String("error", rec.Error))
		}
		return rec
	}

	return broker.FailedReceipt(in, attempts, &errs.ExecutionFailure{
		InstructionID: in.ID,
		Venue:         name,
		Attempts:      attempts,
		Err:           err,
	})
}

// Lanes groups instruction indexes into independent lanes, each in
// instruction order. Lanes are ordered by their first instruction.
func Lanes(instrs []broker.Instruction) [][]int {
	parent := make([]int, len(instrs))
	for i := range parent {
		parent[i] = i
	}
	find := func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	byKey := map[market.Key]int{}
	byVenue := map[string]int{}
	byID := map[string]int{}
	for i, in := range instrs {
		byID[in.ID] = i
		if j, ok := byVenue[Route(in)]; ok {
			union(i, j)
		} else {
			byVenue[Route(in)] = i
		}
		for _, k := range in.Touches() {
			if j, ok := byKey[k]; ok {
				union(i, j)
			} else {
				byKey[k] = i
			}
		}
		for _, dep := range in.DependsOn {
			if j, ok := byID[dep]; ok {
				union(i, j)
			}
		}
	}

	index := map[int]int{}
	var lanes [][]int
	for i := range instrs {
		root := find(i)
		n, ok := index[root]
		if !ok {
			n = len(lanes)
			index[root] = n
			lanes = append(lanes, nil)
		}
		lanes[n] = append(lanes[n], i)
	}
	return lanes
}
