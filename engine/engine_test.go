package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/clock"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/data"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/execution"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/internal/id"
	"github.com/rustyeddy/yieldtrader/journal"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/pnl"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
	"github.com/rustyeddy/yieldtrader/sim"
	"github.com/rustyeddy/yieldtrader/strategies"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func day(n int) time.Time { return t0.Add(time.Duration(n) * 24 * time.Hour) }

const pool = "lending_pool_A"

func lendingConfig(days int) *config.Config {
	cfg := config.Default()
	cfg.Session.End = day(days).Format(time.RFC3339)
	cfg.Journal = config.JournalConfig{Type: "memory", QueueSize: 4096}
	cfg.Execution.InitialBackoff = "1ms"
	cfg.Execution.MaxBackoff = "2ms"
	return cfg
}

// lendingRates covers days [from, to] except those in skip.
func lendingRates(t *testing.T, from, to int, skip ...int) *data.Historical {
	t.Helper()
	missing := map[int]bool{}
	for _, d := range skip {
		missing[d] = true
	}
	var pts []data.Point
	for d := from; d <= to; d++ {
		if missing[d] {
			continue
		}
		pts = append(pts, data.Point{Time: day(d), Series: "rate:lending_pool_A:USDC", Value: 0.05})
	}
	h, err := data.NewHistorical(pts)
	require.NoError(t, err)
	return h
}

type harness struct {
	cfg       *config.Config
	clock     *clock.Clock
	net       *sim.Network
	positions *position.Monitor
	journal   *journal.Logger
	engine    *Engine
}

type harnessOpts struct {
	opts     Options
	sink     journal.Sink
	schedule func(Schedule) Schedule
	venues   func(*sim.Network, clock.Reader) []broker.Venue
}

func newHarness(t *testing.T, cfg *config.Config, prices data.Provider, ho harnessOpts) *harness {
	t.Helper()
	log := zap.NewNop()

	clk := clock.New()
	net, err := sim.NewNetwork(cfg, clk, prices, log)
	require.NoError(t, err)
	venues := net.Venues()
	if ho.venues != nil {
		venues = ho.venues(net, clk)
	}

	mon := position.NewMonitor(venues)
	expo, err := exposure.NewMonitor(cfg)
	require.NoError(t, err)
	rsk, err := risk.NewMonitor(cfg, log)
	require.NoError(t, err)
	calc, err := pnl.NewCalculator(cfg, log)
	require.NoError(t, err)
	strat, err := strategies.New(cfg, log)
	require.NoError(t, err)
	router, err := execution.NewRouter(cfg, venues, log)
	require.NoError(t, err)
	router.Sleep = func(context.Context, time.Duration) error { return nil }
	mon.Retry = router.Retry()

	start, err := cfg.Session.StartTime()
	require.NoError(t, err)
	end, err := cfg.Session.EndTime()
	require.NoError(t, err)
	step, err := cfg.Session.StepDuration()
	require.NoError(t, err)
	var sched Schedule
	sched, err = NewBacktestSchedule(start, end, step)
	require.NoError(t, err)
	if ho.schedule != nil {
		sched = ho.schedule(sched)
	}

	sink := ho.sink
	if sink == nil {
		sink = journal.NewMemory()
	}
	jl, err := journal.NewLogger("test-session", sink, cfg.Journal.QueueSize, id.NewSequence(cfg.Session.Seed+1), log)
	require.NoError(t, err)

	eng, err := New(cfg, Deps{
		Clock:     clk,
		Schedule:  sched,
		Snapshots: data.NewSnapshotBuilder(prices, cfg),
		Positions: mon,
		Updates:   position.NewUpdateHandler(mon, *cfg.Reconciliation.Tolerance, log),
		Exposure:  expo,
		Risk:      rsk,
		PnL:       calc,
		Strategy:  strat,
		Execution: execution.NewManager(cfg, id.NewSequence(cfg.Session.Seed), log),
		Router:    router,
		Journal:   jl,
	}, ho.opts, log)
	require.NoError(t, err)

	return &harness{cfg: cfg, clock: clk, net: net, positions: mon, journal: jl, engine: eng}
}

// run executes the session and returns its journal.
func (h *harness) run(t *testing.T, mem *journal.Memory) (Result, error, []journal.Event) {
	t.Helper()
	res, err := h.engine.Run(context.Background())
	require.NoError(t, h.journal.Close())
	if mem == nil {
		return res, err, nil
	}
	return res, err, mem.Events()
}

func ofType(events []journal.Event, typ journal.EventType) []journal.Event {
	var out []journal.Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func TestPureLendingThirtyDays(t *testing.T) {
	t.Parallel()

	cfg := lendingConfig(30)
	mem := journal.NewMemory()
	h := newHarness(t, cfg, lendingRates(t, 0, 30), harnessOpts{sink: mem})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)

	want := 100000 * (math.Pow(1.05, 30.0/365) - 1)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 31, res.Steps)
	assert.Equal(t, day(30), res.LastGood)
	assert.InDelta(t, 100000+want, res.FinalEquity, 1e-6)
	cum, _ := res.CumPnL.Float64()
	assert.InDelta(t, want, cum, 1e-6)
	assert.Zero(t, res.Mismatches)
	assert.Zero(t, res.Divergences)

	assert.Len(t, ofType(events, journal.Instruction), 1)
	assert.Len(t, ofType(events, journal.PnL), 31)
	assert.Empty(t, ofType(events, journal.PnLDivergence))
	assert.Equal(t, journal.SessionStarted, events[0].Type)
	assert.Equal(t, journal.SessionStopped, events[len(events)-1].Type)

	st := h.engine.Status()
	assert.Equal(t, Completed, st.State)
	assert.Equal(t, execution.Reconciled, st.Phase)
	assert.Equal(t, 31, st.Steps)

	got := h.positions.CurrentPositions()
	assert.InDelta(t, 100000+want, got.Get(market.Key{Venue: pool, Asset: "USDC"}), 1e-6)
	assert.Zero(t, got.Get(market.Key{Venue: "wallet", Asset: "USDC"}))
}

func TestReplayIsByteIdentical(t *testing.T) {
	t.Parallel()

	run := func() []byte {
		mem := journal.NewMemory()
		h := newHarness(t, lendingConfig(10), lendingRates(t, 0, 10), harnessOpts{sink: mem})
		_, err, events := h.run(t, mem)
		require.NoError(t, err)
		b, err := json.Marshal(events)
		require.NoError(t, err)
		return b
	}

	first, second := run(), run()
	assert.NotEmpty(t, first)
	assert.Equal(t, string(first), string(second))
}

func TestOutOfRangeFailsFast(t *testing.T) {
	t.Parallel()

	mem := journal.NewMemory()
	h := newHarness(t, lendingConfig(30), lendingRates(t, 0, 10), harnessOpts{sink: mem})

	res, err, events := h.run(t, mem)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
	assert.Equal(t, Aborted, res.State)
	assert.Equal(t, 11, res.Steps)
	assert.Equal(t, day(10), res.LastGood)

	aborted := ofType(events, journal.SessionAborted)
	require.Len(t, aborted, 1)
	var end journal.SessionEnd
	require.NoError(t, json.Unmarshal(aborted[0].Payload, &end))
	assert.Equal(t, "aborted", end.Status)
	assert.Equal(t, day(10).Format(time.RFC3339), end.LastGood)
	assert.Equal(t, Aborted, h.engine.Status().State)
}

func TestSkipOnDataUnavailable(t *testing.T) {
	t.Parallel()

	// Nothing is supplied, so the gap only hits the snapshot, never accrual.
	cfg := lendingConfig(10)
	cfg.Strategy.Name = "noop"
	mem := journal.NewMemory()
	h := newHarness(t, cfg, lendingRates(t, 0, 10, 5), harnessOpts{
		sink: mem,
		opts: Options{SkipOnDataUnavailable: true},
	})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 10, res.Steps)
	assert.Equal(t, day(10), res.LastGood)
	assert.Zero(t, res.Divergences)

	skipped := ofType(events, journal.StepSkipped)
	require.Len(t, skipped, 1)
	assert.Equal(t, day(5), skipped[0].Time)
}

func TestNoopConfirmsNoDrift(t *testing.T) {
	t.Parallel()

	cfg := lendingConfig(5)
	cfg.Strategy.Name = "noop"
	mem := journal.NewMemory()
	h := newHarness(t, cfg, lendingRates(t, 0, 5), harnessOpts{sink: mem})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Steps)
	assert.Equal(t, 100000.0, res.FinalEquity)
	assert.Empty(t, ofType(events, journal.Instruction))

	recs := ofType(events, journal.Reconciliation)
	require.Len(t, recs, 6)
	for _, ev := range recs {
		var r position.Result
		require.NoError(t, json.Unmarshal(ev.Payload, &r))
		assert.True(t, r.NoDrift)
		assert.Empty(t, r.Mismatches)
	}
}

func TestAdapterFailureIsReconciled(t *testing.T) {
	t.Parallel()

	cfg := lendingConfig(30)
	cfg.Venues[1].FailAt = []string{day(0).Format(time.RFC3339)}
	mem := journal.NewMemory()
	h := newHarness(t, cfg, lendingRates(t, 0, 30), harnessOpts{sink: mem})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 2, res.Mismatches)

	receipts := ofType(events, journal.Receipt)
	require.Len(t, receipts, 2)
	var first broker.Receipt
	require.NoError(t, json.Unmarshal(receipts[0].Payload, &first))
	assert.Equal(t, broker.Failed, first.Status)
	assert.Equal(t, cfg.Execution.MaxAttempts, first.Attempts)

	mismatches := ofType(events, journal.ReconciliationMismatch)
	require.Len(t, mismatches, 2)
	for _, ev := range mismatches {
		var m position.Mismatch
		require.NoError(t, json.Unmarshal(ev.Payload, &m))
		assert.Equal(t, "instruction failed", m.Reason)
		assert.Equal(t, day(0), ev.Time)
	}

	// The failed deposit never reached the tracked position.
	var snap struct {
		Position position.Position `json:"position"`
	}
	snaps := ofType(events, journal.Snapshot)
	require.NoError(t, json.Unmarshal(snaps[1].Payload, &snap))
	assert.Equal(t, 100000.0, snap.Position.Get(market.Key{Venue: "wallet", Asset: "USDC"}))
	assert.Zero(t, snap.Position.Get(market.Key{Venue: pool, Asset: "USDC"}))

	// The next step carries the discrepancy into risk.
	var flagged bool
	for _, ev := range ofType(events, journal.RiskViolation) {
		var v risk.Violation
		require.NoError(t, json.Unmarshal(ev.Payload, &v))
		if v.Code == risk.ReconciliationDiscrepancy && ev.Time.Equal(day(1)) {
			flagged = true
		}
	}
	assert.True(t, flagged)

	// Redeployed on day 1, so 29 days of interest.
	assert.InDelta(t, 100000*math.Pow(1.05, 29.0/365), res.FinalEquity, 1e-6)
}

// airdrop is a venue whose balance grows without any rate the pnl
// calculator can attribute.
type airdrop struct {
	clock clock.Reader
}

func (a airdrop) Name() string { return "airdrop" }

func (a airdrop) Submit(_ context.Context, in broker.Instruction) (broker.Receipt, error) {
	return broker.FailedReceipt(in, 1, nil), nil
}

func (a airdrop) Balances(context.Context) (map[market.Key]float64, error) {
	days := a.clock.Now().Sub(t0).Hours() / 24
	return map[market.Key]float64{{Venue: "airdrop", Asset: "USDC"}: 10 * days}, nil
}

func TestPnLDivergenceIsLoggedNotFatal(t *testing.T) {
	t.Parallel()

	cfg := lendingConfig(5)
	cfg.Venues = append(cfg.Venues, config.VenueConfig{Name: "airdrop", Kind: config.VenueWallet, Weight: config.Float(1)})
	mem := journal.NewMemory()
	h := newHarness(t, cfg, lendingRates(t, 0, 5), harnessOpts{
		sink: mem,
		venues: func(n *sim.Network, clk clock.Reader) []broker.Venue {
			var out []broker.Venue
			for _, v := range n.Venues() {
				if v.Name() != "airdrop" {
					out = append(out, v)
				}
			}
			return append(out, airdrop{clock: clk})
		},
	})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 5, res.Divergences)

	divs := ofType(events, journal.PnLDivergence)
	require.Len(t, divs, 5)
	var rec pnl.Record
	require.NoError(t, json.Unmarshal(divs[0].Payload, &rec))
	assert.True(t, rec.Flagged)
	assert.InDelta(t, 10, math.Abs(rec.Divergence), 1e-6)
}

// stopAt calls fn when the n-th timestamp is handed out.
type stopAt struct {
	Schedule
	n     int
	calls int
	fn    func()
}

func (s *stopAt) Next(ctx context.Context) (time.Time, bool, error) {
	s.calls++
	if s.calls == s.n {
		s.fn()
	}
	return s.Schedule.Next(ctx)
}

func TestStopAtStepBoundary(t *testing.T) {
	t.Parallel()

	var h *harness
	h = newHarness(t, lendingConfig(30), lendingRates(t, 0, 30), harnessOpts{
		schedule: func(s Schedule) Schedule {
			return &stopAt{Schedule: s, n: 3, fn: func() { h.engine.Stop() }}
		},
	})

	res, err, _ := h.run(t, nil)
	require.NoError(t, err)
	assert.Equal(t, Stopped, res.State)
	// the stop landed while the third timestamp was being handed out, so
	// that step never starts
	assert.Equal(t, 2, res.Steps)
	assert.Equal(t, day(1), res.LastGood)
}

func TestEmergencyStopUnwinds(t *testing.T) {
	t.Parallel()

	mem := journal.NewMemory()
	var h *harness
	h = newHarness(t, lendingConfig(30), lendingRates(t, 0, 30), harnessOpts{
		sink: mem,
		schedule: func(s Schedule) Schedule {
			return &stopAt{Schedule: s, n: 3, fn: func() { h.engine.EmergencyStop() }}
		},
	})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)
	assert.Equal(t, Stopped, res.State)
	require.Len(t, ofType(events, journal.Unwind), 1)
	assert.Len(t, ofType(events, journal.Decision), 2)
	assert.Equal(t, day(1), ofType(events, journal.Unwind)[0].Time)

	pos := h.positions.CurrentPositions()
	want := 100000 * math.Pow(1.05, 1.0/365)
	assert.InDelta(t, want, pos.Get(market.Key{Venue: "wallet", Asset: "USDC"}), 1e-6)
	assert.Zero(t, pos.Get(market.Key{Venue: pool, Asset: "USDC"}))
	assert.InDelta(t, want, res.FinalEquity, 1e-6)
}

// waitAfterFirst hands out one timestamp, then blocks until ctx is done the
// way a live schedule waits for its next tick.
type waitAfterFirst struct {
	calls int
}

func (w *waitAfterFirst) Next(ctx context.Context) (time.Time, bool, error) {
	w.calls++
	if w.calls == 1 {
		return day(0), true, nil
	}
	<-ctx.Done()
	return time.Time{}, false, ctx.Err()
}

func TestStopWakesWaitingSchedule(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		emergency bool
	}{
		{"stop", false},
		{"emergency stop", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem := journal.NewMemory()
			h := newHarness(t, lendingConfig(30), lendingRates(t, 0, 30), harnessOpts{
				sink:     mem,
				schedule: func(Schedule) Schedule { return &waitAfterFirst{} },
			})

			done := make(chan Result, 1)
			go func() {
				res, _ := h.engine.Run(context.Background())
				done <- res
			}()

			require.Eventually(t, func() bool {
				return h.engine.Status().Steps == 1
			}, 5*time.Second, time.Millisecond)

			if tt.emergency {
				h.engine.EmergencyStop()
			} else {
				h.engine.Stop()
			}

			var res Result
			select {
			case res = <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("engine still waiting after stop")
			}
			require.NoError(t, h.journal.Close())

			assert.Equal(t, Stopped, res.State)
			assert.Equal(t, 1, res.Steps)
			assert.Len(t, ofType(mem.Events(), journal.Decision), 1)
			if tt.emergency {
				require.Len(t, ofType(mem.Events(), journal.Unwind), 1)
				assert.InDelta(t, 100000, h.positions.CurrentPositions().Get(market.Key{Venue: "wallet", Asset: "USDC"}), 1e-6)
			}
		})
	}
}

func TestRunRejectsBadSessionTimes(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lendingConfig(1), lendingRates(t, 0, 1), harnessOpts{})
	h.cfg.Session.Start = "yesterday"

	res, err, _ := h.run(t, nil)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
	assert.Equal(t, Aborted, res.State)
	assert.Zero(t, res.Steps)
}

// flakyBalances fails the first n balance reads of every venue it wraps.
type flakyBalances struct {
	broker.Venue
	mu    *sync.Mutex
	left  *int
	reads *int
}

func (f flakyBalances) Balances(ctx context.Context) (map[market.Key]float64, error) {
	f.mu.Lock()
	*f.reads++
	fail := *f.left > 0
	if fail {
		*f.left--
	}
	f.mu.Unlock()
	if fail {
		return nil, errors.New("503 service unavailable")
	}
	return f.Venue.Balances(ctx)
}

func flaky(n int) (func(*sim.Network, clock.Reader) []broker.Venue, *int) {
	var mu sync.Mutex
	left, reads := n, 0
	return func(net *sim.Network, _ clock.Reader) []broker.Venue {
		var out []broker.Venue
		for _, v := range net.Venues() {
			out = append(out, flakyBalances{Venue: v, mu: &mu, left: &left, reads: &reads})
		}
		return out
	}, &reads
}

func TestTransientBalanceErrorIsRetried(t *testing.T) {
	t.Parallel()

	venues, reads := flaky(2)
	h := newHarness(t, lendingConfig(5), lendingRates(t, 0, 5), harnessOpts{venues: venues})

	res, err, _ := h.run(t, nil)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 6, res.Steps)
	assert.Zero(t, res.Mismatches)
	assert.Greater(t, *reads, 2)
	assert.InDelta(t, 100000*math.Pow(1.05, 5.0/365), res.FinalEquity, 1e-6)
}

func TestExhaustedBalanceReadsSkipWhenAllowed(t *testing.T) {
	t.Parallel()

	// three attempts per venue; the first venue read of day 0 exhausts them
	venues, _ := flaky(3)
	mem := journal.NewMemory()
	h := newHarness(t, lendingConfig(5), lendingRates(t, 0, 5), harnessOpts{
		sink:   mem,
		venues: venues,
		opts:   Options{SkipOnDataUnavailable: true},
	})

	res, err, events := h.run(t, mem)
	require.NoError(t, err)
	assert.Equal(t, Completed, res.State)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 5, res.Steps)
	require.Len(t, ofType(events, journal.StepSkipped), 1)
	assert.Equal(t, day(0), ofType(events, journal.StepSkipped)[0].Time)
}

func TestExhaustedBalanceReadsAbortBacktest(t *testing.T) {
	t.Parallel()

	venues, _ := flaky(3)
	h := newHarness(t, lendingConfig(5), lendingRates(t, 0, 5), harnessOpts{venues: venues})

	res, err, _ := h.run(t, nil)
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
	assert.Equal(t, Aborted, res.State)
}

func TestRunOnlyOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t, lendingConfig(1), lendingRates(t, 0, 1), harnessOpts{})
	_, err, _ := h.run(t, nil)
	require.NoError(t, err)
	_, err = h.engine.Run(context.Background())
	assert.Error(t, err)
}

type stuckSink struct {
	release chan struct{}
}

func (s stuckSink) Write(context.Context, journal.Event) error {
	<-s.release
	return nil
}

func (s stuckSink) Close() error { return nil }

func TestJournalBackpressureAborts(t *testing.T) {
	t.Parallel()

	cfg := lendingConfig(5)
	cfg.Journal.QueueSize = 1
	sink := stuckSink{release: make(chan struct{})}
	h := newHarness(t, cfg, lendingRates(t, 0, 5), harnessOpts{sink: sink})

	res, err := h.engine.Run(context.Background())
	close(sink.release)
	require.NoError(t, h.journal.Close())

	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrFatalEngine)
	assert.ErrorIs(t, err, journal.ErrQueueFull)
	assert.Equal(t, Aborted, res.State)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(config.Default(), Deps{}, Options{}, nil)
	assert.Error(t, err)
	_, err = New(nil, Deps{}, Options{}, nil)
	assert.Error(t, err)
}
