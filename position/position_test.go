package position

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/market"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func key(v, a string) market.Key { return market.Key{Venue: v, Asset: a} }

// ledgerVenue reports whatever its balances map holds.
type ledgerVenue struct {
	name     string
	balances map[market.Key]float64
	err      error
	flaky    int // reads that fail before the venue answers
	reads    int
}

func (l *ledgerVenue) Name() string { return l.name }

func (l *ledgerVenue) Submit(context.Context, broker.Instruction) (broker.Receipt, error) {
	return broker.Receipt{}, errors.New("not used")
}

func (l *ledgerVenue) Balances(context.Context) (map[market.Key]float64, error) {
	l.reads++
	if l.flaky > 0 {
		l.flaky--
		return nil, errors.New("503 service unavailable")
	}
	if l.err != nil {
		return nil, l.err
	}
	out := map[market.Key]float64{}
	for k, v := range l.balances {
		out[k] = v
	}
	return out, nil
}

func deposit(id string, amount float64) broker.Instruction {
	a := broker.Action{Kind: broker.Deposit, Venue: "pool", Counterparty: "wallet", Asset: "USDC", Amount: amount}
	deltas, _, _ := broker.Plan(a, 0, 0, false)
	return broker.Instruction{ID: id, Action: a, Expected: deltas}
}

func confirmed(in broker.Instruction) broker.Receipt {
	return broker.Receipt{InstructionID: in.ID, Venue: in.Venue, Status: broker.Confirmed, Deltas: in.Expected, Attempts: 1}
}

func setup(t *testing.T, balances map[market.Key]float64) (*ledgerVenue, *Monitor, *UpdateHandler) {
	t.Helper()
	v := &ledgerVenue{name: "all", balances: balances}
	m := NewMonitor([]broker.Venue{v})
	h := NewUpdateHandler(m, 1e-6, zap.NewNop())
	_, err := h.Refresh(context.Background(), t0)
	require.NoError(t, err)
	return v, m, h
}

func TestPositionApplyDoesNotMutate(t *testing.T) {
	p := Position{key("wallet", "USDC"): 100}
	q := p.Apply([]broker.Delta{{Key: key("wallet", "USDC"), Amount: -100}, {Key: key("pool", "USDC"), Amount: 100}})

	assert.Equal(t, 100.0, p.Get(key("wallet", "USDC")))
	assert.NotContains(t, q, key("wallet", "USDC"))
	assert.Equal(t, 100.0, q.Get(key("pool", "USDC")))
	assert.Len(t, q.Venue("pool"), 1)
}

func TestRefreshSeedsAndAccrues(t *testing.T) {
	v, m, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	assert.Equal(t, 1000.0, m.CurrentPositions().Get(key("wallet", "USDC")))
	assert.Equal(t, t0, m.LastUpdate())

	v.balances[key("wallet", "USDC")] = 1000.5
	acc, err := h.Refresh(context.Background(), t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, acc.Deltas, 1)
	assert.InDelta(t, 0.5, acc.Deltas[0].Amount, 1e-12)
	assert.Equal(t, 1000.5, m.CurrentPositions().Get(key("wallet", "USDC")))
}

func TestCurrentPositionsIsACopy(t *testing.T) {
	_, m, _ := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	p := m.CurrentPositions()
	p[key("wallet", "USDC")] = 0
	assert.Equal(t, 1000.0, m.CurrentPositions().Get(key("wallet", "USDC")))
}

func TestReconcileNoDrift(t *testing.T) {
	v, m, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	in := deposit("a", 400)
	v.balances[key("wallet", "USDC")] = 600
	v.balances[key("pool", "USDC")] = 400

	res, err := h.Reconcile(context.Background(), t0, []broker.Instruction{in}, []broker.Receipt{confirmed(in)})
	require.NoError(t, err)
	assert.True(t, res.NoDrift)
	assert.Empty(t, res.Mismatches)
	assert.Equal(t, res.Expected, res.Actual)
	assert.Equal(t, 400.0, m.CurrentPositions().Get(key("pool", "USDC")))
}

func TestReconcileEmptyStep(t *testing.T) {
	_, m, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})
	before := m.CurrentPositions()

	res, err := h.Reconcile(context.Background(), t0, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.NoDrift)
	assert.Equal(t, before, m.CurrentPositions())
}

func TestReconcileFailedInstruction(t *testing.T) {
	v, m, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	ok, bad := deposit("a", 300), deposit("b", 200)
	v.balances[key("wallet", "USDC")] = 700
	v.balances[key("pool", "USDC")] = 300

	receipts := []broker.Receipt{
		confirmed(ok),
		broker.FailedReceipt(bad, 3, errs.ErrExecutionFailure),
	}
	res, err := h.Reconcile(context.Background(), t0, []broker.Instruction{ok, bad}, receipts)
	require.NoError(t, err)

	assert.False(t, res.NoDrift)
	assert.Equal(t, []string{"b"}, res.Failed)
	require.Len(t, res.Mismatches, 2)
	for _, mm := range res.Mismatches {
		assert.Equal(t, "instruction failed", mm.Reason)
		assert.Equal(t, []string{"a", "b"}, mm.Instructions)
	}

	// only the confirmed deposit moved the authoritative position
	pos := m.CurrentPositions()
	assert.Equal(t, 700.0, pos.Get(key("wallet", "USDC")))
	assert.Equal(t, 300.0, pos.Get(key("pool", "USDC")))
}

func TestReconcileVenueDisagrees(t *testing.T) {
	v, _, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	in := deposit("a", 400)
	v.balances[key("wallet", "USDC")] = 600
	v.balances[key("pool", "USDC")] = 399

	res, err := h.Reconcile(context.Background(), t0, []broker.Instruction{in}, []broker.Receipt{confirmed(in)})
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 1)
	assert.Equal(t, key("pool", "USDC"), res.Mismatches[0].Key)
	assert.Equal(t, "venue disagrees with confirmed receipts", res.Mismatches[0].Reason)
}

func TestReconcileWithinTolerance(t *testing.T) {
	v, _, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	in := deposit("a", 400)
	v.balances[key("wallet", "USDC")] = 600
	v.balances[key("pool", "USDC")] = 400 + 1e-8

	res, err := h.Reconcile(context.Background(), t0, []broker.Instruction{in}, []broker.Receipt{confirmed(in)})
	require.NoError(t, err)
	assert.True(t, res.NoDrift)
}

func TestReconcileRejectsMismatchedReceipts(t *testing.T) {
	_, _, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	in := deposit("a", 1)
	_, err := h.Reconcile(context.Background(), t0, []broker.Instruction{in}, nil)
	assert.Error(t, err)

	r := confirmed(in)
	r.InstructionID = "zzz"
	_, err = h.Reconcile(context.Background(), t0, []broker.Instruction{in}, []broker.Receipt{r})
	assert.Error(t, err)
}

func TestUpdateRejectsPastTimestamp(t *testing.T) {
	_, _, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})

	_, err := h.Refresh(context.Background(), t0.Add(-time.Hour))
	assert.ErrorIs(t, err, errs.ErrFatalEngine)
}

func TestVenueStateError(t *testing.T) {
	v, m, _ := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})
	v.err = errors.New("down")

	_, err := m.VenueState(context.Background())
	assert.Error(t, err)
}

func noWait(context.Context, time.Duration) error { return nil }

func TestVenueStateRetries(t *testing.T) {
	v, m, _ := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})
	m.Retry = broker.Retry{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2, Sleep: noWait}

	v.reads, v.flaky = 0, 2
	got, err := m.VenueState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.Get(key("wallet", "USDC")))
	assert.Equal(t, 3, v.reads)

	v.reads, v.flaky = 0, 3
	_, err = m.VenueState(context.Background())
	assert.ErrorContains(t, err, "after 3 attempts")
	assert.Equal(t, 3, v.reads)
}

func TestVenueStateDoesNotRetryMissingData(t *testing.T) {
	v, m, _ := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})
	m.Retry = broker.Retry{MaxAttempts: 3, Sleep: noWait}

	v.reads = 0
	v.err = &errs.DataUnavailableError{Key: "rate:pool:USDC", Time: t0, Reason: "gap"}
	_, err := m.VenueState(context.Background())
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
	assert.Equal(t, 1, v.reads)
}

func TestRefreshWithoutBalancesIsUnavailable(t *testing.T) {
	v, m, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})
	v.balances[key("wallet", "USDC")] = 1010
	v.err = errors.New("connection reset")

	_, err := h.Refresh(context.Background(), t0.Add(time.Hour))
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
	assert.Equal(t, 1000.0, m.CurrentPositions().Get(key("wallet", "USDC")))
	assert.Equal(t, t0, m.LastUpdate())
}

func TestReconcileWithoutBalances(t *testing.T) {
	v, m, h := setup(t, map[market.Key]float64{key("wallet", "USDC"): 1000})
	v.err = errors.New("connection reset")

	ok, bad := deposit("a", 300), deposit("b", 200)
	receipts := []broker.Receipt{
		confirmed(ok),
		broker.FailedReceipt(bad, 3, errs.ErrExecutionFailure),
	}
	res, err := h.Reconcile(context.Background(), t0, []broker.Instruction{ok, bad}, receipts)
	require.NoError(t, err)

	assert.True(t, res.Unverified)
	assert.False(t, res.NoDrift)
	assert.Empty(t, res.Actual)
	require.Len(t, res.Mismatches, 2)
	for _, mm := range res.Mismatches {
		assert.Equal(t, "instruction failed", mm.Reason)
	}

	// confirmed receipts still move the position
	pos := m.CurrentPositions()
	assert.Equal(t, 700.0, pos.Get(key("wallet", "USDC")))
	assert.Equal(t, 300.0, pos.Get(key("pool", "USDC")))

	res, err = h.Reconcile(context.Background(), t0, []broker.Instruction{deposit("c", 100)}, []broker.Receipt{confirmed(deposit("c", 100))})
	require.NoError(t, err)
	require.Len(t, res.Mismatches, 2)
	for _, mm := range res.Mismatches {
		assert.Equal(t, "venue balances unavailable", mm.Reason)
	}
}
