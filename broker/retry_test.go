package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rustyeddy/yieldtrader/errs"
)

type finalErr struct{}

func (finalErr) Error() string   { return "http 400: bad request" }
func (finalErr) Retryable() bool { return false }

func TestRetryDo(t *testing.T) {
	t.Parallel()

	transient := errors.New("503")
	tests := []struct {
		name      string
		failures  []error
		wantCalls int
		wantErr   bool
		wantSleep []time.Duration
	}{
		{"first try", nil, 1, false, nil},
		{"recovers", []error{transient, transient}, 3, false, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}},
		{"exhausts", []error{transient, transient, transient, transient}, 4, true, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}},
		{"final status", []error{fmt.Errorf("rest: %w", finalErr{})}, 1, true, nil},
		{"missing data", []error{&errs.DataUnavailableError{Key: "k", Reason: "gap"}}, 1, true, nil},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var slept []time.Duration
			r := Retry{
				MaxAttempts:    4,
				InitialBackoff: 10 * time.Millisecond,
				MaxBackoff:     25 * time.Millisecond,
				Multiplier:     2,
				Sleep: func(_ context.Context, d time.Duration) error {
					slept = append(slept, d)
					return nil
				},
			}

			calls, seen := 0, 0
			attempts, err := r.Do(context.Background(), func() error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			}, func(int, error) { seen++ })

			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantCalls, attempts)
			assert.Equal(t, tt.wantErr, err != nil)
			assert.Equal(t, tt.wantSleep, slept)
			assert.Equal(t, min(tt.wantCalls, len(tt.failures)), seen)
		})
	}
}

func TestRetryZeroValueTriesOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	attempts, err := Retry{}.Do(context.Background(), func() error {
		calls++
		return errors.New("down")
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	r := Retry{MaxAttempts: 5, InitialBackoff: time.Hour}
	calls := 0
	attempts, err := r.Do(ctx, func() error {
		calls++
		cancel()
		return errors.New("down")
	}, nil)
	assert.EqualError(t, err, "down")
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}
