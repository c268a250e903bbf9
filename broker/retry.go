package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/yieldtrader/errs"
)

// Retry is a bounded exponential backoff for venue calls. The zero value
// makes a single attempt.
type Retry struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64

	// Sleep waits between attempts. Nil waits on a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Retryable reports whether another attempt could succeed. Missing data is
// final, as is an error that says so through a Retryable() bool method.
func Retryable(err error) bool {
	if errors.Is(err, errs.ErrDataUnavailable) {
		return false
	}
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return true
}

// Do calls fn until it succeeds, returns an error that is not Retryable, or
// MaxAttempts is reached. It returns the number of attempts made and the
// last error. onErr, if set, sees every failed attempt.
func (r Retry) Do(ctx context.Context, fn func() error, onErr func(attempt int, err error)) (int, error) {
	max := r.MaxAttempts
	if max < 1 {
		max = 1
	}
	mult := r.Multiplier
	if mult < 1 {
		mult = 1
	}
	wait := r.Sleep
	if wait == nil {
		wait = Sleep
	}

	backoff := r.InitialBackoff
	attempts := 0
	for {
		attempts++
		err := fn()
		if err == nil {
			return attempts, nil
		}
		if onErr != nil {
			onErr(attempts, err)
		}
		if attempts >= max || !Retryable(err) || ctx.Err() != nil {
			return attempts, err
		}
		if serr := wait(ctx, backoff); serr != nil {
			return attempts, errors.Join(err, serr)
		}
		backoff = time.Duration(float64(backoff) * mult)
		if r.MaxBackoff > 0 && backoff > r.MaxBackoff {
			backoff = r.MaxBackoff
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
