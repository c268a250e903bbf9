package engine

import (
	"context"
	"fmt"
	"time"
)

// Schedule yields the timestamps a session steps through. ok is false once
// there are no more.
type Schedule interface {
	Next(ctx context.Context) (ts time.Time, ok bool, err error)
}

// BacktestSchedule steps from start to end inclusive.
type BacktestSchedule struct {
	next time.Time
	end  time.Time
	step time.Duration
}

func NewBacktestSchedule(start, end time.Time, step time.Duration) (*BacktestSchedule, error) {
	if step <= 0 {
		return nil, fmt.Errorf("engine: step must be positive, got %s", step)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("engine: end %s before start %s", end.Format(time.RFC3339), start.Format(time.RFC3339))
	}
	return &BacktestSchedule{next: start.UTC(), end: end.UTC(), step: step}, nil
}

func (s *BacktestSchedule) Next(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	if s.next.After(s.end) {
		return time.Time{}, false, nil
	}
	ts := s.next
	s.next = s.next.Add(s.step)
	return ts, true, nil
}

// LiveSchedule fires on a wall-clock ticker. The first step is immediate.
// It ends at end (if set) or when ctx is cancelled.
type LiveSchedule struct {
	step time.Duration
	end  time.Time
	now  func() time.Time

	ticker *time.Ticker
	last   time.Time
}

func NewLiveSchedule(step time.Duration, end time.Time) (*LiveSchedule, error) {
	if step <= 0 {
		return nil, fmt.Errorf("engine: step must be positive, got %s", step)
	}
	return &LiveSchedule{step: step, end: end.UTC(), now: time.Now}, nil
}

func (s *LiveSchedule) Next(ctx context.Context) (time.Time, bool, error) {
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.step)
	} else {
		select {
		case <-ctx.Done():
			s.ticker.Stop()
			return time.Time{}, false, ctx.Err()
		case <-s.ticker.C:
		}
	}

	ts := s.now().UTC().Truncate(time.Millisecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Millisecond)
	}
	if !s.end.IsZero() && ts.After(s.end) {
		s.ticker.Stop()
		return time.Time{}, false, nil
	}
	s.last = ts
	return ts, true, nil
}
