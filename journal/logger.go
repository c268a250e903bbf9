package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/internal/id"
)

var (
	// ErrQueueFull means the writer has fallen behind. Events are never
	// dropped; the caller has to decide what to do.
	ErrQueueFull = errors.New("journal: queue full")

	ErrClosed = errors.New("journal: logger closed")
)

// Logger queues events for one session and writes them in order from a
// single goroutine.
type Logger struct {
	session string
	sink    Sink
	ids     *id.Sequence
	log     *zap.Logger

	mu     sync.RWMutex
	seq    int64
	closed bool
	queue  chan Event

	done     chan struct{}
	errMu    sync.Mutex
	writeErr error
}

// NewLogger starts the writer goroutine. Event IDs are drawn from ids so a
// replay with the same seed yields the same IDs.
func NewLogger(session string, sink Sink, queueSize int, ids *id.Sequence, log *zap.Logger) (*Logger, error) {
	if queueSize < 1 {
		return nil, fmt.Errorf("journal: queue size must be at least 1, got %d", queueSize)
	}
	if log == nil {
		log = zap.NewNop()
	}
	l := &Logger{
		session: session,
		sink:    sink,
		ids:     ids,
		log:     log.Named("journal"),
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *Logger) run() {
	defer close(l.done)
	for ev := range l.queue {
		if err := l.sink.Write(context.Background(), ev); err != nil {
			l.log.Error("write event", zap.String("id", ev.ID), zap.String("type", string(ev.Type)), zap.Error(err))
			l.errMu.Lock()
			if l.writeErr == nil {
				l.writeErr = fmt.Errorf("journal: write %s %s: %w", ev.Type, ev.ID, err)
			}
			l.errMu.Unlock()
		}
	}
}

// Append encodes payload and queues the event. It never blocks: a full queue
// returns ErrQueueFull.
func (l *Logger) Append(typ EventType, payload any, ts time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal: encode %s payload: %w", typ, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if len(l.queue) == cap(l.queue) {
		return ErrQueueFull
	}

	eventID, err := l.ids.Next(ts)
	if err != nil {
		return fmt.Errorf("journal: event id: %w", err)
	}
	l.seq++
	l.queue <- Event{
		ID:      eventID,
		Session: l.session,
		Seq:     l.seq,
		Time:    ts.UTC(),
		Type:    typ,
		Payload: body,
	}
	return nil
}

// Err returns the first sink write failure, if any.
func (l *Logger) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.writeErr
}

// Close drains the queue, closes the sink and returns the first error seen.
func (l *Logger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return l.Err()
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done
	return errors.Join(l.Err(), l.sink.Close())
}
