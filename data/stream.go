package data

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/errs"
)

// Stream keeps the latest value of each subscribed series from a websocket
// feed. Queries never block on the network: they answer from memory, flagging
// values older than MaxAge as stale.
//
// Wire format, both directions JSON text frames:
//
//	-> {"op":"subscribe","series":["price:ETH", ...]}
//	<- {"series":"price:ETH","time":"2024-01-01T00:00:00Z","value":2301.5}
type Stream struct {
	URL    string
	Series []string
	MaxAge time.Duration

	ReadTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration

	log *zap.Logger

	mu     sync.RWMutex
	latest map[string]Value
}

// NewStream returns a stream subscriber. Call Run to connect.
func NewStream(url string, series []string, maxAge time.Duration, log *zap.Logger) *Stream {
	if log == nil {
		log = zap.NewNop()
	}
	return &Stream{
		URL:         url,
		Series:      series,
		MaxAge:      maxAge,
		ReadTimeout: 60 * time.Second,
		MinBackoff:  250 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		log:         log.Named("data.stream"),
		latest:      map[string]Value{},
	}
}

type subscribeMsg struct {
	Op     string   `json:"op"`
	Series []string `json:"series"`
}

type seriesMsg struct {
	Series string  `json:"series"`
	Time   string  `json:"time"`
	Value  float64 `json:"value"`
}

// Run connects and reads until ctx is done, reconnecting with exponential
// backoff after any connection error.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := s.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		wait := s.backoff(attempt)
		s.log.Warn("stream disconnected, reconnecting", zap.Error(err), zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func (s *Stream) backoff(attempt int) time.Duration {
	wait := float64(s.MinBackoff) * math.Pow(2, float64(attempt-1))
	if wait > float64(s.MaxBackoff) {
		return s.MaxBackoff
	}
	return time.Duration(wait)
}

func (s *Stream) session(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.URL, err)
	}
	defer conn.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if err := conn.WriteJSON(subscribeMsg{Op: "subscribe", Series: s.Series}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.log.Info("stream connected", zap.String("url", s.URL), zap.Int("series", len(s.Series)))

	for {
		if s.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg seriesMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Debug("skipping malformed frame", zap.Error(err))
			continue
		}
		if msg.Series == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, msg.Time)
		if err != nil {
			s.log.Debug("skipping frame with bad time", zap.String("time", msg.Time))
			continue
		}
		s.Set(msg.Series, Value{V: msg.Value, AsOf: t.UTC()})
	}
}

// Set records a value, ignoring anything older than what is held.
func (s *Stream) Set(series string, v Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.latest[series]; ok && v.AsOf.Before(cur.AsOf) {
		return
	}
	s.latest[series] = v
}

func (s *Stream) Query(_ context.Context, ts time.Time, key string) (Value, error) {
	s.mu.RLock()
	v, ok := s.latest[key]
	s.mu.RUnlock()

	if !ok {
		return Value{}, &errs.DataUnavailableError{Key: key, Time: ts, Reason: "no streamed value"}
	}
	if s.MaxAge > 0 && ts.Sub(v.AsOf) > s.MaxAge {
		v.Stale = true
	}
	return v, nil
}
