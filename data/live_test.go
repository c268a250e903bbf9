package data

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/errs"
)

func TestLiveQuery(t *testing.T) {
	t.Parallel()

	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/series/price:ETH", r.URL.Path)
		assert.Equal(t, "2024-01-01T00:00:00Z", r.URL.Query().Get("at"))

		if fail.Load() {
			http.Error(w, "upstream down", http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode(seriesResponse{Series: "price:ETH", Time: "2024-01-01T00:00:00Z", Value: 2300})
	}))
	t.Cleanup(srv.Close)

	l := NewLive(LiveOptions{BaseURL: srv.URL, Token: "secret", Timeout: time.Second}, zap.NewNop())

	v, err := l.Query(context.Background(), day(0), "price:ETH")
	require.NoError(t, err)
	assert.Equal(t, 2300.0, v.V)
	assert.False(t, v.Stale)

	fail.Store(true)
	v, err = l.Query(context.Background(), day(0), "price:ETH")
	require.NoError(t, err)
	assert.True(t, v.Stale, "failed fetch serves last good value flagged stale")
	assert.Equal(t, 2300.0, v.V)
}

func TestLiveUnavailableWithoutHistory(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	l := NewLive(LiveOptions{BaseURL: srv.URL}, nil)
	_, err := l.Query(context.Background(), day(0), "price:ETH")
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
	assert.Contains(t, err.Error(), "status 500")
}

func TestLiveTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	l := NewLive(LiveOptions{BaseURL: srv.URL, Timeout: 50 * time.Millisecond}, nil)
	_, err := l.Query(context.Background(), day(0), "price:ETH")
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
}

func TestStreamQuery(t *testing.T) {
	t.Parallel()

	s := NewStream("ws://unused", nil, time.Minute, nil)

	_, err := s.Query(context.Background(), day(0), "price:ETH")
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)

	s.Set("price:ETH", Value{V: 2000, AsOf: day(0)})
	s.Set("price:ETH", Value{V: 1, AsOf: day(0).Add(-time.Hour)}) // older, ignored

	v, err := s.Query(context.Background(), day(0).Add(30*time.Second), "price:ETH")
	require.NoError(t, err)
	assert.Equal(t, 2000.0, v.V)
	assert.False(t, v.Stale)

	v, err = s.Query(context.Background(), day(0).Add(2*time.Minute), "price:ETH")
	require.NoError(t, err)
	assert.True(t, v.Stale)
}

func TestStreamRunReceivesFrames(t *testing.T) {
	t.Parallel()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub subscribeMsg
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		for _, series := range sub.Series {
			_ = conn.WriteJSON(seriesMsg{Series: series, Time: "2024-01-01T00:00:00Z", Value: 42})
		}
		// hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	s := NewStream(url, []string{"price:ETH", "funding:cex:ETH-PERP"}, time.Hour, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err1 := s.Query(context.Background(), day(0), "price:ETH")
		_, err2 := s.Query(context.Background(), day(0), "funding:cex:ETH-PERP")
		return err1 == nil && err2 == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
}

type stubProvider struct {
	v   Value
	err error
}

func (s stubProvider) Query(context.Context, time.Time, string) (Value, error) { return s.v, s.err }

func TestFallback(t *testing.T) {
	t.Parallel()

	unavailable := &errs.DataUnavailableError{Key: "k", Time: day(0), Reason: "x"}
	fresh := stubProvider{v: Value{V: 1}}
	stale := stubProvider{v: Value{V: 2, Stale: true}}
	broken := stubProvider{err: unavailable}

	v, err := Fallback{broken, stale, fresh}.Query(context.Background(), day(0), "k")
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.V)

	v, err = Fallback{stale, broken}.Query(context.Background(), day(0), "k")
	require.NoError(t, err)
	assert.True(t, v.Stale)

	_, err = Fallback{broken}.Query(context.Background(), day(0), "k")
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)

	_, err = Fallback{}.Query(context.Background(), day(0), "k")
	assert.ErrorIs(t, err, errs.ErrDataUnavailable)
}
