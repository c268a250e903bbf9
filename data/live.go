package data

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/errs"
)

// DefaultTimeout bounds a live fetch when none is configured.
const DefaultTimeout = 5 * time.Second

// Live fetches series from a market data service:
//
//	GET {base}/v1/series/{key}?at=RFC3339
//	-> {"series": "...", "time": "...", "value": 1.23}
//
// A failed fetch falls back to the last good value for the series, flagged
// Stale. With no last good value the query is unavailable.
type Live struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *zap.Logger

	mu       sync.Mutex
	lastGood map[string]Value
}

// LiveOptions configure NewLive.
type LiveOptions struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// NewLive returns a live provider.
func NewLive(opts LiveOptions, log *zap.Logger) *Live {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: opts.Timeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Live{
		baseURL:    opts.BaseURL,
		token:      opts.Token,
		httpClient: hc,
		log:        log.Named("data.live"),
		lastGood:   map[string]Value{},
	}
}

type seriesResponse struct {
	Series string  `json:"series"`
	Time   string  `json:"time"`
	Value  float64 `json:"value"`
}

func (l *Live) Query(ctx context.Context, ts time.Time, key string) (Value, error) {
	v, err := l.fetch(ctx, ts, key)
	if err == nil {
		l.mu.Lock()
		l.lastGood[key] = v
		l.mu.Unlock()
		return v, nil
	}

	l.mu.Lock()
	last, ok := l.lastGood[key]
	l.mu.Unlock()

	if ok {
		l.log.Warn("serving stale value", zap.String("series", key), zap.Time("as_of", last.AsOf), zap.Error(err))
		last.Stale = true
		return last, nil
	}
	return Value{}, &errs.DataUnavailableError{Key: key, Time: ts, Reason: err.Error()}
}

func (l *Live) fetch(ctx context.Context, ts time.Time, key string) (Value, error) {
	params := url.Values{}
	params.Set("at", ts.UTC().Format(time.RFC3339))
	apiURL := fmt.Sprintf("%s/v1/series/%s?%s", l.baseURL, url.PathEscape(key), params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return Value{}, fmt.Errorf("create request: %w", err)
	}
	if l.token != "" {
		req.Header.Set("Authorization", "Bearer "+l.token)
	}

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return Value{}, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Value{}, fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(body))
	}

	var sr seriesResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return Value{}, fmt.Errorf("decode response: %w", err)
	}

	asOf := ts.UTC()
	if sr.Time != "" {
		t, err := time.Parse(time.RFC3339, sr.Time)
		if err != nil {
			return Value{}, fmt.Errorf("parse time %s: %w", sr.Time, err)
		}
		asOf = t.UTC()
	}
	return Value{V: sr.Value, AsOf: asOf}, nil
}
