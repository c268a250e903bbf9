// Package rest is the live venue adapter. Each venue (and the transfer
// bridge) is a small HTTP service:
//
//	POST {endpoint}/v1/instructions   body: broker.Instruction   reply: broker.Receipt
//	GET  {endpoint}/v1/balances       reply: {"balances": {"USDC": 100.5, ...}}
//
// 2xx replies are receipts. 4xx replies are definitive rejections and become
// failed receipts. Transport errors and 5xx replies are returned as errors so
// the router retries them.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/market"
)

type Client struct {
	name    string
	BaseURL string
	Token   string
	HTTP    *http.Client
	log     *zap.Logger
}

// New returns a client for the venue called name.
func New(name, baseURL, token string, timeout time.Duration, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		name:    name,
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		log:     log.Named("rest").With(zap.String("venue", name)),
	}
}

func (c *Client) Name() string { return c.name }

// StatusError is a non-2xx reply.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the request may succeed if sent again.
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	httpClient := c.HTTP
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	u, err := url.Parse(c.BaseURL + path)
	if err != nil {
		return err
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("rest: decode %s reply: %w", path, err)
	}
	return nil
}

func (c *Client) Submit(ctx context.Context, in broker.Instruction) (broker.Receipt, error) {
	var rec broker.Receipt
	err := c.do(ctx, http.MethodPost, "/v1/instructions", in, &rec)
	if err != nil {
		if se, ok := err.(*StatusError); ok && !se.Retryable() {
			c.log.Warn("instruction rejected", zap.String("id", in.ID), zap.Int("status", se.Code))
			return broker.FailedReceipt(in, 1, fmt.Errorf("rest: %s rejected %s: %w", c.name, in.ID, se)), nil
		}
		return broker.Receipt{}, fmt.Errorf("rest: submit %s to %s: %w", in.ID, c.name, err)
	}

	if rec.InstructionID == "" {
		rec.InstructionID = in.ID
	}
	if rec.InstructionID != in.ID {
		return broker.FailedReceipt(in, 1, fmt.Errorf("rest: %s answered for %s", c.name, rec.InstructionID)), nil
	}
	if rec.Venue == "" {
		rec.Venue = c.name
	}
	if rec.Status != broker.Confirmed && rec.Status != broker.Failed {
		return broker.Receipt{}, fmt.Errorf("rest: %s returned status %q for %s", c.name, rec.Status, in.ID)
	}
	return rec, nil
}

type balancesReply struct {
	Balances map[string]float64 `json:"balances"`
}

func (c *Client) Balances(ctx context.Context) (map[market.Key]float64, error) {
	var reply balancesReply
	if err := c.do(ctx, http.MethodGet, "/v1/balances", nil, &reply); err != nil {
		return nil, fmt.Errorf("rest: balances from %s: %w", c.name, err)
	}
	out := make(map[market.Key]float64, len(reply.Balances))
	for asset, q := range reply.Balances {
		out[market.Key{Venue: c.name, Asset: asset}] = q
	}
	return out, nil
}
