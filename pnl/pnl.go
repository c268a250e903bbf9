// Package pnl computes PnL two independent ways and flags disagreement.
//
// Balance PnL is the change in equity between the pre-execution valuation of
// the previous step and this step. Attribution PnL explains the same change
// from its parts, using the position left after the previous reconciliation:
//
//	yield   = q * ((1+r)^(dt/year) - 1) * p_t    supply rate if q > 0, borrow rate if q < 0
//	funding = -q_perp * p_prev * f * dt/year
//	price   = q * (p_t - p_prev)                  tokens and perps
//	fees    = what the previous step's receipts charged, valued at p_prev
//
// Rates are those of the previous snapshot.
package pnl

import (
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/market"
	"github.com/rustyeddy/yieldtrader/position"
)

// Attribution splits one step's PnL by source. Fees are reported positive
// and subtracted in Total.
type Attribution struct {
	Yield   float64 `json:"yield"`
	Funding float64 `json:"funding"`
	Price   float64 `json:"price"`
	Fees    float64 `json:"fees"`
}

// Total is yield + funding + price - fees.
func (a Attribution) Total() float64 {
	return a.Yield + a.Funding + a.Price - a.Fees
}

// Record is the PnL for one timestep.
type Record struct {
	Time   time.Time `json:"time"`
	Equity float64   `json:"equity"`

	Balance     float64     `json:"balance"`
	Attributed  float64     `json:"attributed"`
	Attribution Attribution `json:"attribution"`

	CumBalance    decimal.Decimal `json:"cum_balance"`
	CumAttributed decimal.Decimal `json:"cum_attributed"`

	Divergence float64 `json:"divergence"`
	Flagged    bool    `json:"flagged"`
}

// Calculator carries the previous step between calls.
type Calculator struct {
	cfg       *config.Config
	tolerance float64
	log       *zap.Logger

	started    bool
	prevTime   time.Time
	prevEquity float64
	prevSnap   market.Snapshot
	prevPos    position.Position
	prevFees   float64

	cumBalance    decimal.Decimal
	cumAttributed decimal.Decimal
}

// NewCalculator fails if pnl.tolerance is missing.
func NewCalculator(cfg *config.Config, log *zap.Logger) (*Calculator, error) {
	tol, err := config.Require("pnl.tolerance", cfg.PnL.Tolerance)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Calculator{
		cfg:       cfg,
		tolerance: tol,
		log:       log.Named("pnl"),
	}, nil
}

// Compute values this step against the previous one. The first call only
// records the starting equity.
func (c *Calculator) Compute(exp exposure.Exposure) (Record, error) {
	rec := Record{Time: exp.Time, Equity: exp.Equity}

	if c.started {
		if !exp.Time.After(c.prevTime) {
			return Record{}, fmt.Errorf("pnl: step %s not after %s",
				exp.Time.Format(time.RFC3339), c.prevTime.Format(time.RFC3339))
		}
		attr, err := c.attribute(exp)
		if err != nil {
			return Record{}, err
		}
		rec.Attribution = attr
		rec.Balance = exp.Equity - c.prevEquity
		rec.Attributed = attr.Total()
		rec.Divergence = math.Abs(rec.Balance - rec.Attributed)
		rec.Flagged = rec.Divergence > c.tolerance

		c.cumBalance = c.cumBalance.Add(decimal.NewFromFloat(rec.Balance))
		c.cumAttributed = c.cumAttributed.Add(decimal.NewFromFloat(rec.Attributed))
	}

	rec.CumBalance = c.cumBalance
	rec.CumAttributed = c.cumAttributed

	if rec.Flagged {
		c.log.Warn("pnl divergence",
			zap.Time("ts", rec.Time),
			zap.Float64("balance", rec.Balance),
			zap.Float64("attributed", rec.Attributed),
			zap.Float64("divergence", rec.Divergence))
	}

	c.started = true
	c.prevTime = exp.Time
	c.prevEquity = exp.Equity
	c.prevSnap = exp.Snapshot
	c.prevPos = exp.Positions.Clone()
	c.prevFees = 0
	return rec, nil
}

// Close records the position left by this step's reconciliation and the fees
// its receipts charged. Both feed the next step's attribution.
func (c *Calculator) Close(pos position.Position, receipts []broker.Receipt) error {
	var fees float64
	for _, r := range receipts {
		if r.Status != broker.Confirmed || r.Fee.Amount == 0 {
			continue
		}
		p, ok := c.prevSnap.Price(r.Fee.Asset)
		if !ok {
			return fmt.Errorf("pnl: no price for fee asset %q", r.Fee.Asset)
		}
		fees += r.Fee.Amount * p
	}
	c.prevPos = pos.Clone()
	c.prevFees = fees
	return nil
}

func (c *Calculator) attribute(exp exposure.Exposure) (Attribution, error) {
	years := market.Years(exp.Time.Sub(c.prevTime))
	prev, now := c.prevSnap, exp.Snapshot
	attr := Attribution{Fees: c.prevFees}

	for _, k := range market.Keys(c.prevPos) {
		q := c.prevPos[k]
		a, err := c.cfg.Asset(k.Asset)
		if err != nil {
			return Attribution{}, err
		}
		pNow, ok := now.Price(k.Asset)
		if !ok {
			return Attribution{}, fmt.Errorf("pnl: no price for %s at %s", k.Asset, now.Time.Format(time.RFC3339))
		}
		pPrev, ok := prev.Price(k.Asset)
		if !ok {
			return Attribution{}, fmt.Errorf("pnl: no price for %s at %s", k.Asset, prev.Time.Format(time.RFC3339))
		}

		rates := prev.SupplyRates
		if q < 0 {
			rates = prev.BorrowRates
		}
		if r, ok := rates[k]; ok {
			attr.Yield += q * (math.Pow(1+r, years) - 1) * pNow
		}

		if a.Kind == config.KindPerp {
			if f, ok := prev.Funding[k]; ok {
				attr.Funding -= q * pPrev * f * years
			}
		}
		if a.Kind != config.KindCash {
			attr.Price += q * (pNow - pPrev)
		}
	}
	return attr, nil
}
