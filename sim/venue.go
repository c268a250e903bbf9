package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/clock"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/market"
)

// ErrUnavailable is returned by a venue whose failure injection fired.
var ErrUnavailable = errors.New("sim: venue unavailable")

// Venue simulates one lending pool, staking protocol, exchange or wallet.
// Balances accrue lazily up to the session clock whenever the venue is read
// or written:
//   - positive balances with a supply rate compound at (1+apy)^(dt/year)
//   - negative balances with a borrow rate compound the same way
//   - perp positions settle qty*(mark-lastMark) into the base asset and pay
//     -qty*lastMark*funding*dt/year
//
// Rates and funding are taken at the start of the accrual period.
type Venue struct {
	cfg     config.VenueConfig
	session *config.Config
	net     *Network
	clock   clock.Reader
	log     *zap.Logger

	mu       sync.Mutex
	last     time.Time
	marks    map[string]float64
	failAt   map[int64]bool // unix nanos
	failNext int
}

func (v *Venue) Name() string { return v.cfg.Name }

// Kind returns the configured venue kind.
func (v *Venue) Kind() string { return v.cfg.Kind }

// FailNext makes the next n submits fail with ErrUnavailable.
func (v *Venue) FailNext(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failNext = n
}

func (v *Venue) Balances(ctx context.Context) (map[market.Key]float64, error) {
	if err := v.accrue(ctx); err != nil {
		return nil, err
	}
	return v.net.book.Holdings(v.cfg.Name), nil
}

func (v *Venue) Submit(ctx context.Context, in broker.Instruction) (broker.Receipt, error) {
	if in.Venue != v.cfg.Name {
		return broker.FailedReceipt(in, 1, fmt.Errorf("sim: instruction for %s sent to %s", in.Venue, v.cfg.Name)), nil
	}
	if err := v.injectFailure(); err != nil {
		return broker.Receipt{}, err
	}

	if err := v.accrue(ctx); err != nil {
		return broker.Receipt{}, err
	}
	if in.Counterparty != "" {
		if err := v.net.accrue(ctx, in.Counterparty); err != nil {
			return broker.Receipt{}, err
		}
	}

	price, perp, err := v.validate(ctx, in)
	if err != nil {
		return broker.FailedReceipt(in, 1, err), nil
	}

	deltas, fee, err := broker.Plan(in.Action, price, v.cfg.FeeBps, perp)
	if err != nil {
		return broker.FailedReceipt(in, 1, err), nil
	}
	if err := v.net.book.Apply(deltas); err != nil {
		return broker.FailedReceipt(in, 1, err), nil
	}
	if perp {
		v.mu.Lock()
		v.marks[in.Asset] = price
		v.mu.Unlock()
	}

	v.log.Debug("executed", zap.String("id", in.ID), zap.Stringer("action", in.Action))
	return broker.Receipt{
		InstructionID: in.ID,
		Venue:         v.cfg.Name,
		Status:        broker.Confirmed,
		Deltas:        deltas,
		Fee:           fee,
		Attempts:      1,
	}, nil
}

func (v *Venue) injectFailure() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failNext > 0 {
		v.failNext--
		return ErrUnavailable
	}
	if v.failAt[v.clock.Now().UnixNano()] {
		return fmt.Errorf("%w at %s", ErrUnavailable, v.clock.Now().Format(time.RFC3339))
	}
	return nil
}

// validate applies the venue's business rules and returns the execution price
// for trades.
func (v *Venue) validate(ctx context.Context, in broker.Instruction) (float64, bool, error) {
	book := v.net.book
	own := market.Key{Venue: v.cfg.Name, Asset: in.Asset}

	switch v.cfg.Kind {
	case config.VenueLending:
		switch in.Kind {
		case broker.Deposit:
			if book.Get(own) < -dust {
				return 0, false, fmt.Errorf("sim: %s has debt in %s, repay instead", v.cfg.Name, in.Asset)
			}
		case broker.Withdraw:
			if bal := book.Get(own); in.Amount > bal+dust {
				return 0, false, fmt.Errorf("sim: withdraw %.6f %s exceeds supply %.6f", in.Amount, in.Asset, bal)
			}
		case broker.Borrow:
			if _, ok := v.cfg.BorrowRates[in.Asset]; !ok {
				return 0, false, fmt.Errorf("sim: %s does not lend %s", v.cfg.Name, in.Asset)
			}
			if book.Get(own) > dust {
				return 0, false, fmt.Errorf("sim: cannot borrow %s while supplying it", in.Asset)
			}
			if err := v.checkBorrowLimit(ctx, in); err != nil {
				return 0, false, err
			}
		case broker.Repay:
			if debt := -book.Get(own); in.Amount > debt+dust {
				return 0, false, fmt.Errorf("sim: repay %.6f %s exceeds debt %.6f", in.Amount, in.Asset, debt)
			}
		default:
			return 0, false, fmt.Errorf("sim: lending venue %s does not support %s", v.cfg.Name, in.Kind)
		}
		return 0, false, nil

	case config.VenueStaking:
		switch in.Kind {
		case broker.Stake:
			if _, ok := v.cfg.SupplyRates[in.Asset]; !ok {
				return 0, false, fmt.Errorf("sim: %s does not stake %s", v.cfg.Name, in.Asset)
			}
		case broker.Unstake:
			if bal := book.Get(own); in.Amount > bal+dust {
				return 0, false, fmt.Errorf("sim: unstake %.6f %s exceeds stake %.6f", in.Amount, in.Asset, bal)
			}
		default:
			return 0, false, fmt.Errorf("sim: staking venue %s does not support %s", v.cfg.Name, in.Kind)
		}
		return 0, false, nil

	case config.VenueCEX:
		if in.Kind != broker.Trade {
			return 0, false, fmt.Errorf("sim: exchange %s does not support %s", v.cfg.Name, in.Kind)
		}
		if in.Quote != v.session.Strategy.BaseAsset {
			return 0, false, fmt.Errorf("sim: %s quotes in %s, not %s", v.cfg.Name, v.session.Strategy.BaseAsset, in.Quote)
		}
		a, err := v.session.Asset(in.Asset)
		if err != nil {
			return 0, false, err
		}
		if a.Kind == config.KindCash {
			return 0, false, fmt.Errorf("sim: cannot trade cash asset %s", in.Asset)
		}
		price, err := v.net.price(ctx, v.clock.Now(), in.Asset)
		if err != nil {
			return 0, false, err
		}
		return price, a.Kind == config.KindPerp, nil
	}

	return 0, false, fmt.Errorf("sim: %s venue %s accepts no instructions", v.cfg.Kind, v.cfg.Name)
}

// checkBorrowLimit rejects a borrow that would push the venue's LTV past its
// liquidation threshold.
func (v *Venue) checkBorrowLimit(ctx context.Context, in broker.Instruction) error {
	now := v.clock.Now()
	var collateral, debt float64
	holdings := v.net.book.Holdings(v.cfg.Name)
	for _, k := range market.Keys(holdings) {
		q := holdings[k]
		p, err := v.net.price(ctx, now, k.Asset)
		if err != nil {
			return err
		}
		if q > 0 {
			collateral += q * p
		} else {
			debt -= q * p
		}
	}
	p, err := v.net.price(ctx, now, in.Asset)
	if err != nil {
		return err
	}
	debt += in.Amount * p
	if collateral <= 0 || debt/collateral > v.cfg.LiquidationLTV {
		return fmt.Errorf("sim: borrow would exceed liquidation ltv %.2f on %s", v.cfg.LiquidationLTV, v.cfg.Name)
	}
	return nil
}

func (v *Venue) accrue(ctx context.Context) error {
	now := v.clock.Now()

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.last.IsZero() || !now.After(v.last) {
		if v.last.IsZero() {
			v.last = now
		}
		return nil
	}

	years := market.Years(now.Sub(v.last))
	base := v.session.Strategy.BaseAsset
	holdings := v.net.book.Holdings(v.cfg.Name)

	var deltas []broker.Delta
	for _, k := range market.Keys(holdings) {
		q := holdings[k]

		rates := v.cfg.SupplyRates
		if q < 0 {
			rates = v.cfg.BorrowRates
		}
		if series, ok := rates[k.Asset]; ok {
			r, err := v.net.query(ctx, v.last, series)
			if err != nil {
				return err
			}
			deltas = append(deltas, broker.Delta{Key: k, Amount: q * (math.Pow(1+r, years) - 1)})
		}

		if a, ok := v.session.Assets[k.Asset]; ok && a.Kind == config.KindPerp {
			mark, err := v.net.price(ctx, now, k.Asset)
			if err != nil {
				return err
			}
			last, ok := v.marks[k.Asset]
			if !ok {
				last = mark
			}
			flow := q * (mark - last)
			if series, ok := v.cfg.Funding[k.Asset]; ok {
				f, err := v.net.query(ctx, v.last, series)
				if err != nil {
					return err
				}
				flow -= q * last * f * years
			}
			deltas = append(deltas, broker.Delta{Key: market.Key{Venue: v.cfg.Name, Asset: base}, Amount: flow})
			v.marks[k.Asset] = mark
		}
	}

	v.net.book.credit(deltas)
	v.last = now
	return v.liquidate(ctx, now)
}
