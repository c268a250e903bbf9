package broker

import (
	"context"
	"fmt"
	"math"

	"github.com/rustyeddy/yieldtrader/market"
)

// TransferVenue is the adapter name instructions of kind Transfer route to.
const TransferVenue = "bridge"

// Venue is the contract every venue adapter implements: CEX trading, lending
// protocols, staking and transfers, simulated or live.
type Venue interface {
	Name() string

	// Submit executes one instruction. A non-nil error means the call did not
	// complete and may be retried. A returned Receipt with Status Failed is a
	// definitive rejection.
	Submit(ctx context.Context, in Instruction) (Receipt, error)

	// Balances reports the venue-side holdings this adapter is authoritative for.
	Balances(ctx context.Context) (map[market.Key]float64, error)
}

type Kind string

const (
	Trade    Kind = "trade"
	Deposit  Kind = "deposit"
	Withdraw Kind = "withdraw"
	Borrow   Kind = "borrow"
	Repay    Kind = "repay"
	Stake    Kind = "stake"
	Unstake  Kind = "unstake"
	Transfer Kind = "transfer"
)

// Action is what a strategy asks for. Amount is positive except for trades,
// where the sign is the side (buy > 0, sell < 0).
//
// Counterparty is the other end of a fund movement: the source of a deposit
// or stake, the destination of a withdraw, unstake, borrow or transfer, and
// the payer of a repay. Trades have none.
type Action struct {
	Kind         Kind    `json:"kind"`
	Venue        string  `json:"venue"`
	Counterparty string  `json:"counterparty,omitempty"`
	Asset        string  `json:"asset"`
	Quote        string  `json:"quote,omitempty"`
	Amount       float64 `json:"amount"`
}

func (a Action) String() string {
	switch a.Kind {
	case Trade:
		return fmt.Sprintf("trade %+.6f %s/%s on %s", a.Amount, a.Asset, a.Quote, a.Venue)
	default:
		return fmt.Sprintf("%s %.6f %s %s<->%s", a.Kind, a.Amount, a.Asset, a.Venue, a.Counterparty)
	}
}

// Delta is a signed change to one holding.
type Delta struct {
	Key    market.Key `json:"key"`
	Amount float64    `json:"amount"`
}

// Fee is what a venue charged for an instruction.
type Fee struct {
	Asset  string  `json:"asset,omitempty"`
	Amount float64 `json:"amount"`
}

// Instruction is a single venue call produced by the execution manager.
type Instruction struct {
	ID  string `json:"id"`
	Seq int    `json:"seq"`
	Action

	Price     float64  `json:"price,omitempty"` // price hint for trades
	Perp      bool     `json:"perp,omitempty"`
	FeeBps    float64  `json:"fee_bps,omitempty"`
	Expected  []Delta  `json:"expected"`
	DependsOn []string `json:"depends_on,omitempty"`
}

// Touches returns every holding the instruction moves.
func (in Instruction) Touches() []market.Key {
	out := make([]market.Key, 0, len(in.Expected))
	for _, d := range in.Expected {
		out = append(out, d.Key)
	}
	return out
}

type Status string

const (
	Confirmed Status = "confirmed"
	Failed    Status = "failed"
)

// Receipt is the outcome of one instruction. Deltas are the amounts the venue
// actually moved, fees included.
type Receipt struct {
	InstructionID string  `json:"instruction_id"`
	Venue         string  `json:"venue"`
	Status        Status  `json:"status"`
	Deltas        []Delta `json:"deltas,omitempty"`
	Fee           Fee     `json:"fee"`
	Attempts      int     `json:"attempts"`
	Error         string  `json:"error,omitempty"`
}

// FailedReceipt builds a failed receipt for in.
func FailedReceipt(in Instruction, attempts int, err error) Receipt {
	r := Receipt{InstructionID: in.ID, Venue: in.Venue, Status: Failed, Attempts: attempts}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// Plan computes the holdings an action moves at the given price and fee.
// Fees come off the credited side, or off the quote leg for trades. Perp
// trades move only the contract quantity plus the fee.
func Plan(a Action, price, feeBps float64, perp bool) ([]Delta, Fee, error) {
	if a.Venue == "" || a.Asset == "" {
		return nil, Fee{}, fmt.Errorf("broker: action needs venue and asset")
	}
	if a.Amount == 0 || math.IsNaN(a.Amount) || math.IsInf(a.Amount, 0) {
		return nil, Fee{}, fmt.Errorf("broker: bad amount %v", a.Amount)
	}

	at := func(venue, asset string) market.Key { return market.Key{Venue: venue, Asset: asset} }
	rate := feeBps / 10000

	if a.Kind == Trade {
		if a.Quote == "" {
			return nil, Fee{}, fmt.Errorf("broker: trade needs quote asset")
		}
		if price <= 0 {
			return nil, Fee{}, fmt.Errorf("broker: trade needs a positive price")
		}
		notional := a.Amount * price
		fee := Fee{Asset: a.Quote, Amount: math.Abs(notional) * rate}
		if perp {
			return []Delta{
				{Key: at(a.Venue, a.Asset), Amount: a.Amount},
				{Key: at(a.Venue, a.Quote), Amount: -fee.Amount},
			}, fee, nil
		}
		return []Delta{
			{Key: at(a.Venue, a.Asset), Amount: a.Amount},
			{Key: at(a.Venue, a.Quote), Amount: -notional - fee.Amount},
		}, fee, nil
	}

	if a.Amount < 0 {
		return nil, Fee{}, fmt.Errorf("broker: %s amount must be positive", a.Kind)
	}
	if a.Counterparty == "" {
		return nil, Fee{}, fmt.Errorf("broker: %s needs a counterparty", a.Kind)
	}

	var from, to market.Key
	switch a.Kind {
	case Deposit, Stake, Repay:
		from, to = at(a.Counterparty, a.Asset), at(a.Venue, a.Asset)
	case Withdraw, Unstake, Borrow, Transfer:
		from, to = at(a.Venue, a.Asset), at(a.Counterparty, a.Asset)
	default:
		return nil, Fee{}, fmt.Errorf("broker: unknown kind %q", a.Kind)
	}

	fee := Fee{Asset: a.Asset, Amount: a.Amount * rate}
	return []Delta{
		{Key: from, Amount: -a.Amount},
		{Key: to, Amount: a.Amount - fee.Amount},
	}, fee, nil
}
