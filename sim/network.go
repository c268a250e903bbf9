package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/clock"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/data"
	"github.com/rustyeddy/yieldtrader/market"
)

// Network is the set of simulated venues for one backtest session, plus the
// bridge that moves funds between them.
type Network struct {
	cfg    *config.Config
	clock  clock.Reader
	prices data.Provider
	book   *Book

	venues map[string]*Venue
	order  []string
	bridge *Bridge
}

// NewNetwork builds one simulated venue per configured venue. The base
// wallet is funded with the strategy's initial capital.
func NewNetwork(cfg *config.Config, clk clock.Reader, prices data.Provider, log *zap.Logger) (*Network, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Network{
		cfg:    cfg,
		clock:  clk,
		prices: prices,
		venues: map[string]*Venue{},
	}
	n.book = NewBook(n.mayGoNegative)

	for _, vc := range cfg.Venues {
		if vc.Name == broker.TransferVenue {
			return nil, fmt.Errorf("sim: venue name %q is reserved", vc.Name)
		}
		fails, err := vc.FailTimes()
		if err != nil {
			return nil, err
		}
		failAt := make(map[int64]bool, len(fails))
		for _, t := range fails {
			failAt[t.UnixNano()] = true
		}
		n.venues[vc.Name] = &Venue{
			cfg:     vc,
			session: cfg,
			net:     n,
			clock:   clk,
			log:     log.Named("sim").With(zap.String("venue", vc.Name)),
			marks:   map[string]float64{},
			failAt:  failAt,
		}
		n.order = append(n.order, vc.Name)
	}
	n.bridge = &Bridge{net: n, log: log.Named("sim.bridge")}

	wallet := market.Key{Venue: cfg.Strategy.Wallet, Asset: cfg.Strategy.BaseAsset}
	if err := n.book.Apply([]broker.Delta{{Key: wallet, Amount: cfg.Strategy.InitialCapital}}); err != nil {
		return nil, err
	}
	return n, nil
}

// Venues returns the adapters in config order, bridge last.
func (n *Network) Venues() []broker.Venue {
	out := make([]broker.Venue, 0, len(n.order)+1)
	for _, name := range n.order {
		out = append(out, n.venues[name])
	}
	return append(out, n.bridge)
}

// Venue returns the simulated venue called name.
func (n *Network) Venue(name string) (*Venue, bool) {
	v, ok := n.venues[name]
	return v, ok
}

// Bridge returns the transfer adapter.
func (n *Network) Bridge() *Bridge { return n.bridge }

// Balance returns the book balance of k without accruing.
func (n *Network) Balance(k market.Key) float64 { return n.book.Get(k) }

func (n *Network) accrue(ctx context.Context, venue string) error {
	v, ok := n.venues[venue]
	if !ok {
		return fmt.Errorf("sim: unknown venue %q", venue)
	}
	return v.accrue(ctx)
}

func (n *Network) mayGoNegative(k market.Key) bool {
	vc, ok := n.cfg.Venue(k.Venue)
	if !ok {
		return false
	}
	switch vc.Kind {
	case config.VenueLending:
		_, ok := vc.BorrowRates[k.Asset]
		return ok
	case config.VenueCEX:
		// perp shorts, and margin that settlement has driven below zero
		a, ok := n.cfg.Assets[k.Asset]
		return ok && a.Kind == config.KindPerp
	}
	return false
}

func (n *Network) query(ctx context.Context, ts time.Time, series string) (float64, error) {
	v, err := n.prices.Query(ctx, ts, series)
	if err != nil {
		return 0, err
	}
	return v.V, nil
}

// price resolves an asset's price through its config: pegs for cash, the
// price series for tokens, the underlying for perps.
func (n *Network) price(ctx context.Context, ts time.Time, asset string) (float64, error) {
	a, err := n.cfg.Asset(asset)
	if err != nil {
		return 0, err
	}
	switch a.Kind {
	case config.KindCash:
		return a.Peg, nil
	case config.KindPerp:
		return n.price(ctx, ts, a.Underlying)
	default:
		return n.query(ctx, ts, a.Price)
	}
}

// Bridge moves an asset between two venues of the network.
type Bridge struct {
	net *Network
	log *zap.Logger

	mu       sync.Mutex
	failNext int
}

func (b *Bridge) Name() string { return broker.TransferVenue }

// FailNext makes the next n transfers fail with ErrUnavailable.
func (b *Bridge) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
}

// Balances is empty: the bridge holds nothing itself.
func (b *Bridge) Balances(context.Context) (map[market.Key]float64, error) {
	return map[market.Key]float64{}, nil
}

func (b *Bridge) Submit(ctx context.Context, in broker.Instruction) (broker.Receipt, error) {
	b.mu.Lock()
	if b.failNext > 0 {
		b.failNext--
		b.mu.Unlock()
		return broker.Receipt{}, ErrUnavailable
	}
	b.mu.Unlock()

	if in.Kind != broker.Transfer {
		return broker.FailedReceipt(in, 1, fmt.Errorf("sim: bridge only transfers, got %s", in.Kind)), nil
	}
	for _, venue := range []string{in.Venue, in.Counterparty} {
		if err := b.net.accrue(ctx, venue); err != nil {
			return broker.FailedReceipt(in, 1, err), nil
		}
	}

	deltas, fee, err := broker.Plan(in.Action, 0, 0, false)
	if err != nil {
		return broker.FailedReceipt(in, 1, err), nil
	}
	if err := b.net.book.Apply(deltas); err != nil {
		return broker.FailedReceipt(in, 1, err), nil
	}

	b.log.Debug("transferred", zap.String("id", in.ID), zap.Stringer("action", in.Action))
	return broker.Receipt{
		InstructionID: in.ID,
		Venue:         b.Name(),
		Status:        broker.Confirmed,
		Deltas:        deltas,
		Fee:           fee,
		Attempts:      1,
	}, nil
}
