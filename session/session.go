// Package session assembles the components of one trading session from a
// Config and runs it. A backtest runs against historical data and the
// simulated venue network; a live session talks to HTTP venue adapters and
// a REST/websocket data feed.
package session

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/rustyeddy/yieldtrader/broker"
	"github.com/rustyeddy/yieldtrader/broker/rest"
	"github.com/rustyeddy/yieldtrader/clock"
	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/data"
	"github.com/rustyeddy/yieldtrader/engine"
	"github.com/rustyeddy/yieldtrader/errs"
	"github.com/rustyeddy/yieldtrader/execution"
	"github.com/rustyeddy/yieldtrader/exposure"
	"github.com/rustyeddy/yieldtrader/internal/id"
	"github.com/rustyeddy/yieldtrader/journal"
	"github.com/rustyeddy/yieldtrader/pnl"
	"github.com/rustyeddy/yieldtrader/position"
	"github.com/rustyeddy/yieldtrader/risk"
	"github.com/rustyeddy/yieldtrader/sim"
	"github.com/rustyeddy/yieldtrader/strategies"
)

// Options override pieces Build would otherwise derive from the config.
type Options struct {
	// Prices replaces the provider loaded from data.historical_path
	// (backtest) or the live feed.
	Prices data.Provider
	// Store replaces the journal opened from cfg.Journal.
	Store journal.Store
	// Venues replaces the adapters built for a live session.
	Venues []broker.Venue
}

// Session is one assembled, runnable session.
type Session struct {
	ID     string
	Config *config.Config

	engine  *engine.Engine
	journal *journal.Logger
	store   journal.Store
	stream  *data.Stream
	network *sim.Network
	log     *zap.Logger
}

// Build validates cfg and wires every component for its mode. The journal
// store is opened here and closed when Run returns.
func Build(ctx context.Context, cfg *config.Config, sessionID string, opts Options, log *zap.Logger) (*Session, error) {
	if cfg == nil {
		return nil, fmt.Errorf("session: nil config")
	}
	if sessionID == "" {
		return nil, fmt.Errorf("session: empty id")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("session", sessionID))

	start, err := cfg.Session.StartTime()
	if err != nil {
		return nil, err
	}
	end, err := cfg.Session.EndTime()
	if err != nil {
		return nil, err
	}
	step, err := cfg.Session.StepDuration()
	if err != nil {
		return nil, err
	}

	s := &Session{ID: sessionID, Config: cfg, log: log}
	clk := clock.New()

	var (
		prices   = opts.Prices
		venues   = opts.Venues
		schedule engine.Schedule
		eopts    engine.Options
	)
	switch cfg.Session.Mode {
	case config.ModeBacktest:
		if prices == nil {
			if cfg.Data.HistoricalPath == "" {
				return nil, errs.Missing("data.historical_path")
			}
			if prices, err = data.LoadCSV(cfg.Data.HistoricalPath); err != nil {
				return nil, err
			}
		}
		s.network, err = sim.NewNetwork(cfg, clk, prices, log)
		if err != nil {
			return nil, err
		}
		venues = s.network.Venues()
		if schedule, err = engine.NewBacktestSchedule(start, end, step); err != nil {
			return nil, err
		}

	case config.ModeLive:
		if prices == nil {
			if prices, s.stream, err = liveProvider(cfg, log); err != nil {
				return nil, err
			}
		}
		if venues == nil {
			if venues, err = liveVenues(cfg, log); err != nil {
				return nil, err
			}
		}
		if schedule, err = engine.NewLiveSchedule(step, end); err != nil {
			return nil, err
		}
		eopts.SkipOnDataUnavailable = true
	}

	snapshots := data.NewSnapshotBuilder(prices, cfg)
	if s.stream != nil {
		s.stream.Series = snapshots.Series()
	}

	mon := position.NewMonitor(venues)
	tol, err := config.Require("reconciliation.tolerance", cfg.Reconciliation.Tolerance)
	if err != nil {
		return nil, err
	}
	expo, err := exposure.NewMonitor(cfg)
	if err != nil {
		return nil, err
	}
	rsk, err := risk.NewMonitor(cfg, log)
	if err != nil {
		return nil, err
	}
	calc, err := pnl.NewCalculator(cfg, log)
	if err != nil {
		return nil, err
	}
	strat, err := strategies.New(cfg, log)
	if err != nil {
		return nil, err
	}
	router, err := execution.NewRouter(cfg, venues, log)
	if err != nil {
		return nil, err
	}
	mon.Retry = router.Retry()

	s.store = opts.Store
	if s.store == nil {
		if s.store, err = journal.Open(ctx, cfg.Journal); err != nil {
			return nil, err
		}
	}
	// Journal IDs draw from their own sequence so they never shift
	// instruction IDs.
	s.journal, err = journal.NewLogger(sessionID, s.store, cfg.Journal.QueueSize, id.NewSequence(cfg.Session.Seed+1), log)
	if err != nil {
		s.store.Close()
		return nil, err
	}

	s.engine, err = engine.New(cfg, engine.Deps{
		Clock:     clk,
		Schedule:  schedule,
		Snapshots: snapshots,
		Positions: mon,
		Updates:   position.NewUpdateHandler(mon, tol, log),
		Exposure:  expo,
		Risk:      rsk,
		PnL:       calc,
		Strategy:  strat,
		Execution: execution.NewManager(cfg, id.NewSequence(cfg.Session.Seed), log),
		Router:    router,
		Journal:   s.journal,
	}, eopts, log)
	if err != nil {
		s.journal.Close()
		return nil, err
	}
	return s, nil
}

func liveProvider(cfg *config.Config, log *zap.Logger) (data.Provider, *data.Stream, error) {
	lc := cfg.Data.Live
	if lc.BaseURL == "" && lc.StreamURL == "" {
		return nil, nil, errs.Missing("data.live.base_url")
	}

	var chain data.Fallback
	var stream *data.Stream
	if lc.StreamURL != "" {
		maxAge, err := lc.MaxAgeDuration()
		if err != nil {
			return nil, nil, err
		}
		stream = data.NewStream(lc.StreamURL, nil, maxAge, log)
		chain = append(chain, stream)
	}
	if lc.BaseURL != "" {
		timeout, err := lc.TimeoutDuration()
		if err != nil {
			return nil, nil, err
		}
		chain = append(chain, data.NewLive(data.LiveOptions{BaseURL: lc.BaseURL, Token: lc.Token, Timeout: timeout}, log))
	}
	if len(chain) == 1 {
		return chain[0], stream, nil
	}
	return chain, stream, nil
}

func liveVenues(cfg *config.Config, log *zap.Logger) ([]broker.Venue, error) {
	timeout, err := cfg.Execution.Timeout()
	if err != nil {
		return nil, err
	}
	var out []broker.Venue
	for i, v := range cfg.Venues {
		if v.Endpoint == "" {
			return nil, errs.Missing(fmt.Sprintf("venues[%d].endpoint", i))
		}
		out = append(out, rest.New(v.Name, v.Endpoint, v.Token, timeout, log))
	}
	if b := cfg.Execution.Bridge; b.Endpoint != "" {
		out = append(out, rest.New(broker.TransferVenue, b.Endpoint, b.Token, timeout, log))
	}
	return out, nil
}

// Run drives the engine to completion. A live data stream, if any, runs
// alongside and is shut down once the engine returns. The journal is
// drained and closed before Run returns.
func (s *Session) Run(ctx context.Context) (engine.Result, error) {
	var res engine.Result
	var runErr error

	g, gctx := errgroup.WithContext(ctx)
	streamCtx, stopStream := context.WithCancel(gctx)
	defer stopStream()

	if s.stream != nil {
		g.Go(func() error {
			err := s.stream.Run(streamCtx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		defer stopStream()
		res, runErr = s.engine.Run(ctx)
		return nil
	})
	streamErr := g.Wait()

	if err := s.journal.Close(); err != nil {
		s.log.Error("journal close", zap.Error(err))
		if runErr == nil {
			runErr = errs.Fatal("journal", err)
			res.Err = runErr
			res.State = engine.Aborted
		}
	}
	if streamErr != nil {
		s.log.Warn("data stream", zap.Error(streamErr))
	}
	return res, runErr
}

// Stop ends the session after the current step.
func (s *Session) Stop() { s.engine.Stop() }

// EmergencyStop unwinds to the base wallet and then stops.
func (s *Session) EmergencyStop() { s.engine.EmergencyStop() }

// Status reports where the engine is.
func (s *Session) Status() engine.Status { return s.engine.Status() }

// Network returns the simulated venues of a backtest, nil when live.
func (s *Session) Network() *sim.Network { return s.network }

// Store is the journal store the session writes to. It is closed once Run
// returns.
func (s *Session) Store() journal.Store { return s.store }
