package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/config"
	"github.com/rustyeddy/yieldtrader/engine"
	"github.com/rustyeddy/yieldtrader/session"
)

var backtestCmd = &cobra.Command{
	Use:   "backtest",
	Short: "Run a backtest from a config file",
	Long: `Run a session against historical data and the simulated venue network.

The run is deterministic: the same config, data and seed produce the same
journal, byte for byte.

Example:
  yieldtrader backtest -f lending.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, config.ModeBacktest)
	},
}

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run a live session from a config file",
	Long: `Run a session against the HTTP venue adapters and live data feed named in
the config. Interrupt (Ctrl-C) stops after the current step; with --unwind
the session first returns all capital to the base wallet.

Example:
  yieldtrader live -f live.yaml --unwind`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSession(cmd, config.ModeLive)
	},
}

var (
	runConfigPath string
	runSessionID  string
	runDataPath   string
	runUnwind     bool
)

func init() {
	rootCmd.AddCommand(backtestCmd)
	rootCmd.AddCommand(liveCmd)

	for _, c := range []*cobra.Command{backtestCmd, liveCmd} {
		c.Flags().StringVarP(&runConfigPath, "file", "f", "", "path to config file (YAML or JSON) (required)")
		c.Flags().StringVar(&runSessionID, "id", "", "session id (default: random UUID)")
		c.MarkFlagRequired("file")
	}
	backtestCmd.Flags().StringVar(&runDataPath, "data", "", "historical CSV, overrides data.historical_path")
	liveCmd.Flags().BoolVar(&runUnwind, "unwind", false, "unwind to the base wallet when interrupted")
}

func runSession(cmd *cobra.Command, mode string) error {
	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Session.Mode != mode {
		return fmt.Errorf("%s is a %s config, not %s", runConfigPath, cfg.Session.Mode, mode)
	}
	if runDataPath != "" {
		cfg.Data.HistoricalPath = runDataPath
	}

	id := runSessionID
	if id == "" {
		id = uuid.NewString()
	}

	ctx := commandContext(cmd)
	s, err := session.Build(ctx, cfg, id, session.Options{}, logger)
	if err != nil {
		return fmt.Errorf("build session: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Running %s session %s\n", mode, id)
	fmt.Fprintf(out, "  Strategy: %s (%.2f %s)\n", cfg.Strategy.Name, cfg.Strategy.InitialCapital, cfg.Strategy.BaseAsset)
	fmt.Fprintf(out, "  Window: %s -> %s every %s\n\n", cfg.Session.Start, orOpen(cfg.Session.End), cfg.Session.Step)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer close(sigs)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; !ok {
			return
		}
		if runUnwind {
			logger.Warn("interrupt: unwinding", zap.String("session", id))
			s.EmergencyStop()
			return
		}
		logger.Warn("interrupt: stopping after current step", zap.String("session", id))
		s.Stop()
	}()

	res, err := s.Run(ctx)
	printResult(out, cfg, res)
	if err != nil {
		return fmt.Errorf("session %s: %w", id, err)
	}
	fmt.Fprintf(out, "\nJournal: %s\n", journalLocation(cfg.Journal))
	return nil
}

func printResult(w io.Writer, cfg *config.Config, res engine.Result) {
	fmt.Fprintf(w, "Result: %s\n", res.State)
	fmt.Fprintf(w, "  Steps: %d (skipped %d)\n", res.Steps, res.Skipped)
	if !res.LastGood.IsZero() {
		fmt.Fprintf(w, "  Last good step: %s\n", res.LastGood.Format("2006-01-02T15:04:05Z07:00"))
	}
	fmt.Fprintf(w, "  Final equity: %.2f %s\n", res.FinalEquity, cfg.Strategy.BaseAsset)
	fmt.Fprintf(w, "  Cumulative PnL: %s\n", res.CumPnL.StringFixed(2))
	fmt.Fprintf(w, "  Reconciliation mismatches: %d\n", res.Mismatches)
	fmt.Fprintf(w, "  PnL divergences: %d\n", res.Divergences)
}

func journalLocation(j config.JournalConfig) string {
	switch j.Type {
	case "sqlite":
		return j.DBPath
	case "csv":
		return j.Path
	case "postgres":
		return "postgres"
	}
	return j.Type
}

func orOpen(end string) string {
	if end == "" {
		return "(until stopped)"
	}
	return end
}
