package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/yieldtrader/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "yieldtrader",
	Short: "Backtest and run yield strategies across lending, staking and perp venues",
	Long: `Yieldtrader drives yield strategies through a tight reconciliation loop.

Every step it refreshes positions from the venues, builds a market snapshot,
evaluates risk and PnL, lets the strategy decide, executes the resulting
instructions and reconciles what the venues report against what was intended.

It provides tools for:
  - Backtesting strategies against historical rate and price series
  - Running the same strategies live against HTTP venue adapters
  - Journaling every step to SQLite, CSV or Postgres
  - Summarizing a journaled session as an org-mode report`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		logger, err = logging.New(logLevel, logJSON)
		return err
	},
}

var (
	logLevel string
	logJSON  bool
	logger   = zap.NewNop()
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	defer logger.Sync() //nolint:errcheck
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
}
