package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/yieldtrader/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage session configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  yieldtrader config init -o lending.yaml
  yieldtrader config validate -f lending.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a pure lending backtest configuration. YAML or JSON is chosen
by the file extension.

Example:
  yieldtrader config init -o lending.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "yieldtrader.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "\nPoint data.historical_path at a time,series,value CSV and run:")
	fmt.Fprintf(out, "  yieldtrader backtest -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✓ Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Session: %s (%s, step %s)\n", cfg.Session.Name, cfg.Session.Mode, cfg.Session.Step)
	fmt.Fprintf(out, "  Strategy: %s (%.2f %s)\n", cfg.Strategy.Name, cfg.Strategy.InitialCapital, cfg.Strategy.BaseAsset)
	fmt.Fprintf(out, "  Venues: %d\n", len(cfg.Venues))
	fmt.Fprintf(out, "  Journal: %s\n", cfg.Journal.Type)
	return nil
}
