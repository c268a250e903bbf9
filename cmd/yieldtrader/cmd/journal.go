package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/yieldtrader/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query session journals",
	Long: `Query and summarize the events a session journaled.

Subcommands:
  sessions - List the sessions in a SQLite journal
  events   - Print a session's events as JSON lines
  report   - Summarize a session as an org-mode report

Examples:
  yieldtrader journal sessions --db ./yieldtrader.db
  yieldtrader journal events <session-id> --type pnl --limit 10
  yieldtrader journal report <session-id> -o report.org
  yieldtrader journal report <session-id> --csv ./events.csv`,
}

var journalSessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List session ids",
	Args:  cobra.NoArgs,
	RunE:  runJournalSessions,
}

var journalEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Print a session's events",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalEvents,
}

var journalReportCmd = &cobra.Command{
	Use:   "report <session-id>",
	Short: "Summarize a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalReport,
}

var (
	journalDBPath  string
	journalCSVPath string
	journalDSN     string
	journalTypes   []string
	journalSince   string
	journalUntil   string
	journalLimit   int
	journalOutput  string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalSessionsCmd)
	journalCmd.AddCommand(journalEventsCmd)
	journalCmd.AddCommand(journalReportCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./yieldtrader.db", "path to SQLite journal DB")
	journalCmd.PersistentFlags().StringVar(&journalCSVPath, "csv", "", "read a CSV journal instead of SQLite")
	journalCmd.PersistentFlags().StringVar(&journalDSN, "dsn", "", "read a Postgres journal instead of SQLite")

	journalEventsCmd.Flags().StringSliceVarP(&journalTypes, "type", "t", nil, "event types to include (repeatable)")
	journalEventsCmd.Flags().StringVar(&journalSince, "since", "", "RFC3339 lower bound, inclusive")
	journalEventsCmd.Flags().StringVar(&journalUntil, "until", "", "RFC3339 upper bound, exclusive")
	journalEventsCmd.Flags().IntVarP(&journalLimit, "limit", "n", 0, "max events (0 = all)")

	journalReportCmd.Flags().StringVarP(&journalOutput, "output", "o", "", "write the report here instead of stdout")
}

func listEvents(ctx context.Context, f journal.Filter) ([]journal.Event, error) {
	switch {
	case journalCSVPath != "":
		return journal.LoadCSV(journalCSVPath, f)
	case journalDSN != "":
		j, err := journal.NewPostgres(ctx, journalDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		defer j.Close()
		return j.ListEvents(ctx, f)
	}
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	defer j.Close()
	return j.ListEvents(ctx, f)
}

func runJournalSessions(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	ids, err := j.Sessions(commandContext(cmd))
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}

func runJournalEvents(cmd *cobra.Command, args []string) error {
	f := journal.Filter{Session: args[0], Limit: journalLimit}
	for _, t := range journalTypes {
		f.Types = append(f.Types, journal.EventType(t))
	}
	var err error
	if f.Since, err = optionalTime("since", journalSince); err != nil {
		return err
	}
	if f.Until, err = optionalTime("until", journalUntil); err != nil {
		return err
	}

	events, err := listEvents(commandContext(cmd), f)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return nil
}

func runJournalReport(cmd *cobra.Command, args []string) error {
	events, err := listEvents(commandContext(cmd), journal.Filter{Session: args[0]})
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	sum, err := journal.Summarize(events)
	if err != nil {
		return fmt.Errorf("summarize %s: %w", args[0], err)
	}

	if journalOutput == "" {
		return journal.WriteOrg(cmd.OutOrStdout(), sum)
	}
	f, err := os.Create(journalOutput)
	if err != nil {
		return fmt.Errorf("create %s: %w", journalOutput, err)
	}
	if err := journal.WriteOrg(f, sum); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Report written to %s\n", journalOutput)
	return nil
}

func optionalTime(flag, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t.UTC(), nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
