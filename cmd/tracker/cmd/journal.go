package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"trade-narrator/internal/journal"
)

var journalSince time.Duration

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "List closed trades from the SQLite journal",
	Long: `Query the SQLite mirror of the closed-trade log.

Examples:
  tracker journal
  tracker journal --since 168h`,
	Args: cobra.NoArgs,
	RunE: runJournal,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.Flags().DurationVar(&journalSince, "since", 24*time.Hour, "look-back window")
}

func runJournal(cmd *cobra.Command, args []string) error {
	cfg, err := readOnlyConfig()
	if err != nil {
		return err
	}
	path := cfg.Journal.Path
	if path == "" {
		path = cfg.Storage.DataDir + "/journal.db"
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer j.Close()

	trades, err := j.List(cmd.Context(), time.Now().Add(-journalSince))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(trades) == 0 {
		fmt.Fprintln(out, "no closed trades in window")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tASSET\tAVG BUY\tAVG SELL\tROI %\tDAYS\tCLOSED")
	for _, t := range trades {
		fmt.Fprintf(tw, "%s\t%s\t%.4f\t%.4f\t%+.2f\t%.2f\t%s\n",
			t.ID, t.Asset, t.AvgBuyPrice, t.AvgSellPrice, t.ROIPercent, t.DurationDays,
			t.ClosedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
