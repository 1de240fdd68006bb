package cmd

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"trade-narrator/internal/store"
	"trade-narrator/inventory"
)

var positionsCmd = &cobra.Command{
	Use:   "positions",
	Short: "Print the stored open positions",
	Args:  cobra.NoArgs,
	RunE:  runPositions,
}

func init() {
	rootCmd.AddCommand(positionsCmd)
}

func runPositions(cmd *cobra.Command, args []string) error {
	cfg, err := readOnlyConfig()
	if err != nil {
		return err
	}
	positions, _, err := store.Read(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	return printPositions(cmd.OutOrStdout(), positions)
}

func printPositions(w io.Writer, positions map[string]inventory.Position) error {
	if len(positions) == 0 {
		_, err := fmt.Fprintln(w, "no open positions")
		return err
	}
	assets := make([]string, 0, len(positions))
	for asset := range positions {
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ASSET\tQTY\tAVG BUY\tCOST\tSOLD QTY\tENTRY %\tOPENED")
	for _, asset := range assets {
		p := positions[asset]
		fmt.Fprintf(tw, "%s\t%.6f\t%.4f\t%.2f\t%.6f\t%.2f\t%s\n",
			p.Asset, p.TotalQty, p.AvgBuyPrice, p.TotalCost, p.TotalSoldQty,
			p.EntryCapitalPercent, p.OpenedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}
