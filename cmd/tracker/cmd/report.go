package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"trade-narrator/infrastructure/notify"
	"trade-narrator/internal/report"
	"trade-narrator/internal/store"
)

var reportSend bool

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the daily report for the last 24 hours",
	Long: `Build the daily report from the closed-trade log.

With --send the report is also delivered to the configured Telegram channel.`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.Flags().BoolVar(&reportSend, "send", false, "send the report to Telegram")
}

func runReport(cmd *cobra.Command, args []string) error {
	cfg, err := readOnlyConfig()
	if err != nil {
		return err
	}
	_, history, err := store.Read(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}

	rep := report.Build(history, time.Now())
	out := cmd.OutOrStdout()
	if rep.Empty() {
		fmt.Fprintln(out, "no trades closed in the last 24 hours")
		return nil
	}
	fmt.Fprintln(out, rep.Text())

	if !reportSend {
		return nil
	}
	tg, err := notify.NewTelegramChannel(cfg.Notify.TelegramBotToken, cfg.Notify.TargetChannelID,
		notify.WithParseMode(notify.ParseModeMarkdown))
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	return tg.Send(ctx, notify.Message{
		Kind: notify.KindReport, Text: rep.Text(), Timestamp: time.Now(), Markdown: true,
	})
}
