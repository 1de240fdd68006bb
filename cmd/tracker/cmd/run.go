package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"trade-narrator/internal/container"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the account watcher until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	// 配置错误在连接交易所之前退出
	c, err := container.New(cfgFile)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "tracker running, press Ctrl+C to stop")

	<-ctx.Done()
	return c.Stop()
}
