package cmd

import (
	"github.com/spf13/cobra"

	"trade-narrator/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tracker",
	Short: "Watch an OKX account and narrate position changes",
	Long: `Tracker keeps a private OKX WebSocket session subscribed to the account
channel, reconciles every balance push against the stored positions and
publishes open / scale-in / partial-sell / close events to Telegram.

Credentials come from the config file or from OKX_API_KEY,
OKX_API_SECRET_KEY and OKX_API_PASSPHRASE.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (env-only when empty)")
}

// readOnlyConfig 只读子命令不需要交易所凭证
func readOnlyConfig() (config.AppConfig, error) {
	cfg, err := config.Read(cfgFile)
	if err != nil {
		return cfg, err
	}
	config.ApplyEnv(&cfg)
	config.ApplyDefaults(&cfg)
	return cfg, nil
}
