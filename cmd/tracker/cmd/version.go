package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version 由 -ldflags "-X trade-narrator/cmd/tracker/cmd.version=..." 覆盖
var version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "tracker version %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
