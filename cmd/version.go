package cmd

import (
	"github.com/gatewarden/gatewarden/gatewarden"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of the application",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf(
			"version=%s commit=%s built: %s",
			gatewarden.Version,
			gatewarden.CommitSHA,
			gatewarden.BuildTime,
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(versionCmd)
}
