package cmd

import (
	"log"

	"github.com/gatewarden/gatewarden/gatewarden"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the Gatewarden bot and backend API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		bot, err := gatewarden.New(ctx, cfg)
		if err != nil {
			log.Fatalf("error creating gatewarden: %s", err.Error())
		}

		if err = bot.Run(ctx); err != nil {
			log.Fatalf("error running gatewarden: %s", err.Error())
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
