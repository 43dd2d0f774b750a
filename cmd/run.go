package cmd

import (
	"log"

	"github.com/bubblerlabs/hatchwatch/hatchwatch"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [flags]",
	Short: "Starts the HatchWatch bot, secrets watcher and hatches API",
	Run: func(cmd *cobra.Command, _ []string) {
		ctx := cmd.Context()
		hw, err := hatchwatch.New(cfg)
		if err != nil {
			log.Fatalf("error creating hatchwatch: %s", err.Error())
		}

		if err = hw.Run(ctx); err != nil {
			log.Fatalf("error running hatchwatch: %s", err.Error())
		}
	},
}

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
