package cmd

import (
	"context"
	"errors"
	"github.com/pigpt/pigpt/pigpt"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Discord bot and the HTTP relay",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := pigpt.New(ctx, cfg)
			if err != nil {
				log.Fatalf("error creating pigpt: %s", err.Error())
			}

			runErr := bot.Run(ctx)
			if closeErr := bot.Close(); closeErr != nil {
				log.Printf("error closing store: %s", closeErr.Error())
			}
			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				log.Fatalf("error running pigpt: %s", runErr.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
