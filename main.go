package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "v0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var strategyPath string

	root := &cobra.Command{
		Use:           "trading-bot",
		Short:         "Lifecycle-driven leveraged trading bot (paper broker)",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context(), strategyPath)
		},
	}
	root.PersistentFlags().StringVar(&strategyPath, "strategy", "", "strategy YAML file (overrides STRATEGY_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bot until interrupted",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBot(cmd.Context(), strategyPath)
			},
		},
		newLeverageCmd(&strategyPath),
		newTokenCmd(),
		newCheckConfigCmd(&strategyPath),
	)
	return root
}
