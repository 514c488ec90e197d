package cli

import (
	"github.com/spf13/cobra"

	"driftwatch/internal/app"
)

var simulateEndpoint string

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a synthetic degradation through an in-memory pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.SimulateOptions{
			Endpoint: simulateEndpoint,
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateEndpoint, "endpoint", "/api/checkout", "Endpoint label for the synthetic traffic")
}
