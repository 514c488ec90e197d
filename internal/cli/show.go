package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"driftwatch/internal/app"
)

var (
	showLimit    int
	showEndpoint string
	showStatus   string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit:    showLimit,
			Endpoint: showEndpoint,
			Status:   showStatus,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of alerts to display")
	showCmd.Flags().StringVar(&showEndpoint, "endpoint", "", "Filter by endpoint")
	showCmd.Flags().StringVar(&showStatus, "status", "", "Filter by status (open, acknowledged, resolved)")
}
