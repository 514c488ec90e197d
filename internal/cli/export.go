package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"driftwatch/internal/app"
)

var (
	exportAddr      string
	exportEndpoint  string
	exportWindow    string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export aggregate history as CSV and/or PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		window, err := time.ParseDuration(exportWindow)
		if err != nil {
			return fmt.Errorf("invalid --window value: %w", err)
		}

		opts := app.ExportOptions{
			Addr:      exportAddr,
			Endpoint:  exportEndpoint,
			Window:    window,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxPoints: exportMaxPoints,
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAddr, "addr", "localhost:8080", "Address of a running service")
	exportCmd.Flags().StringVar(&exportEndpoint, "endpoint", "", "Endpoint to export")
	exportCmd.Flags().StringVar(&exportWindow, "window", "1m", "Window size to export (e.g. 1m, 5m)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum data points to export")
}
