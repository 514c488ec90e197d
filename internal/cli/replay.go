package cli

import (
	"github.com/spf13/cobra"

	"driftwatch/internal/app"
)

var replayFile string

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay historical records from a JSONL file through the pipeline",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ReplayOptions{
			File: replayFile,
		}
		return getApp().Replay(cmd.Context(), opts)
	},
}

func init() {
	replayCmd.Flags().StringVar(&replayFile, "file", "", "Path to JSONL file of request records")
	replayCmd.MarkFlagRequired("file")
}
