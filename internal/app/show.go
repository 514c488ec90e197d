package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"driftwatch/internal/alert"
)

// Show prints recent alerts from the configured database.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database not configured; cannot show alerts")
	}

	store, closeStore, err := a.openAlertStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	filter := alert.Filter{
		Endpoint: opts.Endpoint,
		Limit:    opts.Limit,
	}
	if opts.Status != "" {
		status := alert.Status(opts.Status)
		if !status.Valid() {
			return fmt.Errorf("unknown status %q", opts.Status)
		}
		filter.Status = status
	}

	alerts, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "no alerts found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tEndpoint\tSeverity\tStatus\tSignals\tWindow End (UTC)\tSummary")

	for _, item := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			shortID(item.ID),
			item.Endpoint,
			item.Severity,
			item.Status,
			len(item.Signals),
			item.WindowTo.UTC().Format(time.RFC3339),
			sanitizeInline(item.Explanation.Summary),
		)
	}

	writer.Flush()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	if len(cleaned) > 80 {
		cleaned = cleaned[:77] + "..."
	}
	return cleaned
}
