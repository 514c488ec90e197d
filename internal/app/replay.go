package app

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alert"
	"driftwatch/internal/alerting"
	"driftwatch/internal/explain"
	"driftwatch/internal/service"
)

// Replay feeds historical request records from a JSONL file through an
// in-memory pipeline, ticking the window clock from the record timestamps,
// and prints the alerts the run would have raised.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	if opts.File == "" {
		return errors.New("--file is required")
	}

	file, err := os.Open(opts.File)
	if err != nil {
		return err
	}
	defer file.Close()

	aggregator, err := aggregate.New(a.Config.Windows, a.Logger)
	if err != nil {
		return err
	}

	pipeline, err := service.New(service.Options{
		Aggregator: aggregator,
		Detect:     a.Config.Detector,
		Correlate:  a.Config.Correlate,
		Explainer:  explain.New(a.Config.Severity),
		Manager:    alert.NewManager(alert.NewMemoryStore(), a.Logger),
		Sink:       alerting.NewConsoleSink(os.Stdout),
		Windows:    a.Config.Windows.Sizes,
	}, a.Logger)
	if err != nil {
		return err
	}

	flushEvery := a.Config.Windows.FlushInterval
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}

	var (
		clock     time.Time
		nextFlush time.Time
		accepted  int
		rejected  int
		line      int
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec aggregate.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			rejected++
			a.Logger.Warn().Err(err).Int("line", line).Msg("skipping malformed record")
			continue
		}

		if rec.Timestamp.After(clock) {
			clock = rec.Timestamp
		}
		if nextFlush.IsZero() {
			nextFlush = clock.Truncate(flushEvery).Add(flushEvery)
		}

		// The record timestamps are the replay clock: once they pass a
		// flush boundary, close the due windows before folding further.
		for !clock.Before(nextFlush) {
			grace := nextFlush.Add(a.Config.Windows.GracePeriod)
			if err := pipeline.Tick(ctx, grace); err != nil {
				return err
			}
			nextFlush = nextFlush.Add(flushEvery)
		}

		if err := pipeline.Observe(rec); err != nil {
			rejected++
			a.Logger.Warn().Err(err).Int("line", line).Msg("record rejected")
			continue
		}
		accepted++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if accepted == 0 {
		return fmt.Errorf("no usable records in %s", opts.File)
	}

	// Final flush past the largest window plus grace so every open window
	// is emitted.
	final := clock.Add(a.Config.Windows.GracePeriod)
	for _, size := range a.Config.Windows.Sizes {
		if end := clock.Add(size); end.After(final) {
			final = end.Add(a.Config.Windows.GracePeriod)
		}
	}
	if err := pipeline.Tick(ctx, final); err != nil {
		return err
	}

	a.Logger.Info().
		Int("accepted", accepted).
		Int("rejected", rejected).
		Msg("replay complete")

	alerts, err := pipeline.ListAlerts(ctx, alert.Filter{})
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "replay raised no alerts")
		return nil
	}

	fmt.Fprintf(os.Stdout, "replay raised %d alert(s)\n", len(alerts))
	for _, item := range alerts {
		fmt.Fprintf(os.Stdout, "  [%s] %s %s: %s\n", item.Severity, item.Status, item.Endpoint, item.Explanation.Summary)
	}
	return nil
}
