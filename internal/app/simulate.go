package app

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"time"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alert"
	"driftwatch/internal/alerting"
	"driftwatch/internal/explain"
	"driftwatch/internal/service"
)

// Simulate drives a synthetic latency and error-rate degradation through a
// fully in-memory pipeline and prints the alerts it raises. Useful for
// verifying detector and correlator settings without live traffic.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = "/api/checkout"
	}

	// A compact single-window setup so the run completes in simulated
	// minutes rather than hours.
	aggCfg := a.Config.Windows
	aggCfg.Sizes = []time.Duration{time.Minute}
	aggCfg.GracePeriod = 0

	detCfg := a.Config.Detector
	if detCfg.MinSamples > 10 {
		detCfg.MinSamples = 10
	}

	aggregator, err := aggregate.New(aggCfg, a.Logger)
	if err != nil {
		return err
	}

	pipeline, err := service.New(service.Options{
		Aggregator: aggregator,
		Detect:     detCfg,
		Correlate:  a.Config.Correlate,
		Explainer:  explain.New(a.Config.Severity),
		Manager:    alert.NewManager(alert.NewMemoryStore(), a.Logger),
		Sink:       alerting.NewConsoleSink(os.Stdout),
		Windows:    aggCfg.Sizes,
	}, a.Logger)
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(42))
	clock := time.Now().UTC().Truncate(time.Minute).Add(-40 * time.Minute)

	const (
		baselineMinutes = 30
		degradedMinutes = 10
		perMinute       = 60
	)

	a.Logger.Info().
		Str("endpoint", endpoint).
		Int("baseline_minutes", baselineMinutes).
		Int("degraded_minutes", degradedMinutes).
		Msg("starting simulated degradation")

	total := baselineMinutes + degradedMinutes
	for minute := 0; minute < total; minute++ {
		latencyMean := 120.0
		errorRate := 0.02
		if minute >= baselineMinutes {
			// Ramp latency 120 -> 800ms and errors 2% -> 15% over the
			// degraded phase.
			progress := float64(minute-baselineMinutes+1) / float64(degradedMinutes)
			latencyMean = 120 + progress*680
			errorRate = 0.02 + progress*0.13
		}

		for i := 0; i < perMinute; i++ {
			rec := aggregate.Record{
				Endpoint:          endpoint,
				Timestamp:         clock.Add(time.Duration(i) * time.Second),
				LatencyMS:         latencyMean * (0.8 + 0.4*rng.Float64()),
				StatusCode:        200,
				ResponseSizeBytes: 1024 + rng.Int63n(512),
			}
			if rng.Float64() < errorRate {
				rec.StatusCode = 503
			}
			if err := pipeline.Observe(rec); err != nil {
				return err
			}
		}

		clock = clock.Add(time.Minute)
		if err := pipeline.Tick(ctx, clock); err != nil {
			return err
		}
	}

	alerts, err := pipeline.ListAlerts(ctx, alert.Filter{Endpoint: endpoint})
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(os.Stdout, "simulation finished: no alerts raised; consider lowering detector thresholds")
		return nil
	}

	fmt.Fprintf(os.Stdout, "simulation finished: %d alert(s) raised\n", len(alerts))
	for _, item := range alerts {
		fmt.Fprintf(os.Stdout, "  [%s] %s %s: %s\n", item.Severity, item.Status, item.Endpoint, item.Explanation.Summary)
	}
	return nil
}
