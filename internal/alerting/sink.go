// Package alerting delivers confirmed alerts with their rendered
// explanations to the configured channels. Delivery is best effort: the
// persisted alert state is authoritative regardless of sink outcome.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/alert"
)

// Sink pushes one alert to an external channel.
type Sink interface {
	Deliver(ctx context.Context, a alert.Alert) error
}

// Fanout delivers to every configured sink, collecting failures. A failing
// channel never blocks the others.
type Fanout struct {
	sinks  []Sink
	logger zerolog.Logger
}

// NewFanout constructs a Fanout over the given sinks.
func NewFanout(logger zerolog.Logger, sinks ...Sink) *Fanout {
	return &Fanout{
		sinks:  sinks,
		logger: logger.With().Str("component", "alert_sink").Logger(),
	}
}

// Deliver pushes the alert to all sinks and joins any errors.
func (f *Fanout) Deliver(ctx context.Context, a alert.Alert) error {
	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Deliver(ctx, a); err != nil {
			f.logger.Error().Err(err).
				Str("alert_id", a.ID).
				Str("endpoint", a.Endpoint).
				Msg("alert delivery failed")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ Sink = (*Fanout)(nil)

// renderMessage formats an alert as the plain-text body pushed to sinks.
func renderMessage(a alert.Alert) string {
	builder := strings.Builder{}
	builder.WriteString(fmt.Sprintf("[driftwatch] %s %s\n", a.Severity, a.Endpoint))
	builder.WriteString(fmt.Sprintf("Window: %s -> %s UTC\n",
		a.WindowFrom.UTC().Format(time.RFC3339), a.WindowTo.UTC().Format(time.RFC3339)))
	builder.WriteString(a.Explanation.Summary + "\n")

	if len(a.Explanation.Changed) > 0 {
		builder.WriteString("What changed:\n")
		for _, line := range a.Explanation.Changed {
			builder.WriteString(fmt.Sprintf("  - %s: %.2f -> %.2f (%+.1f%%, z=%.2f)\n",
				line.Metric, line.Baseline, line.Current, line.PctDelta, line.ZScore))
		}
	}
	if len(a.Explanation.Stable) > 0 {
		names := make([]string, 0, len(a.Explanation.Stable))
		for _, line := range a.Explanation.Stable {
			names = append(names, line.Metric.Readable())
		}
		builder.WriteString("What stayed stable: " + strings.Join(names, ", ") + "\n")
	}
	if a.Explanation.Recommendation != "" {
		builder.WriteString("Recommended: " + a.Explanation.Recommendation + "\n")
	}
	builder.WriteString("Status: " + string(a.Status) + " (" + a.ID + ")\n")
	return builder.String()
}
