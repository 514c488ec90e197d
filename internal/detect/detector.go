// Package detect scores window aggregates against their baselines and emits
// anomaly signals. The concrete scoring strategy is selected by configuration;
// callers depend only on the Detector capability.
package detect

import (
	"fmt"
	"time"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/baseline"
	"driftwatch/internal/metrics"
)

// Signal is one metric-level anomaly emitted by a detector and consumed by
// the correlator. Signals are not persisted independently.
type Signal struct {
	Endpoint      string            `json:"endpoint"`
	Metric        metrics.Metric    `json:"metric"`
	WindowSize    time.Duration     `json:"window_size"`
	WindowEnd     time.Time         `json:"window_end"`
	BaselineValue float64           `json:"baseline_value"`
	CurrentValue  float64           `json:"current_value"`
	ZScore        float64           `json:"z_score"`
	Direction     metrics.Direction `json:"direction"`
}

// Detector scores one aggregate and advances the underlying baselines.
// Implementations must be safe for concurrent use across endpoints; windows
// for the same endpoint must be scored in window-end order.
type Detector interface {
	Score(agg aggregate.WindowAggregate) []Signal
}

// MetricParams are the per-metric tuning knobs.
type MetricParams struct {
	Alpha      float64 `mapstructure:"alpha"`
	ZThreshold float64 `mapstructure:"z_threshold"`
}

// Config tunes detection behaviour.
type Config struct {
	// Strategy selects the scorer: "ewma" or "robust".
	Strategy string `mapstructure:"strategy"`
	// MinSamples is the cold-start guard: below it observations update the
	// baseline but emit no signal.
	MinSamples int64 `mapstructure:"min_samples"`
	// DampedAlphaFactor scales alpha down when updating from an anomalous
	// window, bounding baseline drift during sustained degradation.
	DampedAlphaFactor float64 `mapstructure:"damped_alpha_factor"`
	// RecoveryAfter is the number of consecutive anomalous windows after
	// which the baseline re-anchors at full alpha (cold-baseline recovery).
	RecoveryAfter int `mapstructure:"recovery_after"`
	// Defaults apply to any metric without an explicit override.
	Defaults MetricParams `mapstructure:"defaults"`
	// Metrics overrides parameters per metric name.
	Metrics map[string]MetricParams `mapstructure:"metrics"`
}

// Params resolves the effective parameters for one metric.
func (c Config) Params(m metrics.Metric) MetricParams {
	if p, ok := c.Metrics[string(m)]; ok {
		if p.Alpha == 0 {
			p.Alpha = c.Defaults.Alpha
		}
		if p.ZThreshold == 0 {
			p.ZThreshold = c.Defaults.ZThreshold
		}
		return p
	}
	return c.Defaults
}

// New constructs the configured detector variant over the given store.
func New(cfg Config, store baseline.Store) (Detector, error) {
	switch cfg.Strategy {
	case "", StrategyEWMA:
		return NewEWMAScorer(cfg, store), nil
	case StrategyRobust:
		return NewRobustScorer(cfg, store), nil
	default:
		return nil, fmt.Errorf("detect: unknown strategy %q", cfg.Strategy)
	}
}

// Supported strategy names.
const (
	StrategyEWMA   = "ewma"
	StrategyRobust = "robust"
)

// metricValue extracts one tracked metric from an aggregate.
func metricValue(agg aggregate.WindowAggregate, m metrics.Metric) float64 {
	switch m {
	case metrics.AvgLatency:
		return agg.AvgLatency
	case metrics.P95Latency:
		return agg.P95Latency
	case metrics.ErrorRate:
		return agg.ErrorRate
	case metrics.RequestVolume:
		return float64(agg.RequestVolume)
	case metrics.ResponseSizeVariance:
		return agg.ResponseSizeVariance
	}
	return 0
}
