package detect

import (
	"math"
	"sync"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/baseline"
	"driftwatch/internal/metrics"
)

// minStdDev guards the z-score against division by a near-zero variance.
// Below it an observation produces no signal rather than an infinite score.
const minStdDev = 1e-9

// EWMAScorer scores aggregates with an exponentially weighted mean/variance
// baseline and flags metrics whose z-score crosses the configured threshold.
type EWMAScorer struct {
	cfg   Config
	store baseline.Store

	mu     sync.Mutex
	streak map[streakKey]int
}

type streakKey struct {
	endpoint string
	metric   metrics.Metric
}

// NewEWMAScorer constructs the EWMA z-score detector.
func NewEWMAScorer(cfg Config, store baseline.Store) *EWMAScorer {
	return &EWMAScorer{cfg: cfg, store: store, streak: make(map[streakKey]int)}
}

// Score evaluates every tracked metric of one aggregate. Each observation
// advances its baseline: at full alpha when healthy, at a dampened alpha when
// anomalous so a sustained degradation cannot drag the baseline toward the
// degraded state. After RecoveryAfter consecutive anomalous windows with no
// healthy window in between, the baseline re-anchors at full alpha.
func (s *EWMAScorer) Score(agg aggregate.WindowAggregate) []Signal {
	var signals []Signal
	for _, m := range metrics.All {
		x := metricValue(agg, m)
		params := s.cfg.Params(m)

		stat, ok := s.store.Get(agg.Endpoint, m)
		if !ok {
			s.store.Put(baseline.Stat{
				Endpoint:    agg.Endpoint,
				Metric:      m,
				EWMAMean:    x,
				EWMAVar:     0,
				SampleCount: 1,
				LastUpdated: agg.WindowEnd,
			})
			continue
		}

		baselineMean := stat.EWMAMean
		z, scored := zScore(x, stat.EWMAMean, stat.EWMAVar)
		coldStart := stat.SampleCount < s.cfg.MinSamples
		direction := metrics.DirectionOf(x, stat.EWMAMean)

		anomalous := scored && !coldStart && math.Abs(z) >= params.ZThreshold
		flagged := anomalous && metrics.Flaggable(m, direction)

		alpha := params.Alpha
		if flagged {
			alpha = s.dampedAlpha(agg.Endpoint, m, params.Alpha)
		} else {
			s.resetStreak(agg.Endpoint, m)
		}

		stat.EWMAMean, stat.EWMAVar = ewmaUpdate(stat.EWMAMean, stat.EWMAVar, x, alpha)
		stat.SampleCount++
		stat.LastUpdated = agg.WindowEnd
		s.store.Put(stat)

		if flagged {
			signals = append(signals, Signal{
				Endpoint:      agg.Endpoint,
				Metric:        m,
				WindowSize:    agg.WindowSize,
				WindowEnd:     agg.WindowEnd,
				BaselineValue: baselineMean,
				CurrentValue:  x,
				ZScore:        z,
				Direction:     direction,
			})
		}
	}
	return signals
}

// dampedAlpha returns the reduced alpha for an anomalous observation, or the
// full alpha once the anomalous streak has run long enough that the baseline
// must re-anchor to the new regime.
func (s *EWMAScorer) dampedAlpha(endpoint string, m metrics.Metric, alpha float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := streakKey{endpoint, m}
	s.streak[k]++
	if s.cfg.RecoveryAfter > 0 && s.streak[k] >= s.cfg.RecoveryAfter {
		s.streak[k] = 0
		return alpha
	}
	return alpha * s.cfg.DampedAlphaFactor
}

func (s *EWMAScorer) resetStreak(endpoint string, m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streak, streakKey{endpoint, m})
}

// ewmaUpdate advances an exponentially weighted mean and variance:
// mean' = mean + α(x - mean); var' = (1-α)(var + α(x - mean)²).
func ewmaUpdate(mean, variance, x, alpha float64) (float64, float64) {
	diff := x - mean
	incr := alpha * diff
	return mean + incr, (1 - alpha) * (variance + diff*incr)
}

// zScore standardizes x against the baseline; ok is false when the variance
// is too close to zero for the score to be meaningful.
func zScore(x, mean, variance float64) (z float64, ok bool) {
	std := math.Sqrt(variance)
	if std < minStdDev {
		return 0, false
	}
	return (x - mean) / std, true
}

var _ Detector = (*EWMAScorer)(nil)
