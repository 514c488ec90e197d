package detect

import (
	"math"
	"sync"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/baseline"
	"driftwatch/internal/metrics"
)

// madScale converts a mean absolute deviation into a standard-deviation
// equivalent under a normal assumption.
const madScale = 1.2533

// RobustScorer is the outlier-resistant detector variant. It keeps the same
// EWMA mean but tracks an exponentially weighted mean absolute deviation as
// its scale, so a handful of extreme observations widen the denominator far
// less than they would a squared-error variance. Stat.EWMAVar stores the
// absolute deviation for this strategy.
type RobustScorer struct {
	cfg   Config
	store baseline.Store

	mu     sync.Mutex
	streak map[streakKey]int
}

// NewRobustScorer constructs the robust detector.
func NewRobustScorer(cfg Config, store baseline.Store) *RobustScorer {
	return &RobustScorer{cfg: cfg, store: store, streak: make(map[streakKey]int)}
}

// Score evaluates every tracked metric of one aggregate, mirroring the EWMA
// scorer's update policy (dampened alpha when anomalous, streak recovery).
func (s *RobustScorer) Score(agg aggregate.WindowAggregate) []Signal {
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
				SampleCount: 1,
				LastUpdated: agg.WindowEnd,
			})
			continue
		}

		baselineMean := stat.EWMAMean
		diff := x - stat.EWMAMean
		scale := stat.EWMAVar * madScale

		var z float64
		scored := scale >= minStdDev
		if scored {
			z = diff / scale
		}

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

		stat.EWMAMean += alpha * diff
		stat.EWMAVar += alpha * (math.Abs(diff) - stat.EWMAVar)
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

func (s *RobustScorer) dampedAlpha(endpoint string, m metrics.Metric, alpha float64) float64 {
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

func (s *RobustScorer) resetStreak(endpoint string, m metrics.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streak, streakKey{endpoint, m})
}

var _ Detector = (*RobustScorer)(nil)
