package correlate

import (
	"driftwatch/internal/detect"
	"driftwatch/internal/metrics"
)

// confound names a signal pair that a single known cause explains, so the
// pair does not count as independent corroboration. An empty direction
// matches either direction.
type confound struct {
	a    metrics.Metric
	aDir metrics.Direction
	b    metrics.Metric
	bDir metrics.Direction
}

// confounds is the compatibility rule table. Not every 2-signal combination
// is equal evidence: the latency family moves together by construction, and a
// traffic spike alone is expected to push latency up.
var confounds = []confound{
	// avg and p95 latency share the same underlying distribution.
	{a: metrics.AvgLatency, b: metrics.P95Latency},
	// Load-driven latency: a volume spike explains a latency rise.
	{a: metrics.RequestVolume, aDir: metrics.DirectionIncrease, b: metrics.AvgLatency, bDir: metrics.DirectionIncrease},
	{a: metrics.RequestVolume, aDir: metrics.DirectionIncrease, b: metrics.P95Latency, bDir: metrics.DirectionIncrease},
}

// Compatible reports whether two signals corroborate each other: distinct
// metrics not explained away by a single confound.
func Compatible(x, y detect.Signal) bool {
	if x.Metric == y.Metric {
		return false
	}
	for _, c := range confounds {
		if pairMatches(c, x, y) || pairMatches(c, y, x) {
			return false
		}
	}
	return true
}

func pairMatches(c confound, x, y detect.Signal) bool {
	if x.Metric != c.a || y.Metric != c.b {
		return false
	}
	if c.aDir != "" && x.Direction != c.aDir {
		return false
	}
	if c.bDir != "" && y.Direction != c.bDir {
		return false
	}
	return true
}

// hasCompatiblePair scans the pending signals for at least one corroborating
// pair.
func hasCompatiblePair(signals []detect.Signal) bool {
	for i := 0; i < len(signals); i++ {
		for j := i + 1; j < len(signals); j++ {
			if Compatible(signals[i], signals[j]) {
				return true
			}
		}
	}
	return false
}
