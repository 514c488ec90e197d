package aggregate

import (
	"time"
)

// WindowAggregate is the rollup of all records that fell into one
// (endpoint, window size, window end) bucket. It is emitted exactly once when
// the window closes and never mutated afterwards.
type WindowAggregate struct {
	Endpoint             string        `json:"endpoint"`
	WindowSize           time.Duration `json:"window_size"`
	WindowEnd            time.Time     `json:"window_end"`
	AvgLatency           float64       `json:"avg_latency"`
	P95Latency           float64       `json:"p95_latency"`
	ErrorRate            float64       `json:"error_rate"`
	RequestVolume        int64         `json:"request_volume"`
	ResponseSizeVariance float64       `json:"response_size_variance"`
	SampleCount          int64         `json:"sample_count"`
}

// accumulator holds the running state of one open window. Access is
// serialized by the owning shard's lock.
type accumulator struct {
	endpoint string
	size     time.Duration
	end      time.Time

	count      int64
	errors     int64
	latencySum float64
	sizeSum    float64
	sizeSumSq  float64
	p95        *psquare
}

func newAccumulator(endpoint string, size time.Duration, end time.Time) *accumulator {
	return &accumulator{
		endpoint: endpoint,
		size:     size,
		end:      end,
		p95:      newPSquare(0.95),
	}
}

func (a *accumulator) observe(rec Record) {
	a.count++
	if rec.IsError() {
		a.errors++
	}
	a.latencySum += rec.LatencyMS
	size := float64(rec.ResponseSizeBytes)
	a.sizeSum += size
	a.sizeSumSq += size * size
	a.p95.Observe(rec.LatencyMS)
}

// snapshot builds the immutable aggregate for emission. The accumulator is
// discarded afterwards, never reset and reused.
func (a *accumulator) snapshot() WindowAggregate {
	agg := WindowAggregate{
		Endpoint:      a.endpoint,
		WindowSize:    a.size,
		WindowEnd:     a.end,
		RequestVolume: a.count,
		SampleCount:   a.count,
	}
	if a.count == 0 {
		return agg
	}
	n := float64(a.count)
	agg.AvgLatency = a.latencySum / n
	agg.ErrorRate = float64(a.errors) / n
	agg.P95Latency = a.p95.Quantile()

	// Population variance of response sizes: E[x²] - E[x]².
	mean := a.sizeSum / n
	variance := a.sizeSumSq/n - mean*mean
	if variance < 0 {
		variance = 0
	}
	agg.ResponseSizeVariance = variance
	return agg
}
