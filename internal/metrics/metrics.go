package metrics

// Metric identifies one tracked per-window statistic.
type Metric string

const (
	AvgLatency           Metric = "avg_latency"
	P95Latency           Metric = "p95_latency"
	ErrorRate            Metric = "error_rate"
	RequestVolume        Metric = "request_volume"
	ResponseSizeVariance Metric = "response_size_variance"
)

// Direction records which way an observation moved relative to its baseline.
type Direction string

const (
	DirectionIncrease Direction = "increase"
	DirectionDecrease Direction = "decrease"
)

// All lists every tracked metric in canonical order. The order matters for
// dedup-key hashing and explanation rendering, so keep it fixed.
var All = []Metric{AvgLatency, P95Latency, ErrorRate, RequestVolume, ResponseSizeVariance}

var readable = map[Metric]string{
	AvgLatency:           "average latency",
	P95Latency:           "p95 latency",
	ErrorRate:            "error rate",
	RequestVolume:        "request volume",
	ResponseSizeVariance: "response size variance",
}

// Readable returns a human name for a metric, for explanation text.
func (m Metric) Readable() string {
	if name, ok := readable[m]; ok {
		return name
	}
	return string(m)
}

// Valid reports whether m is a tracked metric.
func (m Metric) Valid() bool {
	_, ok := readable[m]
	return ok
}

// flaggable enumerates, per metric, the deviation directions that are worth
// signalling. An error-rate decrease is never bad news; a latency decrease is
// not evidence of degradation either. Volume and payload-variance shifts are
// suspicious in both directions.
var flaggable = map[Metric]map[Direction]bool{
	AvgLatency:           {DirectionIncrease: true},
	P95Latency:           {DirectionIncrease: true},
	ErrorRate:            {DirectionIncrease: true},
	RequestVolume:        {DirectionIncrease: true, DirectionDecrease: true},
	ResponseSizeVariance: {DirectionIncrease: true, DirectionDecrease: true},
}

// Flaggable reports whether a deviation of metric m in direction d should be
// emitted as an anomaly signal.
func Flaggable(m Metric, d Direction) bool {
	dirs, ok := flaggable[m]
	return ok && dirs[d]
}

// DirectionOf classifies the sign of a baseline deviation.
func DirectionOf(current, baseline float64) Direction {
	if current < baseline {
		return DirectionDecrease
	}
	return DirectionIncrease
}
