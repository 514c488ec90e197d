// Package explain renders a confirmed alert's evidence into a structured
// explanation plus a natural-language summary. Rendering is a pure function
// of the ranked signals and the recommendation rule table.
package explain

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"driftwatch/internal/detect"
	"driftwatch/internal/metrics"
)

// Severity classifies an alert by the magnitude of its strongest signal.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarn     Severity = "WARN"
	SeverityCritical Severity = "CRITICAL"
)

// Bands maps the maximum |z-score| among an alert's signals to a severity.
type Bands struct {
	WarnAt     float64 `mapstructure:"warn_at"`
	CriticalAt float64 `mapstructure:"critical_at"`
}

// EvidenceLine is one "what changed" entry: a flagged metric with its
// baseline-to-current movement.
type EvidenceLine struct {
	Metric    metrics.Metric    `json:"metric"`
	Direction metrics.Direction `json:"direction"`
	Baseline  float64           `json:"baseline"`
	Current   float64           `json:"current"`
	PctDelta  float64           `json:"pct_delta"`
	ZScore    float64           `json:"z_score"`
}

// StableLine is one "what stayed stable" entry: a tracked metric that stayed
// within threshold, listed to rule out broad causes like a traffic surge.
type StableLine struct {
	Metric   metrics.Metric `json:"metric"`
	Baseline float64        `json:"baseline"`
	Current  float64        `json:"current"`
}

// StableMetric is the caller-supplied view of an unflagged metric.
type StableMetric struct {
	Metric   metrics.Metric
	Baseline float64
	Current  float64
}

// Explanation is the rendered evidence attached to an alert.
type Explanation struct {
	Summary        string         `json:"summary"`
	Changed        []EvidenceLine `json:"changed"`
	Stable         []StableLine   `json:"stable"`
	Recommendation string         `json:"recommendation"`
}

// Explainer turns signals into explanations using configured severity bands.
type Explainer struct {
	bands Bands
}

// New constructs an Explainer.
func New(bands Bands) *Explainer {
	if bands.WarnAt == 0 {
		bands.WarnAt = 3.0
	}
	if bands.CriticalAt == 0 {
		bands.CriticalAt = 5.0
	}
	return &Explainer{bands: bands}
}

// Explain ranks the signals by relative magnitude of change and renders the
// evidence sections, summary, and recommendation. It also derives severity
// from the maximum |z-score|.
func (e *Explainer) Explain(endpoint string, signals []detect.Signal, stable []StableMetric) (Explanation, Severity) {
	ranked := make([]detect.Signal, len(signals))
	copy(ranked, signals)
	sort.SliceStable(ranked, func(i, j int) bool {
		return math.Abs(pctDelta(ranked[i])) > math.Abs(pctDelta(ranked[j]))
	})

	expl := Explanation{
		Changed: make([]EvidenceLine, 0, len(ranked)),
		Stable:  make([]StableLine, 0, len(stable)),
	}
	maxZ := 0.0
	for _, sig := range ranked {
		if z := math.Abs(sig.ZScore); z > maxZ {
			maxZ = z
		}
		expl.Changed = append(expl.Changed, EvidenceLine{
			Metric:    sig.Metric,
			Direction: sig.Direction,
			Baseline:  sig.BaselineValue,
			Current:   sig.CurrentValue,
			PctDelta:  pctDelta(sig),
			ZScore:    sig.ZScore,
		})
	}
	for _, s := range stable {
		expl.Stable = append(expl.Stable, StableLine{Metric: s.Metric, Baseline: s.Baseline, Current: s.Current})
	}

	expl.Summary = summarize(endpoint, ranked, expl.Stable)
	expl.Recommendation = recommend(ranked)

	return expl, e.severity(maxZ)
}

func (e *Explainer) severity(maxZ float64) Severity {
	switch {
	case maxZ >= e.bands.CriticalAt:
		return SeverityCritical
	case maxZ >= e.bands.WarnAt:
		return SeverityWarn
	default:
		return SeverityInfo
	}
}

func pctDelta(sig detect.Signal) float64 {
	if sig.BaselineValue == 0 {
		// No meaningful relative delta; fall back to the z magnitude so the
		// signal still ranks above untouched metrics.
		return sig.ZScore * 100
	}
	return (sig.CurrentValue - sig.BaselineValue) / sig.BaselineValue * 100
}

// summarize builds the narrative sentence: latency movements first, then
// error rate, volume, and payload variance, closing with the stable metrics
// and a pattern interpretation.
func summarize(endpoint string, ranked []detect.Signal, stable []StableLine) string {
	if len(ranked) == 0 {
		return fmt.Sprintf("No anomalies detected for %s.", endpoint)
	}

	bySet := make(map[metrics.Metric]detect.Signal, len(ranked))
	for _, sig := range ranked {
		if _, seen := bySet[sig.Metric]; !seen {
			bySet[sig.Metric] = sig
		}
	}

	var parts []string
	for _, m := range []metrics.Metric{metrics.AvgLatency, metrics.P95Latency} {
		if sig, ok := bySet[m]; ok {
			parts = append(parts, fmt.Sprintf("%s %s %.1f%% to %.1fms (from %.1fms)",
				m.Readable(), verb(sig), math.Abs(pctDelta(sig)), sig.CurrentValue, sig.BaselineValue))
		}
	}
	if sig, ok := bySet[metrics.ErrorRate]; ok {
		parts = append(parts, fmt.Sprintf("error rate %s from %.1f%% to %.1f%%",
			riseFall(sig), sig.BaselineValue*100, sig.CurrentValue*100))
	}
	if sig, ok := bySet[metrics.RequestVolume]; ok {
		parts = append(parts, fmt.Sprintf("request volume %s %.1f%% to %d (from %.1f)",
			verb(sig), math.Abs(pctDelta(sig)), int64(sig.CurrentValue), sig.BaselineValue))
	}
	if sig, ok := bySet[metrics.ResponseSizeVariance]; ok {
		parts = append(parts, fmt.Sprintf("response size variance %s %.1f%%",
			verb(sig), math.Abs(pctDelta(sig))))
	}

	window := ranked[0].WindowSize
	summary := fmt.Sprintf("%s for %s over %s.", strings.Join(parts, " and "), endpoint, window)

	if len(stable) > 0 {
		names := make([]string, 0, len(stable))
		for _, s := range stable {
			names = append(names, s.Metric.Readable())
		}
		summary += " " + capitalize(joinAnd(names)) + " remained stable."
	}

	if interp := interpret(bySet); interp != "" {
		summary += " " + interp
	}
	return summary
}

// interpret adds the pattern reading used by on-call runbooks.
func interpret(bySet map[metrics.Metric]detect.Signal) string {
	_, latency := bySet[metrics.AvgLatency]
	if !latency {
		_, latency = bySet[metrics.P95Latency]
	}
	_, errRate := bySet[metrics.ErrorRate]
	_, volume := bySet[metrics.RequestVolume]

	switch {
	case latency && errRate && !volume:
		return "This indicates backend degradation rather than a traffic surge."
	case latency && volume && !errRate:
		return "This suggests traffic-related performance issues."
	case errRate && !volume:
		return "This points to service reliability problems."
	}
	return ""
}

func verb(sig detect.Signal) string {
	if sig.Direction == metrics.DirectionDecrease {
		return "decreased"
	}
	return "increased"
}

func riseFall(sig detect.Signal) string {
	if sig.Direction == metrics.DirectionDecrease {
		return "fell"
	}
	return "rose"
}

func joinAnd(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
