package explain

import (
	"strings"
	"testing"
	"time"

	"driftwatch/internal/detect"
	"driftwatch/internal/metrics"
)

var windowEnd = time.Date(2026, 1, 10, 12, 5, 0, 0, time.UTC)

func signal(m metrics.Metric, d metrics.Direction, baseline, current, z float64) detect.Signal {
	return detect.Signal{
		Endpoint:      "/api/checkout",
		Metric:        m,
		WindowSize:    5 * time.Minute,
		WindowEnd:     windowEnd,
		BaselineValue: baseline,
		CurrentValue:  current,
		ZScore:        z,
		Direction:     d,
	}
}

func TestExplainRanksByRelativeChange(t *testing.T) {
	e := New(Bands{})
	signals := []detect.Signal{
		// +25% latency vs +400% error rate: errors rank first.
		signal(metrics.AvgLatency, metrics.DirectionIncrease, 120, 150, 3.5),
		signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.10, 6.0),
	}

	expl, _ := e.Explain("/api/checkout", signals, nil)
	if len(expl.Changed) != 2 {
		t.Fatalf("changed lines = %d, want 2", len(expl.Changed))
	}
	if expl.Changed[0].Metric != metrics.ErrorRate {
		t.Fatalf("top-ranked metric = %s, want error_rate", expl.Changed[0].Metric)
	}
	if expl.Changed[1].Metric != metrics.AvgLatency {
		t.Fatalf("second metric = %s, want avg_latency", expl.Changed[1].Metric)
	}
}

func TestSummaryPhrasing(t *testing.T) {
	e := New(Bands{})
	signals := []detect.Signal{
		signal(metrics.AvgLatency, metrics.DirectionIncrease, 120, 450, 5.5),
		signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.15, 6.0),
	}
	stable := []StableMetric{
		{Metric: metrics.RequestVolume, Baseline: 1000, Current: 1010},
	}

	expl, _ := e.Explain("/api/checkout", signals, stable)

	for _, want := range []string{
		"average latency increased 275.0% to 450.0ms (from 120.0ms)",
		"error rate rose from 2.0% to 15.0%",
		"for /api/checkout over 5m0s.",
		"Request volume remained stable.",
		"This indicates backend degradation rather than a traffic surge.",
	} {
		if !strings.Contains(expl.Summary, want) {
			t.Fatalf("summary missing %q:\n%s", want, expl.Summary)
		}
	}
}

func TestSummaryTrafficInterpretation(t *testing.T) {
	e := New(Bands{})
	signals := []detect.Signal{
		signal(metrics.AvgLatency, metrics.DirectionIncrease, 120, 300, 4.0),
		signal(metrics.RequestVolume, metrics.DirectionIncrease, 1000, 4000, 5.0),
	}

	expl, _ := e.Explain("/api/checkout", signals, nil)
	if !strings.Contains(expl.Summary, "This suggests traffic-related performance issues.") {
		t.Fatalf("summary missing traffic interpretation:\n%s", expl.Summary)
	}
}

func TestSeverityBands(t *testing.T) {
	e := New(Bands{WarnAt: 3.0, CriticalAt: 5.0})
	cases := []struct {
		z    float64
		want Severity
	}{
		{2.0, SeverityInfo},
		{3.0, SeverityWarn},
		{4.9, SeverityWarn},
		{5.0, SeverityCritical},
		{12.0, SeverityCritical},
	}
	for _, tc := range cases {
		_, sev := e.Explain("/api/checkout", []detect.Signal{
			signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.10, tc.z),
		}, nil)
		if sev != tc.want {
			t.Fatalf("z=%.1f severity = %s, want %s", tc.z, sev, tc.want)
		}
	}
}

func TestSeverityUsesMaxZ(t *testing.T) {
	e := New(Bands{WarnAt: 3.0, CriticalAt: 5.0})
	_, sev := e.Explain("/api/checkout", []detect.Signal{
		signal(metrics.AvgLatency, metrics.DirectionIncrease, 120, 150, 3.2),
		signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.30, 8.0),
	}, nil)
	if sev != SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL from the strongest signal", sev)
	}
}

func TestRecommendations(t *testing.T) {
	cases := []struct {
		name    string
		signals []detect.Signal
		want    string
	}{
		{
			"volume drop with errors",
			[]detect.Signal{
				signal(metrics.RequestVolume, metrics.DirectionDecrease, 1000, 200, 5.0),
				signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.20, 6.0),
			},
			"Check upstream routing and load balancer configuration.",
		},
		{
			"latency with errors",
			[]detect.Signal{
				signal(metrics.AvgLatency, metrics.DirectionIncrease, 120, 400, 5.0),
				signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.15, 6.0),
			},
			"Check backend and database health.",
		},
		{
			"latency with payload variance",
			[]detect.Signal{
				signal(metrics.AvgLatency, metrics.DirectionIncrease, 120, 400, 5.0),
				signal(metrics.ResponseSizeVariance, metrics.DirectionIncrease, 1e4, 9e4, 4.0),
			},
			"Check payload handling and serialization paths.",
		},
		{
			"no rule matches",
			[]detect.Signal{
				signal(metrics.ResponseSizeVariance, metrics.DirectionDecrease, 9e4, 1e3, 4.0),
			},
			fallbackRecommendation,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := recommend(tc.signals); got != tc.want {
				t.Fatalf("recommendation = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestExplainNoSignals(t *testing.T) {
	e := New(Bands{})
	expl, sev := e.Explain("/api/checkout", nil, nil)
	if sev != SeverityInfo {
		t.Fatalf("severity = %s, want INFO", sev)
	}
	if !strings.Contains(expl.Summary, "No anomalies detected") {
		t.Fatalf("summary = %q", expl.Summary)
	}
}

func TestDefaultBands(t *testing.T) {
	e := New(Bands{})
	_, sev := e.Explain("/api/checkout", []detect.Signal{
		signal(metrics.ErrorRate, metrics.DirectionIncrease, 0.02, 0.10, 5.5),
	}, nil)
	if sev != SeverityCritical {
		t.Fatalf("severity with default bands = %s, want CRITICAL", sev)
	}
}
