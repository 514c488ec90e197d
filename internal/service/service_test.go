package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alert"
	"driftwatch/internal/correlate"
	"driftwatch/internal/detect"
	"driftwatch/internal/explain"
	"driftwatch/internal/metrics"
)

var start = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()

	aggregator, err := aggregate.New(aggregate.Config{
		Sizes:         []time.Duration{time.Minute},
		GracePeriod:   0,
		FlushInterval: 10 * time.Second,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("aggregate.New: %v", err)
	}

	p, err := New(Options{
		Aggregator: aggregator,
		Detect: detect.Config{
			MinSamples:        5,
			DampedAlphaFactor: 0.1,
			RecoveryAfter:     50,
			Defaults:          detect.MetricParams{Alpha: 0.3, ZThreshold: 3.0},
		},
		Correlate: correlate.Config{
			MinSignalCount:      2,
			JoinTolerance:       90 * time.Second,
			ResolveAfterHealthy: 3,
			DedupBucket:         time.Hour,
		},
		Explainer: explain.New(explain.Bands{WarnAt: 3.0, CriticalAt: 5.0}),
		Manager:   alert.NewManager(alert.NewMemoryStore(), zerolog.Nop()),
		Windows:   []time.Duration{time.Minute},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

// feedWindow folds one minute of traffic: perMinute records with the given
// latency profile and errorEvery-th record failing, then ticks past the
// window boundary.
func feedWindow(t *testing.T, p *Pipeline, minute int, latency float64, errors int) {
	t.Helper()
	const perMinute = 60
	windowStart := start.Add(time.Duration(minute) * time.Minute)

	for i := 0; i < perMinute; i++ {
		status := 200
		if i < errors {
			status = 502
		}
		rec := aggregate.Record{
			Endpoint:          "/api/checkout",
			Timestamp:         windowStart.Add(time.Duration(i) * time.Second),
			LatencyMS:         latency,
			StatusCode:        status,
			ResponseSizeBytes: 2048,
		}
		if err := p.Observe(rec); err != nil {
			t.Fatalf("Observe: %v", err)
		}
	}
	if err := p.Tick(context.Background(), windowStart.Add(time.Minute)); err != nil {
		t.Fatalf("Tick: %v", err)
	}
}

// feedBaseline establishes a stable regime with mild alternation so every
// metric accrues variance past the cold-start guard.
func feedBaseline(t *testing.T, p *Pipeline, from, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		minute := from + i
		latency := 115.0
		errors := 1
		if minute%2 == 1 {
			latency = 125.0
			errors = 2
		}
		feedWindow(t, p, minute, latency, errors)
	}
}

func TestDegradationRaisesOneExplainedAlert(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feedBaseline(t, p, 0, 30)

	if alerts, _ := p.ListAlerts(ctx, alert.Filter{}); len(alerts) != 0 {
		t.Fatalf("baseline traffic raised %d alerts", len(alerts))
	}

	// Latency 120 -> 800ms and error rate ~2% -> 15%, flat volume.
	for i := 0; i < 5; i++ {
		feedWindow(t, p, 30+i, 800, 9)
	}

	alerts, err := p.ListAlerts(ctx, alert.Filter{})
	if err != nil {
		t.Fatalf("ListAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want exactly 1 (dedup across degraded windows)", len(alerts))
	}

	a := alerts[0]
	if a.Endpoint != "/api/checkout" {
		t.Fatalf("endpoint = %s", a.Endpoint)
	}
	if a.Status != alert.StatusOpen {
		t.Fatalf("status = %s, want open", a.Status)
	}
	if a.Severity != explain.SeverityCritical {
		t.Fatalf("severity = %s, want CRITICAL", a.Severity)
	}

	got := make(map[metrics.Metric]bool)
	for _, sig := range a.Signals {
		got[sig.Metric] = true
	}
	if !got[metrics.AvgLatency] || !got[metrics.ErrorRate] {
		t.Fatalf("flagged metrics = %v, want avg_latency and error_rate", got)
	}
	if got[metrics.RequestVolume] {
		t.Fatal("flat volume must not be flagged")
	}

	if !strings.Contains(a.Explanation.Summary, "/api/checkout") {
		t.Fatalf("summary missing endpoint:\n%s", a.Explanation.Summary)
	}
	if !strings.Contains(a.Explanation.Summary, "error rate rose") {
		t.Fatalf("summary missing error-rate phrasing:\n%s", a.Explanation.Summary)
	}
	var stableVolume bool
	for _, s := range a.Explanation.Stable {
		if s.Metric == metrics.RequestVolume {
			stableVolume = true
		}
	}
	if !stableVolume {
		t.Fatal("explanation must list request volume as stable")
	}
	if a.Explanation.Recommendation != "Check backend and database health." {
		t.Fatalf("recommendation = %q", a.Explanation.Recommendation)
	}
}

func TestRecoveryAutoResolves(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feedBaseline(t, p, 0, 30)
	for i := 0; i < 3; i++ {
		feedWindow(t, p, 30+i, 800, 9)
	}

	alerts, _ := p.ListAlerts(ctx, alert.Filter{})
	if len(alerts) != 1 || alerts[0].Status != alert.StatusOpen {
		t.Fatalf("expected one open alert, got %+v", alerts)
	}

	// Recovery: back to the old regime. Two healthy windows are not enough.
	feedBaseline(t, p, 33, 2)
	alerts, _ = p.ListAlerts(ctx, alert.Filter{})
	if alerts[0].Status != alert.StatusOpen {
		t.Fatalf("status after 2 healthy windows = %s, want still open", alerts[0].Status)
	}

	feedBaseline(t, p, 35, 1)
	alerts, _ = p.ListAlerts(ctx, alert.Filter{})
	if alerts[0].Status != alert.StatusResolved {
		t.Fatalf("status after 3 healthy windows = %s, want resolved", alerts[0].Status)
	}
}

func TestOperatorTransitionResetsCorrelator(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feedBaseline(t, p, 0, 30)
	feedWindow(t, p, 30, 800, 9)

	alerts, _ := p.ListAlerts(ctx, alert.Filter{})
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	id := alerts[0].ID

	acked, err := p.TransitionAlert(ctx, id, alert.StatusAcknowledged)
	if err != nil || acked.Status != alert.StatusAcknowledged {
		t.Fatalf("acknowledge: %+v, %v", acked, err)
	}

	// Acknowledged still counts as active: ongoing evidence merges in.
	feedWindow(t, p, 31, 800, 9)
	alerts, _ = p.ListAlerts(ctx, alert.Filter{})
	if len(alerts) != 1 {
		t.Fatalf("acknowledged alert duplicated: %d alerts", len(alerts))
	}

	resolved, err := p.TransitionAlert(ctx, id, alert.StatusResolved)
	if err != nil || resolved.Status != alert.StatusResolved {
		t.Fatalf("resolve: %+v, %v", resolved, err)
	}

	// Degradation persists after the operator resolved: a fresh alert opens
	// because the correlator state was cleared.
	feedWindow(t, p, 32, 800, 9)
	alerts, _ = p.ListAlerts(ctx, alert.Filter{Status: alert.StatusOpen})
	if len(alerts) != 1 {
		t.Fatalf("got %d open alerts after reset, want 1", len(alerts))
	}
	if alerts[0].ID == id {
		t.Fatal("new incident reused the resolved alert")
	}
}

func TestIllegalTransitionRejected(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	feedBaseline(t, p, 0, 30)
	feedWindow(t, p, 30, 800, 9)

	alerts, _ := p.ListAlerts(ctx, alert.Filter{})
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	id := alerts[0].ID

	if _, err := p.TransitionAlert(ctx, id, alert.StatusResolved); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := p.TransitionAlert(ctx, id, alert.StatusAcknowledged); err == nil {
		t.Fatal("resolved -> acknowledged must be rejected")
	}
}

func TestHealthSnapshot(t *testing.T) {
	p := newTestPipeline(t)

	if err := p.Observe(aggregate.Record{
		Endpoint: "/api/checkout", Timestamp: start, LatencyMS: 100, StatusCode: 200,
	}); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	h := p.HealthSnapshot()
	if h.Degraded {
		t.Fatal("fresh pipeline must not be degraded")
	}
	if h.Aggregator.Ingested != 1 {
		t.Fatalf("ingested = %d, want 1", h.Aggregator.Ingested)
	}
}

func TestAggregatesExposeHistory(t *testing.T) {
	p := newTestPipeline(t)

	feedBaseline(t, p, 0, 3)
	history := p.Aggregates("/api/checkout", time.Minute)
	if len(history) != 3 {
		t.Fatalf("history = %d aggregates, want 3", len(history))
	}
	if history[0].RequestVolume != 60 {
		t.Fatalf("window volume = %d, want 60", history[0].RequestVolume)
	}
}
