// Package service wires the detection pipeline together: aggregator output
// flows through detection, correlation, and explanation into the alert
// lifecycle, ordered per endpoint by window end.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/aggregate"
	"driftwatch/internal/alert"
	"driftwatch/internal/alerting"
	"driftwatch/internal/baseline"
	"driftwatch/internal/correlate"
	"driftwatch/internal/detect"
	"driftwatch/internal/explain"
	"driftwatch/internal/metrics"
	"driftwatch/internal/scheduler"
)

// stage pairs one window size with its own baseline store and detector, so
// 1m and 15m rollups never contaminate each other's statistics.
type stage struct {
	store    baseline.Store
	detector detect.Detector
}

// Options configure pipeline construction.
type Options struct {
	Aggregator *aggregate.Aggregator
	Detect     detect.Config
	Correlate  correlate.Config
	Explainer  *explain.Explainer
	Manager    *alert.Manager
	Sink       alerting.Sink
	Scheduler  *scheduler.Scheduler
	Windows    []time.Duration
	SinkTTL    time.Duration
}

// Pipeline is the end-to-end detection service.
type Pipeline struct {
	aggregator *aggregate.Aggregator
	stages     map[time.Duration]*stage
	correlator *correlate.Correlator
	explainer  *explain.Explainer
	manager    *alert.Manager
	sink       alerting.Sink
	sched      *scheduler.Scheduler
	logger     zerolog.Logger
	sinkTTL    time.Duration

	mu      sync.Mutex
	lastAgg map[string]aggregate.WindowAggregate

	runCtx context.Context
}

// New constructs the pipeline.
func New(opts Options, logger zerolog.Logger) (*Pipeline, error) {
	if opts.Aggregator == nil {
		return nil, fmt.Errorf("service: aggregator is required")
	}
	if opts.Manager == nil {
		return nil, fmt.Errorf("service: alert manager is required")
	}
	if len(opts.Windows) == 0 {
		return nil, fmt.Errorf("service: at least one window size is required")
	}
	if opts.Explainer == nil {
		opts.Explainer = explain.New(explain.Bands{})
	}
	if opts.SinkTTL <= 0 {
		opts.SinkTTL = 30 * time.Second
	}

	p := &Pipeline{
		aggregator: opts.Aggregator,
		stages:     make(map[time.Duration]*stage, len(opts.Windows)),
		explainer:  opts.Explainer,
		manager:    opts.Manager,
		sink:       opts.Sink,
		sched:      opts.Scheduler,
		logger:     logger.With().Str("component", "pipeline").Logger(),
		sinkTTL:    opts.SinkTTL,
		lastAgg:    make(map[string]aggregate.WindowAggregate),
		runCtx:     context.Background(),
	}

	base := opts.Windows[0]
	for _, size := range opts.Windows {
		if size < base {
			base = size
		}
		store := baseline.NewMemoryStore()
		detector, err := detect.New(opts.Detect, store)
		if err != nil {
			return nil, err
		}
		p.stages[size] = &stage{store: store, detector: detector}
	}

	p.correlator = correlate.New(opts.Correlate, base, p, logger)
	return p, nil
}

// Ingest places one normalized record on the bounded ingest queue.
func (p *Pipeline) Ingest(rec aggregate.Record) error {
	return p.aggregator.Ingest(rec)
}

// Observe folds one record synchronously, bypassing the queue. Simulation and
// test path.
func (p *Pipeline) Observe(rec aggregate.Record) error {
	return p.aggregator.Observe(rec)
}

// Run blocks, draining the ingest queue and ticking window closes until ctx
// is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	if p.sched == nil {
		return fmt.Errorf("service: scheduler not configured")
	}
	p.runCtx = ctx
	go p.aggregator.Run(ctx)
	return p.sched.Run(ctx, p.Tick)
}

// Tick closes all due windows and pushes the emitted aggregates through
// detection and correlation. Endpoints are processed in parallel; windows of
// a single endpoint stay in window-end order because EWMA updates and dedup
// are order-sensitive.
func (p *Pipeline) Tick(ctx context.Context, now time.Time) error {
	p.runCtx = ctx
	emitted := p.aggregator.Flush(now)

	byEndpoint := make(map[string][]aggregate.WindowAggregate)
	for _, agg := range emitted {
		byEndpoint[agg.Endpoint] = append(byEndpoint[agg.Endpoint], agg)
	}

	var wg sync.WaitGroup
	for endpoint, aggs := range byEndpoint {
		wg.Add(1)
		go func(endpoint string, aggs []aggregate.WindowAggregate) {
			defer wg.Done()
			p.processEndpoint(endpoint, aggs)
		}(endpoint, aggs)
	}
	wg.Wait()

	// Sweep after the emitted windows have been observed so a corroborating
	// partner from this tick is never expired out from under them.
	p.correlator.Sweep(now)
	return nil
}

func (p *Pipeline) processEndpoint(endpoint string, aggs []aggregate.WindowAggregate) {
	sort.Slice(aggs, func(i, j int) bool {
		if !aggs[i].WindowEnd.Equal(aggs[j].WindowEnd) {
			return aggs[i].WindowEnd.Before(aggs[j].WindowEnd)
		}
		return aggs[i].WindowSize < aggs[j].WindowSize
	})

	for _, agg := range aggs {
		st, ok := p.stages[agg.WindowSize]
		if !ok {
			continue
		}
		signals := st.detector.Score(agg)

		p.mu.Lock()
		p.lastAgg[endpoint] = agg
		p.mu.Unlock()

		p.correlator.Observe(endpoint, agg.WindowSize, agg.WindowEnd, signals)
	}
}

// HandleConfirmed receives a confirmed or re-confirmed incident from the
// correlator, renders its explanation, upserts the alert, and pushes it to
// the sink. A persistence failure fails open: logged, no alert raised,
// ingestion unaffected.
func (p *Pipeline) HandleConfirmed(conf correlate.Confirmation) {
	expl, severity := p.explainer.Explain(conf.Endpoint, conf.Signals, p.stableMetrics(conf))

	a, err := p.manager.Upsert(p.runCtx, alert.Candidate{
		Endpoint:    conf.Endpoint,
		DedupKey:    conf.DedupKey,
		Signals:     conf.Signals,
		WindowFrom:  conf.WindowFrom,
		WindowTo:    conf.WindowTo,
		Severity:    severity,
		Explanation: expl,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("endpoint", conf.Endpoint).Msg("alert upsert failed; failing open")
		return
	}
	p.dispatch(a)
}

// HandleResolved resolves the active alert once enough consecutive healthy
// windows have passed.
func (p *Pipeline) HandleResolved(endpoint, dedupKey string) {
	a, found, err := p.manager.ResolveActive(p.runCtx, dedupKey)
	if err != nil {
		p.logger.Error().Err(err).Str("endpoint", endpoint).Msg("auto-resolve failed")
		return
	}
	if found {
		p.dispatch(a)
	}
}

// stableMetrics gathers the tracked metrics that stayed within threshold,
// with their current and baseline values, so the explanation can rule out
// broad causes.
func (p *Pipeline) stableMetrics(conf correlate.Confirmation) []explain.StableMetric {
	flagged := make(map[metrics.Metric]bool, len(conf.Signals))
	for _, sig := range conf.Signals {
		flagged[sig.Metric] = true
	}

	p.mu.Lock()
	agg, ok := p.lastAgg[conf.Endpoint]
	p.mu.Unlock()
	if !ok {
		return nil
	}
	st, ok := p.stages[agg.WindowSize]
	if !ok {
		return nil
	}

	var stable []explain.StableMetric
	for _, m := range metrics.All {
		if flagged[m] {
			continue
		}
		stat, ok := st.store.Get(conf.Endpoint, m)
		if !ok {
			continue
		}
		stable = append(stable, explain.StableMetric{
			Metric:   m,
			Baseline: stat.EWMAMean,
			Current:  metricFromAggregate(agg, m),
		})
	}
	return stable
}

// dispatch pushes the alert with its rendered explanation to the sink.
// Delivery failure never affects persisted alert state.
func (p *Pipeline) dispatch(a alert.Alert) {
	if p.sink == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.sinkTTL)
		defer cancel()
		if err := p.sink.Deliver(ctx, a); err != nil {
			p.logger.Error().Err(err).Str("alert_id", a.ID).Msg("sink delivery failed; alert state unaffected")
		}
	}()
}

// Aggregates exposes retained rollups for the query API.
func (p *Pipeline) Aggregates(endpoint string, size time.Duration) []aggregate.WindowAggregate {
	return p.aggregator.History(endpoint, size)
}

// GetAlert returns one alert by id.
func (p *Pipeline) GetAlert(ctx context.Context, id string) (alert.Alert, error) {
	return p.manager.Get(ctx, id)
}

// ListAlerts returns alerts matching the filter.
func (p *Pipeline) ListAlerts(ctx context.Context, f alert.Filter) ([]alert.Alert, error) {
	return p.manager.List(ctx, f)
}

// TransitionAlert moves an alert along a legal lifecycle edge, clearing the
// correlator state when an operator resolves it so a later incident opens a
// fresh alert.
func (p *Pipeline) TransitionAlert(ctx context.Context, id string, to alert.Status) (alert.Alert, error) {
	a, err := p.manager.Transition(ctx, id, to)
	if err != nil {
		return alert.Alert{}, err
	}
	if to == alert.StatusResolved {
		p.correlator.Reset(a.Endpoint)
	}
	return a, nil
}

// Health summarizes pipeline state for the health endpoint.
type Health struct {
	Degraded   bool            `json:"degraded"`
	Aggregator aggregate.Stats `json:"aggregator"`
	NearMisses int64           `json:"near_misses"`
}

// HealthSnapshot reports degraded mode and boundary counters.
func (p *Pipeline) HealthSnapshot() Health {
	return Health{
		Degraded:   p.manager.Degraded(),
		Aggregator: p.aggregator.Stats(),
		NearMisses: p.correlator.NearMisses(),
	}
}

func metricFromAggregate(agg aggregate.WindowAggregate, m metrics.Metric) float64 {
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

var _ correlate.Events = (*Pipeline)(nil)
