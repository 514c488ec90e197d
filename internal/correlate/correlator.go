// Package correlate accumulates anomaly signals per endpoint, confirming an
// alert candidate only when enough independent signals corroborate within a
// join window, and debouncing open alerts until enough consecutive healthy
// windows pass.
package correlate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"driftwatch/internal/alert"
	"driftwatch/internal/detect"
	"driftwatch/internal/metrics"
)

// State is the per-endpoint debounce machine state. Once an alert is open its
// own status (open/acknowledged/resolved) lives on the Alert; the correlator
// tracks only whether it is still collecting or already escalated.
type State string

const (
	StateHealthy   State = "healthy"
	StateCandidate State = "candidate"
	StateOpen      State = "open"
)

// Config tunes correlation behaviour.
type Config struct {
	// MinSignalCount is the minimum number of distinct anomalous metrics
	// required to confirm a candidate.
	MinSignalCount int `mapstructure:"min_signal_count"`
	// JoinTolerance is how long a signal waits for a corroborating partner
	// before it expires unconfirmed.
	JoinTolerance time.Duration `mapstructure:"join_tolerance"`
	// ResolveAfterHealthy is the number of consecutive healthy base windows
	// after which an open alert resolves.
	ResolveAfterHealthy int `mapstructure:"resolve_after_healthy"`
	// DedupBucket is the time granularity folded into the dedup key.
	DedupBucket time.Duration `mapstructure:"dedup_bucket"`
}

// Confirmation carries a confirmed or re-confirmed incident downstream.
type Confirmation struct {
	Endpoint   string
	DedupKey   string
	Signals    []detect.Signal
	WindowFrom time.Time
	WindowTo   time.Time
}

// Events receives correlation outcomes. Implemented by the pipeline service.
type Events interface {
	HandleConfirmed(conf Confirmation)
	HandleResolved(endpoint, dedupKey string)
}

type endpointState struct {
	mu            sync.Mutex
	state         State
	pending       []detect.Signal
	openKey       string
	healthyStreak int
}

func (st *endpointState) reset() {
	st.state = StateHealthy
	st.pending = nil
	st.openKey = ""
	st.healthyStreak = 0
}

// Correlator is the per-endpoint join buffer and debounce machine. Observe
// must be called in window-end order for a given endpoint; calls for
// different endpoints may interleave freely.
type Correlator struct {
	cfg        Config
	baseWindow time.Duration
	events     Events
	logger     zerolog.Logger

	// mu guards only the endpoint map; each endpointState carries its own
	// lock so confirmations on one endpoint never serialize the others.
	mu        sync.Mutex
	endpoints map[string]*endpointState

	nearMisses atomic.Int64
}

// New constructs a Correlator. baseWindow is the smallest configured window
// size; healthy streaks are counted at that granularity.
func New(cfg Config, baseWindow time.Duration, events Events, logger zerolog.Logger) *Correlator {
	if cfg.MinSignalCount <= 0 {
		cfg.MinSignalCount = 2
	}
	if cfg.ResolveAfterHealthy <= 0 {
		cfg.ResolveAfterHealthy = 3
	}
	if cfg.DedupBucket <= 0 {
		cfg.DedupBucket = time.Hour
	}
	return &Correlator{
		cfg:        cfg,
		baseWindow: baseWindow,
		events:     events,
		logger:     logger.With().Str("component", "correlator").Logger(),
		endpoints:  make(map[string]*endpointState),
	}
}

func (c *Correlator) endpointFor(endpoint string) *endpointState {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.endpoints[endpoint]
	if !ok {
		st = &endpointState{state: StateHealthy}
		c.endpoints[endpoint] = st
	}
	return st
}

// Observe folds the signals from one scored window into the endpoint's join
// buffer and advances the debounce machine. An empty signal slice is a
// healthy observation.
func (c *Correlator) Observe(endpoint string, windowSize time.Duration, windowEnd time.Time, signals []detect.Signal) {
	st := c.endpointFor(endpoint)
	st.mu.Lock()
	defer st.mu.Unlock()

	c.prune(endpoint, st, windowEnd)

	if len(signals) == 0 {
		if windowSize == c.baseWindow && st.state == StateOpen {
			st.healthyStreak++
			if st.healthyStreak >= c.cfg.ResolveAfterHealthy {
				c.events.HandleResolved(endpoint, st.openKey)
				c.logger.Info().Str("endpoint", endpoint).
					Int("healthy_windows", st.healthyStreak).
					Msg("alert resolved after sustained recovery")
				st.reset()
			}
		}
		return
	}

	st.healthyStreak = 0
	st.pending = append(st.pending, signals...)

	if st.state == StateOpen {
		// Ongoing incident: matching signals update the open alert rather
		// than opening a duplicate, and extend its window range.
		c.confirm(endpoint, st, st.openKey)
		return
	}

	distinct := distinctMetrics(st.pending)
	if len(distinct) >= c.cfg.MinSignalCount && hasCompatiblePair(st.pending) {
		key := alert.DedupKey(endpoint, distinct, windowEnd, c.cfg.DedupBucket)
		st.state = StateOpen
		st.openKey = key
		c.confirm(endpoint, st, key)
		return
	}

	st.state = StateCandidate
}

// confirm hands the buffered evidence downstream and clears the buffer; the
// evidence now lives on the alert.
func (c *Correlator) confirm(endpoint string, st *endpointState, dedupKey string) {
	signals := st.pending
	st.pending = nil

	from, to := windowRange(signals)
	c.events.HandleConfirmed(Confirmation{
		Endpoint:   endpoint,
		DedupKey:   dedupKey,
		Signals:    signals,
		WindowFrom: from,
		WindowTo:   to,
	})
}

// prune expires pending signals whose join window has passed without a
// corroborating partner. Expired lone signals are discarded, not escalated,
// and logged as near-misses.
func (c *Correlator) prune(endpoint string, st *endpointState, now time.Time) {
	if len(st.pending) == 0 || c.cfg.JoinTolerance <= 0 {
		return
	}
	cutoff := now.Add(-c.cfg.JoinTolerance)
	kept := st.pending[:0]
	for _, sig := range st.pending {
		if sig.WindowEnd.Before(cutoff) {
			c.nearMisses.Add(1)
			c.logger.Info().Str("endpoint", endpoint).
				Str("metric", string(sig.Metric)).
				Time("window_end", sig.WindowEnd).
				Float64("z_score", sig.ZScore).
				Msg("lone signal expired unconfirmed (near miss)")
			continue
		}
		kept = append(kept, sig)
	}
	st.pending = kept
	if len(st.pending) == 0 && st.state == StateCandidate {
		st.state = StateHealthy
	}
}

// Sweep expires stale pending signals on every endpoint. Observe prunes only
// the endpoint it touches, so an endpoint that goes silent after a lone
// signal would otherwise never log its near-miss; the scheduler tick calls
// Sweep to cover that case.
func (c *Correlator) Sweep(now time.Time) {
	c.mu.Lock()
	states := make(map[string]*endpointState, len(c.endpoints))
	for endpoint, st := range c.endpoints {
		states[endpoint] = st
	}
	c.mu.Unlock()

	for endpoint, st := range states {
		st.mu.Lock()
		c.prune(endpoint, st, now)
		st.mu.Unlock()
	}
}

// Reset clears correlation state for an endpoint. Called when its alert is
// resolved out of band (operator transition) so a later incident opens fresh.
func (c *Correlator) Reset(endpoint string) {
	c.mu.Lock()
	st, ok := c.endpoints[endpoint]
	c.mu.Unlock()
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.reset()
}

// StateOf reports the debounce state for an endpoint.
func (c *Correlator) StateOf(endpoint string) State {
	c.mu.Lock()
	st, ok := c.endpoints[endpoint]
	c.mu.Unlock()
	if !ok {
		return StateHealthy
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.state
}

// NearMisses returns the count of signals that expired unconfirmed.
func (c *Correlator) NearMisses() int64 {
	return c.nearMisses.Load()
}

func distinctMetrics(signals []detect.Signal) []metrics.Metric {
	seen := make(map[metrics.Metric]bool, len(signals))
	out := make([]metrics.Metric, 0, len(signals))
	for _, sig := range signals {
		if !seen[sig.Metric] {
			seen[sig.Metric] = true
			out = append(out, sig.Metric)
		}
	}
	return out
}

func windowRange(signals []detect.Signal) (from, to time.Time) {
	for _, sig := range signals {
		start := sig.WindowEnd.Add(-sig.WindowSize)
		if from.IsZero() || start.Before(from) {
			from = start
		}
		if sig.WindowEnd.After(to) {
			to = sig.WindowEnd
		}
	}
	return from, to
}
