package alert

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"driftwatch/internal/detect"
	"driftwatch/internal/explain"
)

// Candidate is the evidence handed to the Manager when the correlator
// confirms (or re-confirms) an incident.
type Candidate struct {
	Endpoint    string
	DedupKey    string
	Signals     []detect.Signal
	WindowFrom  time.Time
	WindowTo    time.Time
	Severity    explain.Severity
	Explanation explain.Explanation
}

// Manager owns the alert lifecycle: idempotent upserts by dedup key, legal
// status transitions, and querying. It is storage-agnostic and enforces the
// at-most-one-active-alert-per-dedup-key invariant against any conforming
// Store.
type Manager struct {
	store  Store
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	degraded atomic.Bool
}

// NewManager wires a Store into a Manager.
func NewManager(store Store, logger zerolog.Logger) *Manager {
	return &Manager{
		store:  store,
		logger: logger.With().Str("component", "alert_manager").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
}

// keyLock serializes upserts per dedup key so concurrent confirmations merge
// instead of overwriting each other's signals.
func (m *Manager) keyLock(dedupKey string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[dedupKey]
	if !ok {
		l = &sync.Mutex{}
		m.locks[dedupKey] = l
	}
	return l
}

// Upsert creates an alert for the candidate's dedup key, or merges new
// signals into the existing active alert and extends its window range.
func (m *Manager) Upsert(ctx context.Context, c Candidate) (Alert, error) {
	l := m.keyLock(c.DedupKey)
	l.Lock()
	defer l.Unlock()

	existing, found, err := m.store.FindActive(ctx, c.DedupKey)
	if err != nil {
		m.markDegraded(err)
		return Alert{}, fmt.Errorf("find active alert: %w", err)
	}

	now := m.now()
	var a Alert
	if found {
		a = existing
		a.Signals = mergeSignals(a.Signals, c.Signals)
		if c.WindowFrom.Before(a.WindowFrom) {
			a.WindowFrom = c.WindowFrom
		}
		if c.WindowTo.After(a.WindowTo) {
			a.WindowTo = c.WindowTo
		}
		a.Severity = maxSeverity(a.Severity, c.Severity)
		a.Explanation = c.Explanation
		a.UpdatedAt = now
	} else {
		a = Alert{
			ID:          uuid.NewString(),
			Endpoint:    c.Endpoint,
			Severity:    c.Severity,
			Signals:     mergeSignals(nil, c.Signals),
			WindowFrom:  c.WindowFrom,
			WindowTo:    c.WindowTo,
			Explanation: c.Explanation,
			Status:      StatusOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
			DedupKey:    c.DedupKey,
		}
	}

	if err := m.store.Put(ctx, a); err != nil {
		m.markDegraded(err)
		return Alert{}, fmt.Errorf("persist alert: %w", err)
	}
	m.degraded.Store(false)

	if found {
		m.logger.Info().Str("alert_id", a.ID).Str("endpoint", a.Endpoint).
			Int("signals", len(a.Signals)).Msg("alert updated")
	} else {
		m.logger.Warn().Str("alert_id", a.ID).Str("endpoint", a.Endpoint).
			Str("severity", string(a.Severity)).Msg("alert opened")
	}
	return a, nil
}

// Get returns one alert by id.
func (m *Manager) Get(ctx context.Context, id string) (Alert, error) {
	return m.store.Get(ctx, id)
}

// List returns alerts matching the filter.
func (m *Manager) List(ctx context.Context, f Filter) ([]Alert, error) {
	return m.store.List(ctx, f)
}

// Transition moves an alert along a legal status edge. Resolved is terminal.
func (m *Manager) Transition(ctx context.Context, id string, to Status) (Alert, error) {
	if !to.Valid() {
		return Alert{}, fmt.Errorf("alert: unknown status %q", to)
	}
	// The first read only resolves the dedup key so the right lock can be
	// taken; the state that gets written back is re-read under that lock,
	// otherwise a concurrent Upsert merging signals between the read and the
	// write would be silently overwritten.
	located, err := m.store.Get(ctx, id)
	if err != nil {
		return Alert{}, err
	}

	l := m.keyLock(located.DedupKey)
	l.Lock()
	defer l.Unlock()

	a, err := m.store.Get(ctx, id)
	if err != nil {
		return Alert{}, err
	}
	if !CanTransition(a.Status, to) {
		return Alert{}, fmt.Errorf("alert: illegal transition %s -> %s", a.Status, to)
	}

	a.Status = to
	a.UpdatedAt = m.now()
	if err := m.store.Put(ctx, a); err != nil {
		m.markDegraded(err)
		return Alert{}, fmt.Errorf("persist transition: %w", err)
	}
	m.logger.Info().Str("alert_id", a.ID).Str("status", string(to)).Msg("alert transitioned")
	return a, nil
}

// ResolveActive resolves the active alert for a dedup key, if any. Used by
// the correlator once the required number of consecutive healthy windows has
// passed.
func (m *Manager) ResolveActive(ctx context.Context, dedupKey string) (Alert, bool, error) {
	a, found, err := m.store.FindActive(ctx, dedupKey)
	if err != nil {
		m.markDegraded(err)
		return Alert{}, false, err
	}
	if !found {
		return Alert{}, false, nil
	}
	resolved, err := m.Transition(ctx, a.ID, StatusResolved)
	if err != nil {
		return Alert{}, false, err
	}
	return resolved, true, nil
}

// Degraded reports whether the last persistence operation failed. While
// degraded the pipeline fails open: no new alerts, ingestion unaffected.
func (m *Manager) Degraded() bool {
	return m.degraded.Load()
}

func (m *Manager) markDegraded(err error) {
	m.degraded.Store(true)
	m.logger.Error().Err(err).Msg("alert store unavailable; pipeline failing open")
}

// mergeSignals appends new signals, skipping ones already recorded for the
// same metric and window, preserving confirmation order.
func mergeSignals(existing, incoming []detect.Signal) []detect.Signal {
	type sigKey struct {
		metric string
		end    int64
		size   time.Duration
	}
	seen := make(map[sigKey]bool, len(existing))
	merged := make([]detect.Signal, 0, len(existing)+len(incoming))
	for _, s := range existing {
		seen[sigKey{string(s.Metric), s.WindowEnd.UnixNano(), s.WindowSize}] = true
		merged = append(merged, s)
	}
	for _, s := range incoming {
		k := sigKey{string(s.Metric), s.WindowEnd.UnixNano(), s.WindowSize}
		if seen[k] {
			continue
		}
		seen[k] = true
		merged = append(merged, s)
	}
	return merged
}

var severityRank = map[explain.Severity]int{
	explain.SeverityInfo:     1,
	explain.SeverityWarn:     2,
	explain.SeverityCritical: 3,
}

func maxSeverity(a, b explain.Severity) explain.Severity {
	if severityRank[b] > severityRank[a] {
		return b
	}
	return a
}
