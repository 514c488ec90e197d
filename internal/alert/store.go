package alert

import (
	"context"
	"errors"
	"time"

	"driftwatch/internal/explain"
)

var (
	// ErrNotFound indicates the requested alert does not exist.
	ErrNotFound = errors.New("alert: not found")
	// ErrDuplicateOpen indicates a second active alert with the same dedup
	// key was about to be stored.
	ErrDuplicateOpen = errors.New("alert: duplicate active alert for dedup key")
)

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Endpoint string
	Severity explain.Severity
	Status   Status
	From     time.Time
	To       time.Time
	Limit    int
}

// Matches reports whether a filter admits the alert. Shared by backends so
// filtering semantics stay identical across them.
func (f Filter) Matches(a Alert) bool {
	if f.Endpoint != "" && a.Endpoint != f.Endpoint {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && a.UpdatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Store is the pluggable persistence contract. Any conforming backend
// (in-memory, relational, cache, time-series) works with the Manager; the
// Manager never depends on backend specifics.
type Store interface {
	// Put creates or replaces the alert with a.ID.
	Put(ctx context.Context, a Alert) error
	// Get returns the alert by id, or ErrNotFound.
	Get(ctx context.Context, id string) (Alert, error)
	// FindActive returns the open or acknowledged alert for a dedup key.
	FindActive(ctx context.Context, dedupKey string) (Alert, bool, error)
	// List returns alerts matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]Alert, error)
}
