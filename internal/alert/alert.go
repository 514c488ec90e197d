// Package alert holds the alert model and the lifecycle manager that
// deduplicates, persists, and exposes alerts over a pluggable store.
package alert

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"driftwatch/internal/detect"
	"driftwatch/internal/explain"
	"driftwatch/internal/metrics"
)

// Status is the lifecycle state of an alert.
type Status string

const (
	StatusOpen         Status = "open"
	StatusAcknowledged Status = "acknowledged"
	StatusResolved     Status = "resolved"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Active reports whether an alert in this status still counts against the
// at-most-one-open-per-dedup-key invariant.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusAcknowledged
}

// legalTransitions enumerates the allowed status edges. Resolved is terminal;
// reopening the same cause creates a new alert with a new id.
var legalTransitions = map[Status][]Status{
	StatusOpen:         {StatusAcknowledged, StatusResolved},
	StatusAcknowledged: {StatusResolved},
	StatusResolved:     {},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Alert is one confirmed degradation incident. Signals are kept in the order
// they were confirmed; WindowFrom/WindowTo span the evidence windows.
type Alert struct {
	ID          string              `json:"id"`
	Endpoint    string              `json:"endpoint"`
	Severity    explain.Severity    `json:"severity"`
	Signals     []detect.Signal     `json:"signals"`
	WindowFrom  time.Time           `json:"window_from"`
	WindowTo    time.Time           `json:"window_to"`
	Explanation explain.Explanation `json:"explanation"`
	Status      Status              `json:"status"`
	CreatedAt   time.Time           `json:"created_at"`
	UpdatedAt   time.Time           `json:"updated_at"`
	DedupKey    string              `json:"dedup_key"`
}

// DedupKey collapses repeated evidence of the same cause into one identity:
// a hash of the endpoint, the sorted metric set, and the time bucket the
// incident started in.
func DedupKey(endpoint string, flagged []metrics.Metric, windowEnd time.Time, bucket time.Duration) string {
	names := make([]string, 0, len(flagged))
	seen := make(map[metrics.Metric]bool, len(flagged))
	for _, m := range flagged {
		if !seen[m] {
			seen[m] = true
			names = append(names, string(m))
		}
	}
	sort.Strings(names)

	if bucket <= 0 {
		bucket = time.Hour
	}
	material := fmt.Sprintf("%s|%s|%d", endpoint, strings.Join(names, ","), windowEnd.Truncate(bucket).Unix())
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:8])
}
