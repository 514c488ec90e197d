package aggregate

import (
	"fmt"
	"time"
)

// Record is a normalized request record as produced by the record normalizer.
// It is immutable: produced once, consumed by the aggregator only.
type Record struct {
	Endpoint          string    `json:"endpoint"`
	Timestamp         time.Time `json:"timestamp"`
	LatencyMS         float64   `json:"latency_ms"`
	StatusCode        int       `json:"status_code"`
	ResponseSizeBytes int64     `json:"response_size_bytes"`
	RequestID         string    `json:"request_id"`
}

// Validate rejects malformed or out-of-range records at the ingestion boundary.
func (r Record) Validate() error {
	if r.Endpoint == "" {
		return fmt.Errorf("record: endpoint is required")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record: timestamp is required")
	}
	if r.LatencyMS < 0 {
		return fmt.Errorf("record: latency_ms must be non-negative, got %.2f", r.LatencyMS)
	}
	if r.StatusCode < 100 || r.StatusCode > 599 {
		return fmt.Errorf("record: status_code %d out of range", r.StatusCode)
	}
	if r.ResponseSizeBytes < 0 {
		return fmt.Errorf("record: response_size_bytes must be non-negative, got %d", r.ResponseSizeBytes)
	}
	return nil
}

// IsError reports whether the record counts toward the window error rate.
func (r Record) IsError() bool {
	return r.StatusCode >= 500
}
