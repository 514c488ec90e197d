// Package baseline owns the long-lived per-endpoint-per-metric statistics the
// detector scores against. All mutation goes through the detector's update
// call; nothing else writes here.
package baseline

import (
	"sync"
	"time"

	"driftwatch/internal/metrics"
)

// Stat is the exponentially weighted baseline for one (endpoint, metric) pair.
type Stat struct {
	Endpoint    string         `json:"endpoint"`
	Metric      metrics.Metric `json:"metric"`
	EWMAMean    float64        `json:"ewma_mean"`
	EWMAVar     float64        `json:"ewma_variance"`
	SampleCount int64          `json:"sample_count"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Store holds baselines addressed by (endpoint, metric). Implementations must
// be safe for concurrent use.
type Store interface {
	Get(endpoint string, metric metrics.Metric) (Stat, bool)
	Put(stat Stat)
}

type key struct {
	endpoint string
	metric   metrics.Metric
}

// MemoryStore is the in-process Store implementation.
type MemoryStore struct {
	mu    sync.RWMutex
	stats map[key]Stat
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{stats: make(map[key]Stat)}
}

// Get returns the baseline for (endpoint, metric), if one exists.
func (s *MemoryStore) Get(endpoint string, metric metrics.Metric) (Stat, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stat, ok := s.stats[key{endpoint, metric}]
	return stat, ok
}

// Put stores an updated baseline.
func (s *MemoryStore) Put(stat Stat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats[key{stat.Endpoint, stat.Metric}] = stat
}

var _ Store = (*MemoryStore)(nil)
