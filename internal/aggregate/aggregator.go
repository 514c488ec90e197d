package aggregate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrBufferFull is returned when the bounded ingest queue rejects a record.
var ErrBufferFull = errors.New("aggregate: ingest buffer full")

// Config tunes windowing behaviour.
type Config struct {
	// Sizes lists the rolling window durations maintained per endpoint.
	Sizes []time.Duration `mapstructure:"sizes"`
	// GracePeriod is how long after a window's nominal end late records are
	// still accepted before the window is emitted.
	GracePeriod time.Duration `mapstructure:"grace_period"`
	// FlushInterval drives the window-close scheduler tick.
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	// BufferSize bounds the ingest queue; when full, newest records are rejected.
	BufferSize int `mapstructure:"buffer_size"`
	// Workers is the number of goroutines draining the ingest queue.
	Workers int `mapstructure:"workers"`
	// MaxRetained caps per-(endpoint, size) history kept for the query API.
	MaxRetained int `mapstructure:"max_retained"`
}

// Stats exposes boundary counters. Dropped records are never silent.
type Stats struct {
	LateDropped       int64 `json:"late_dropped"`
	MalformedRejected int64 `json:"malformed_rejected"`
	BufferRejected    int64 `json:"buffer_rejected"`
	Ingested          int64 `json:"ingested"`
}

// endpointShard owns all open windows for one endpoint. Shards do not share
// locks, so writers to different endpoints never block each other; writers to
// the same endpoint serialize on the shard mutex.
type endpointShard struct {
	mu sync.Mutex
	// windows[size][windowEnd.UnixNano()] -> open accumulator
	windows map[time.Duration]map[int64]*accumulator
	// emittedThrough[size] is the latest window end already emitted; records
	// mapping at or before it arrive too late and are dropped.
	emittedThrough map[time.Duration]time.Time
}

// Aggregator buckets normalized records into per-endpoint rolling windows and
// emits immutable aggregates as the wall clock passes each window boundary.
type Aggregator struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.RWMutex
	shards map[string]*endpointShard

	queue chan Record

	histMu  sync.RWMutex
	history map[string][]WindowAggregate

	lateDropped       atomic.Int64
	malformedRejected atomic.Int64
	bufferRejected    atomic.Int64
	ingested          atomic.Int64
}

// New constructs an Aggregator.
func New(cfg Config, logger zerolog.Logger) (*Aggregator, error) {
	if len(cfg.Sizes) == 0 {
		return nil, fmt.Errorf("aggregate: at least one window size is required")
	}
	for _, size := range cfg.Sizes {
		if size <= 0 {
			return nil, fmt.Errorf("aggregate: window size must be positive, got %s", size)
		}
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 512
	}
	return &Aggregator{
		cfg:     cfg,
		logger:  logger.With().Str("component", "aggregator").Logger(),
		shards:  make(map[string]*endpointShard),
		queue:   make(chan Record, cfg.BufferSize),
		history: make(map[string][]WindowAggregate),
	}, nil
}

// Ingest validates a record and places it on the bounded queue. When the
// queue is full the newest record is rejected with ErrBufferFull and counted.
func (a *Aggregator) Ingest(rec Record) error {
	if err := rec.Validate(); err != nil {
		a.malformedRejected.Add(1)
		return err
	}
	select {
	case a.queue <- rec:
		return nil
	default:
		a.bufferRejected.Add(1)
		return ErrBufferFull
	}
}

// Observe validates and folds a record synchronously, bypassing the queue.
// Used by the simulator and by callers that manage their own concurrency.
func (a *Aggregator) Observe(rec Record) error {
	if err := rec.Validate(); err != nil {
		a.malformedRejected.Add(1)
		return err
	}
	a.fold(rec)
	return nil
}

// Run drains the ingest queue with a small worker pool until ctx is done.
func (a *Aggregator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < a.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case rec := <-a.queue:
					a.fold(rec)
				}
			}
		}()
	}
	wg.Wait()
}

func (a *Aggregator) shard(endpoint string) *endpointShard {
	a.mu.RLock()
	s, ok := a.shards[endpoint]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.shards[endpoint]; ok {
		return s
	}
	s = &endpointShard{
		windows:        make(map[time.Duration]map[int64]*accumulator),
		emittedThrough: make(map[time.Duration]time.Time),
	}
	for _, size := range a.cfg.Sizes {
		s.windows[size] = make(map[int64]*accumulator)
	}
	a.shards[endpoint] = s
	return s
}

func (a *Aggregator) fold(rec Record) {
	s := a.shard(rec.Endpoint)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, size := range a.cfg.Sizes {
		end := rec.Timestamp.Truncate(size).Add(size)
		if emitted, ok := s.emittedThrough[size]; ok && !end.After(emitted) {
			// The window already closed and its aggregate is published;
			// grace period has passed for this record.
			a.lateDropped.Add(1)
			a.logger.Debug().
				Str("endpoint", rec.Endpoint).
				Dur("window", size).
				Time("window_end", end).
				Msg("late record dropped")
			continue
		}
		acc, ok := s.windows[size][end.UnixNano()]
		if !ok {
			acc = newAccumulator(rec.Endpoint, size, end)
			s.windows[size][end.UnixNano()] = acc
		}
		acc.observe(rec)
	}
	a.ingested.Add(1)
}

// Flush closes every window whose end plus the grace period has passed and
// returns the emitted aggregates ordered by endpoint, window size, and window
// end. Each closed window is removed under the shard lock before its snapshot
// is published, so an aggregate is either fully emitted or not at all.
func (a *Aggregator) Flush(now time.Time) []WindowAggregate {
	a.mu.RLock()
	shards := make(map[string]*endpointShard, len(a.shards))
	for endpoint, s := range a.shards {
		shards[endpoint] = s
	}
	a.mu.RUnlock()

	var emitted []WindowAggregate
	for _, s := range shards {
		s.mu.Lock()
		for size, open := range s.windows {
			for key, acc := range open {
				if now.Before(acc.end.Add(a.cfg.GracePeriod)) {
					continue
				}
				delete(open, key)
				if acc.end.After(s.emittedThrough[size]) {
					s.emittedThrough[size] = acc.end
				}
				emitted = append(emitted, acc.snapshot())
			}
		}
		s.mu.Unlock()
	}

	sort.Slice(emitted, func(i, j int) bool {
		if emitted[i].Endpoint != emitted[j].Endpoint {
			return emitted[i].Endpoint < emitted[j].Endpoint
		}
		if emitted[i].WindowSize != emitted[j].WindowSize {
			return emitted[i].WindowSize < emitted[j].WindowSize
		}
		return emitted[i].WindowEnd.Before(emitted[j].WindowEnd)
	})

	a.retain(emitted)
	return emitted
}

func historyKey(endpoint string, size time.Duration) string {
	return endpoint + "|" + size.String()
}

func (a *Aggregator) retain(aggs []WindowAggregate) {
	if len(aggs) == 0 {
		return
	}
	a.histMu.Lock()
	defer a.histMu.Unlock()
	for _, agg := range aggs {
		key := historyKey(agg.Endpoint, agg.WindowSize)
		series := append(a.history[key], agg)
		if overflow := len(series) - a.cfg.MaxRetained; overflow > 0 {
			series = series[overflow:]
		}
		a.history[key] = series
	}
}

// History returns retained aggregates for one endpoint and window size,
// ascending by window end. The result is a copy; callers may iterate freely.
func (a *Aggregator) History(endpoint string, size time.Duration) []WindowAggregate {
	a.histMu.RLock()
	defer a.histMu.RUnlock()
	series := a.history[historyKey(endpoint, size)]
	out := make([]WindowAggregate, len(series))
	copy(out, series)
	return out
}

// Stats returns a snapshot of the boundary counters.
func (a *Aggregator) Stats() Stats {
	return Stats{
		LateDropped:       a.lateDropped.Load(),
		MalformedRejected: a.malformedRejected.Load(),
		BufferRejected:    a.bufferRejected.Load(),
		Ingested:          a.ingested.Load(),
	}
}
