// Package metrics keeps bounded per-metric sample history and short-TTL rollups.
package metrics

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/vantagehq/vantage/internal/domain"
)

const (
	defaultCapacity  = 10000
	defaultRetention = 24 * time.Hour
	defaultAggTTL    = 60 * time.Second
	defaultSweep     = 5 * time.Minute
)

// ring is a fixed-capacity circular buffer of samples ordered by arrival.
type ring struct {
	samples []domain.MetricSample
	head    int
	count   int
}

func (r *ring) append(s domain.MetricSample) {
	if r.count < len(r.samples) {
		r.samples[(r.head+r.count)%len(r.samples)] = s
		r.count++
		return
	}
	// full: overwrite oldest
	r.samples[r.head] = s
	r.head = (r.head + 1) % len(r.samples)
}

func (r *ring) latest() (domain.MetricSample, bool) {
	if r.count == 0 {
		return domain.MetricSample{}, false
	}
	return r.samples[(r.head+r.count-1)%len(r.samples)], true
}

// each iterates oldest to newest.
func (r *ring) each(fn func(domain.MetricSample)) {
	for i := 0; i < r.count; i++ {
		fn(r.samples[(r.head+i)%len(r.samples)])
	}
}

// dropOlderThan evicts samples below the cutoff. Append clamps timestamps to
// keep the ring monotonic, so eviction only moves the head forward.
func (r *ring) dropOlderThan(cutoff time.Time) int {
	dropped := 0
	for r.count > 0 {
		oldest := r.samples[r.head]
		if !oldest.Timestamp.Before(cutoff) {
			break
		}
		r.head = (r.head + 1) % len(r.samples)
		r.count--
		dropped++
	}
	return dropped
}

type aggKey struct {
	metricID    string
	granularity domain.Granularity
}

type cachedAgg struct {
	agg        domain.MetricAggregation
	computedAt time.Time
}

// Store owns all metric sample history for one server instance.
type Store struct {
	mu        sync.Mutex
	capacity  int
	retention time.Duration
	aggTTL    time.Duration
	sweep     time.Duration
	series    map[string]*ring
	aggCache  map[aggKey]cachedAgg
	logger    *slog.Logger
	now       func() time.Time
}

// Option tunes a Store.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithCapacity bounds per-metric history.
func WithCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithRetention bounds sample age.
func WithRetention(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retention = d
		}
	}
}

// WithAggregationTTL sets how long computed rollups stay fresh.
func WithAggregationTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.aggTTL = d
		}
	}
}

// WithSweepInterval sets the retention sweep cadence.
func WithSweepInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.sweep = d
		}
	}
}

// NewStore builds a Store with the reference bounds.
func NewStore(logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		capacity:  defaultCapacity,
		retention: defaultRetention,
		aggTTL:    defaultAggTTL,
		sweep:     defaultSweep,
		series:    make(map[string]*ring),
		aggCache:  make(map[aggKey]cachedAgg),
		logger:    logger,
		now:       time.Now,
	}
	if s.logger != nil {
		s.logger = s.logger.With("component", "metric_store")
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a sample and returns the previous latest value for the metric.
func (s *Store) Append(sample domain.MetricSample) (prev *domain.MetricSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.series[sample.MetricID]
	if r == nil {
		r = &ring{samples: make([]domain.MetricSample, s.capacity)}
		s.series[sample.MetricID] = r
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now()
	}
	if last, ok := r.latest(); ok {
		copyLast := last
		prev = &copyLast
		// Keep rings monotonic in time so age eviction can stop at the
		// first retained sample.
		if sample.Timestamp.Before(last.Timestamp) {
			sample.Timestamp = last.Timestamp
		}
	}
	r.append(sample)
	return prev
}

// Latest returns the most recent sample for a metric.
func (s *Store) Latest(metricID string) (domain.MetricSample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.series[metricID]
	if r == nil {
		return domain.MetricSample{}, false
	}
	return r.latest()
}

// History returns a snapshot copy of samples at or after since, oldest first.
// A non-positive limit returns everything in range.
func (s *Store) History(metricID string, since time.Time, limit int) []domain.MetricSample {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.series[metricID]
	if r == nil {
		return nil
	}
	var out []domain.MetricSample
	r.each(func(sample domain.MetricSample) {
		if !since.IsZero() && sample.Timestamp.Before(since) {
			return
		}
		out = append(out, sample)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// MetricIDs lists every metric with stored history.
func (s *Store) MetricIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.series))
	for id := range s.series {
		ids = append(ids, id)
	}
	return ids
}

// Aggregate computes count/avg/min/max over the granularity window, serving a
// cached rollup when one computed within the TTL exists.
func (s *Store) Aggregate(metricID string, g domain.Granularity) (domain.MetricAggregation, bool) {
	window := g.Window()
	if window <= 0 {
		return domain.MetricAggregation{}, false
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	key := aggKey{metricID: metricID, granularity: g}
	if cached, ok := s.aggCache[key]; ok && now.Sub(cached.computedAt) < s.aggTTL {
		return cached.agg, true
	}

	r := s.series[metricID]
	if r == nil {
		return domain.MetricAggregation{}, false
	}
	cutoff := now.Add(-window)
	agg := domain.MetricAggregation{MetricID: metricID, Granularity: g, ComputedAt: now}
	var sum float64
	r.each(func(sample domain.MetricSample) {
		if sample.Timestamp.Before(cutoff) {
			return
		}
		if agg.Count == 0 || sample.Value < agg.Min {
			agg.Min = sample.Value
		}
		if agg.Count == 0 || sample.Value > agg.Max {
			agg.Max = sample.Value
		}
		sum += sample.Value
		agg.Count++
	})
	if agg.Count == 0 {
		return domain.MetricAggregation{}, false
	}
	agg.Avg = sum / float64(agg.Count)
	s.aggCache[key] = cachedAgg{agg: agg, computedAt: now}
	return agg, true
}

// Run drives the retention sweep until the context is cancelled.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictExpired()
		}
	}
}

func (s *Store) evictExpired() {
	now := s.now()
	cutoff := now.Add(-s.retention)

	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for id, r := range s.series {
		total += r.dropOlderThan(cutoff)
		if r.count == 0 {
			delete(s.series, id)
		}
	}
	for key, cached := range s.aggCache {
		if now.Sub(cached.computedAt) >= s.aggTTL {
			delete(s.aggCache, key)
		}
	}
	if total > 0 && s.logger != nil {
		s.logger.Debug("evicted expired samples", "count", total)
	}
}
