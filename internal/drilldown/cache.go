package drilldown

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/vantagehq/vantage/internal/domain"
)

const (
	defaultResultTTL  = 5 * time.Minute
	defaultCacheSweep = time.Minute
)

// cacheEntry holds one computed result plus bookkeeping.
type cacheEntry struct {
	result    domain.DrillDownResult
	createdAt time.Time
	expiresAt time.Time
	hits      int64
}

// ResultCache is a TTL cache of computed drill-down results keyed by the
// normalized context. Expiry is checked on read as well as by the sweep, so
// a stale entry is never served.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time
}

// CacheStats summarizes cache state for diagnostics.
type CacheStats struct {
	Entries int   `json:"entries"`
	Hits    int64 `json:"hits"`
}

// NewResultCache builds a cache with the reference TTL.
func NewResultCache(ttl, sweep time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = defaultResultTTL
	}
	if sweep <= 0 {
		sweep = defaultCacheSweep
	}
	return &ResultCache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		sweep:   sweep,
		now:     time.Now,
	}
}

// SetClock injects a clock for tests.
func (c *ResultCache) SetClock(now func() time.Time) { c.now = now }

// ContextKey derives the deterministic cache key for a context: a stable
// serialization of path, level, selections, range, granularity and filters.
func ContextKey(ctx domain.DrillDownContext) string {
	normalized := struct {
		PathID         string      `json:"p"`
		Level          int         `json:"l"`
		SelectedValues [][2]string `json:"s"`
		Start          int64       `json:"ts"`
		End            int64       `json:"te"`
		Granularity    string      `json:"g"`
		Filters        [][2]string `json:"f"`
		TenantID       string      `json:"t"`
	}{
		PathID:         ctx.PathID,
		Level:          ctx.Level,
		SelectedValues: sortedPairs(ctx.SelectedValues),
		Start:          ctx.TimeRange.Start.UnixNano(),
		End:            ctx.TimeRange.End.UnixNano(),
		Granularity:    string(ctx.Granularity),
		Filters:        sortedPairs(ctx.Filters),
		TenantID:       ctx.TenantID,
	}
	data, _ := json.Marshal(normalized)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedPairs(m map[string]string) [][2]string {
	if len(m) == 0 {
		return nil
	}
	out := make([][2]string, 0, len(m))
	for k, v := range m {
		out = append(out, [2]string{k, v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Get returns the cached result for a key, incrementing its hit counter.
// Expired entries are removed and reported as misses.
func (c *ResultCache) Get(key string) (domain.DrillDownResult, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return domain.DrillDownResult{}, 0, false
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, key)
		return domain.DrillDownResult{}, 0, false
	}
	entry.hits++
	return entry.result, entry.hits, true
}

// Put stores a result. Callers gate on confidence before calling.
func (c *ResultCache) Put(key string, result domain.DrillDownResult) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{
		result:    result,
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
}

// Stats reports entry and hit counts.
func (c *ResultCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := CacheStats{Entries: len(c.entries)}
	for _, entry := range c.entries {
		stats.Hits += entry.hits
	}
	return stats
}

// Run drives the expiry sweep until the context is cancelled.
func (c *ResultCache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.evictExpired()
		}
	}
}

func (c *ResultCache) evictExpired() {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, entry := range c.entries {
		if !now.Before(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
}
