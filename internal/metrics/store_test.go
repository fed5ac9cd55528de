package metrics

import (
	"testing"
	"time"

	"github.com/vantagehq/vantage/internal/domain"
)

func testClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestAppendReturnsPrevious(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)))

	if prev := store.Append(domain.MetricSample{MetricID: "revenue", Value: 100, Timestamp: now}); prev != nil {
		t.Fatalf("first append returned previous %+v", prev)
	}
	prev := store.Append(domain.MetricSample{MetricID: "revenue", Value: 105, Timestamp: now})
	if prev == nil || prev.Value != 100 {
		t.Fatalf("expected previous value 100, got %+v", prev)
	}
	latest, ok := store.Latest("revenue")
	if !ok || latest.Value != 105 {
		t.Fatalf("latest = %+v, %v", latest, ok)
	}
}

func TestRingEvictsOldestAtCapacity(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithCapacity(3), WithClock(testClock(&now)))

	for i := 1; i <= 5; i++ {
		store.Append(domain.MetricSample{MetricID: "revenue", Value: float64(i), Timestamp: now})
	}
	history := store.History("revenue", time.Time{}, 0)
	if len(history) != 3 {
		t.Fatalf("expected 3 retained samples, got %d", len(history))
	}
	for i, want := range []float64{3, 4, 5} {
		if history[i].Value != want {
			t.Fatalf("history[%d].Value = %f, want %f", i, history[i].Value, want)
		}
	}
}

func TestHistoryFiltersAndLimits(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)))

	for i := 0; i < 10; i++ {
		store.Append(domain.MetricSample{
			MetricID:  "revenue",
			Value:     float64(i),
			Timestamp: now.Add(time.Duration(i) * time.Minute),
		})
	}
	since := now.Add(5 * time.Minute)
	history := store.History("revenue", since, 0)
	if len(history) != 5 {
		t.Fatalf("expected 5 samples since cutoff, got %d", len(history))
	}
	limited := store.History("revenue", time.Time{}, 2)
	if len(limited) != 2 || limited[0].Value != 8 || limited[1].Value != 9 {
		t.Fatalf("limit should keep newest samples, got %+v", limited)
	}
	if got := store.History("unknown", time.Time{}, 0); got != nil {
		t.Fatalf("unknown metric should return nil, got %+v", got)
	}
}

func TestAggregateComputesWindow(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)))

	// Two samples inside the hour window, one outside it.
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 50, Timestamp: now.Add(-2 * time.Hour)})
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 10, Timestamp: now.Add(-30 * time.Minute)})
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 30, Timestamp: now.Add(-10 * time.Minute)})

	agg, ok := store.Aggregate("revenue", domain.GranularityHour)
	if !ok {
		t.Fatal("expected aggregation")
	}
	if agg.Count != 2 || agg.Min != 10 || agg.Max != 30 || agg.Avg != 20 {
		t.Fatalf("unexpected aggregation: %+v", agg)
	}
}

func TestAggregateServesCachedWithinTTL(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)), WithAggregationTTL(time.Minute))

	store.Append(domain.MetricSample{MetricID: "revenue", Value: 10, Timestamp: now})
	first, ok := store.Aggregate("revenue", domain.GranularityHour)
	if !ok {
		t.Fatal("expected aggregation")
	}

	// New data within the TTL is not reflected: the cached rollup serves.
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 90, Timestamp: now})
	cached, ok := store.Aggregate("revenue", domain.GranularityHour)
	if !ok || cached.Count != first.Count {
		t.Fatalf("expected cached rollup, got %+v", cached)
	}

	// Past the TTL the rollup is recomputed.
	now = now.Add(61 * time.Second)
	fresh, ok := store.Aggregate("revenue", domain.GranularityHour)
	if !ok || fresh.Count != 2 {
		t.Fatalf("expected recomputed rollup with 2 samples, got %+v", fresh)
	}
}

func TestAggregateRawUnsupported(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)))
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 10, Timestamp: now})
	if _, ok := store.Aggregate("revenue", domain.GranularityRaw); ok {
		t.Fatal("raw granularity has no window and should not aggregate")
	}
}

func TestRetentionEviction(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)), WithRetention(time.Hour))

	store.Append(domain.MetricSample{MetricID: "stale", Value: 1, Timestamp: now.Add(-2 * time.Hour)})
	store.Append(domain.MetricSample{MetricID: "fresh", Value: 2, Timestamp: now.Add(-5 * time.Minute)})

	store.evictExpired()

	if _, ok := store.Latest("stale"); ok {
		t.Fatal("stale series should be evicted entirely")
	}
	if _, ok := store.Latest("fresh"); !ok {
		t.Fatal("fresh series should survive the sweep")
	}
	if ids := store.MetricIDs(); len(ids) != 1 || ids[0] != "fresh" {
		t.Fatalf("unexpected metric ids after sweep: %v", ids)
	}
}

func TestAppendClampsOutOfOrderTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	store := NewStore(nil, WithClock(testClock(&now)), WithRetention(time.Hour))

	store.Append(domain.MetricSample{MetricID: "revenue", Value: 1, Timestamp: now})
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 2, Timestamp: now.Add(-3 * time.Hour)})

	history := store.History("revenue", time.Time{}, 0)
	if len(history) != 2 {
		t.Fatalf("expected 2 samples, got %d", len(history))
	}
	if history[1].Timestamp.Before(history[0].Timestamp) {
		t.Fatalf("ring not monotonic: %v before %v", history[1].Timestamp, history[0].Timestamp)
	}

	// With the backdated sample clamped, the age sweep sees both samples as
	// current and keeps the full series.
	now = now.Add(30 * time.Minute)
	store.evictExpired()
	if got := len(store.History("revenue", time.Time{}, 0)); got != 2 {
		t.Fatalf("clamped samples evicted early: %d retained", got)
	}

	// A sample with no timestamp gets the store clock.
	store.Append(domain.MetricSample{MetricID: "revenue", Value: 3})
	latest, ok := store.Latest("revenue")
	if !ok || !latest.Timestamp.Equal(now) {
		t.Fatalf("zero timestamp not stamped with clock: %+v, %v", latest, ok)
	}
}
