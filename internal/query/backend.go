// Package query defines the aggregation backend the drill-down engine
// delegates to, plus the bundled in-memory and Postgres implementations.
package query

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/vantagehq/vantage/internal/domain"
	"github.com/vantagehq/vantage/internal/metrics"
)

// ErrBackend marks aggregation backend failures so callers can distinguish
// upstream outages from bad requests.
var ErrBackend = errors.New("aggregation backend failure")

// Request describes one drill-down aggregation query.
type Request struct {
	MetricIDs      []string
	Dimension      string
	Aggregation    domain.AggregationMethod
	SelectedValues map[string]string
	Filters        map[string]string
	TimeRange      domain.TimeRange
	TenantID       string
	SortBy         string
	SortDirection  domain.SortDirection
	Limit          int
}

// Row is one aggregated group returned by a backend. Previous carries the
// same aggregate over the preceding period when the backend can compute it.
type Row struct {
	Label    string
	Value    float64
	Previous *float64
	Metadata map[string]any
}

// Backend executes aggregation queries. Implementations own their timeouts;
// the engine does not retry.
type Backend interface {
	Query(ctx context.Context, req Request) ([]Row, error)
}

// MemoryBackend aggregates directly over the in-process metric store.
type MemoryBackend struct {
	store *metrics.Store
	now   func() time.Time
}

// NewMemoryBackend builds a backend over the given store.
func NewMemoryBackend(store *metrics.Store) *MemoryBackend {
	return &MemoryBackend{store: store, now: time.Now}
}

// SetClock injects a clock for tests.
func (b *MemoryBackend) SetClock(now func() time.Time) { b.now = now }

type group struct {
	sum   float64
	min   float64
	max   float64
	count int
}

func (g *group) add(v float64) {
	if g.count == 0 || v < g.min {
		g.min = v
	}
	if g.count == 0 || v > g.max {
		g.max = v
	}
	g.sum += v
	g.count++
}

func (g *group) value(method domain.AggregationMethod) float64 {
	switch method {
	case domain.AggregateAvg:
		if g.count == 0 {
			return 0
		}
		return g.sum / float64(g.count)
	case domain.AggregateCount:
		return float64(g.count)
	case domain.AggregateMin:
		return g.min
	case domain.AggregateMax:
		return g.max
	default:
		return g.sum
	}
}

// Query groups samples in the requested range by the drill dimension.
func (b *MemoryBackend) Query(ctx context.Context, req Request) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng := req.TimeRange
	if rng.IsZero() {
		end := b.now()
		rng = domain.TimeRange{Start: end.Add(-24 * time.Hour), End: end}
	}
	current := b.groupRange(req, rng)

	span := rng.End.Sub(rng.Start)
	previousRange := domain.TimeRange{Start: rng.Start.Add(-span), End: rng.Start}
	previous := b.groupRange(req, previousRange)

	rows := make([]Row, 0, len(current))
	for label, g := range current {
		row := Row{
			Label: label,
			Value: g.value(req.Aggregation),
			Metadata: map[string]any{
				"samples":   g.count,
				"dimension": req.Dimension,
			},
		}
		if pg, ok := previous[label]; ok {
			prev := pg.value(req.Aggregation)
			row.Previous = &prev
		}
		rows = append(rows, row)
	}
	sortRows(rows, req.SortBy, req.SortDirection)
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return rows, nil
}

func (b *MemoryBackend) groupRange(req Request, rng domain.TimeRange) map[string]*group {
	groups := make(map[string]*group)
	for _, metricID := range req.MetricIDs {
		for _, sample := range b.store.History(metricID, rng.Start, 0) {
			if !rng.End.IsZero() && sample.Timestamp.After(rng.End) {
				continue
			}
			if req.TenantID != "" && sample.TenantID != "" && sample.TenantID != req.TenantID {
				continue
			}
			if !matchesSelection(sample, req.SelectedValues) || !matchesSelection(sample, req.Filters) {
				continue
			}
			label, ok := sample.Dimensions[req.Dimension]
			if !ok || label == "" {
				continue
			}
			g := groups[label]
			if g == nil {
				g = &group{}
				groups[label] = g
			}
			g.add(sample.Value)
		}
	}
	return groups
}

func matchesSelection(sample domain.MetricSample, selection map[string]string) bool {
	for dim, want := range selection {
		if sample.Dimensions[dim] != want {
			return false
		}
	}
	return true
}

// sortRows orders by value (default) or label; ties break on label so
// results are deterministic for identical inputs.
func sortRows(rows []Row, sortBy string, direction domain.SortDirection) {
	asc := direction == domain.SortAsc
	sort.SliceStable(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if sortBy == "label" {
			if asc {
				return a.Label < b.Label
			}
			return a.Label > b.Label
		}
		if a.Value != b.Value {
			if asc {
				return a.Value < b.Value
			}
			return a.Value > b.Value
		}
		return a.Label < b.Label
	})
}
