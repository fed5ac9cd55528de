package query

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vantagehq/vantage/internal/domain"
)

// PostgresBackend aggregates over the metric_samples table written by the
// collection pipeline. Dimensions are stored as jsonb.
type PostgresBackend struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresBackend builds a backend over an existing pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	return &PostgresBackend{pool: pool, now: time.Now}
}

// Ping tests database connectivity.
func (b *PostgresBackend) Ping(ctx context.Context) error {
	return b.pool.Ping(ctx)
}

func aggregateSQL(method domain.AggregationMethod) string {
	switch method {
	case domain.AggregateAvg:
		return "AVG(value)"
	case domain.AggregateCount:
		return "COUNT(*)"
	case domain.AggregateMin:
		return "MIN(value)"
	case domain.AggregateMax:
		return "MAX(value)"
	default:
		return "SUM(value)"
	}
}

// Query groups samples by the drill dimension within the requested range.
// The previous-period aggregate for trend computation comes from a second
// query over the preceding window of equal length.
func (b *PostgresBackend) Query(ctx context.Context, req Request) ([]Row, error) {
	rng := req.TimeRange
	if rng.IsZero() {
		end := b.now()
		rng = domain.TimeRange{Start: end.Add(-24 * time.Hour), End: end}
	}
	current, err := b.queryRange(ctx, req, rng)
	if err != nil {
		return nil, err
	}
	span := rng.End.Sub(rng.Start)
	previous, err := b.queryRange(ctx, req, domain.TimeRange{Start: rng.Start.Add(-span), End: rng.Start})
	if err != nil {
		return nil, err
	}

	rows := make([]Row, 0, len(current))
	for label, value := range current {
		row := Row{
			Label: label,
			Value: value,
			Metadata: map[string]any{
				"dimension": req.Dimension,
				"source":    "postgres",
			},
		}
		if prev, ok := previous[label]; ok {
			prevCopy := prev
			row.Previous = &prevCopy
		}
		rows = append(rows, row)
	}
	sortRows(rows, req.SortBy, req.SortDirection)
	if req.Limit > 0 && len(rows) > req.Limit {
		rows = rows[:req.Limit]
	}
	return rows, nil
}

func (b *PostgresBackend) queryRange(ctx context.Context, req Request, rng domain.TimeRange) (map[string]float64, error) {
	sql := fmt.Sprintf(`
		SELECT dimensions->>$1 AS label, %s AS value
		FROM metric_samples
		WHERE metric_id = ANY($2)
		  AND ts >= $3 AND ts < $4
		  AND ($5 = '' OR tenant_id = $5)
		  AND dimensions ? $1
	`, aggregateSQL(req.Aggregation))

	args := []any{req.Dimension, req.MetricIDs, rng.Start, rng.End, req.TenantID}
	idx := len(args)
	for dim, want := range req.SelectedValues {
		idx++
		sql += fmt.Sprintf(" AND dimensions->>$%d = $%d", idx, idx+1)
		args = append(args, dim, want)
		idx++
	}
	for dim, want := range req.Filters {
		idx++
		sql += fmt.Sprintf(" AND dimensions->>$%d = $%d", idx, idx+1)
		args = append(args, dim, want)
		idx++
	}
	sql += " GROUP BY label"

	result, err := b.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metric samples: %w", err)
	}
	defer result.Close()

	out := make(map[string]float64)
	for result.Next() {
		var label string
		var value float64
		if err := result.Scan(&label, &value); err != nil {
			return nil, fmt.Errorf("scanning aggregate row: %w", err)
		}
		out[label] = value
	}
	return out, result.Err()
}
