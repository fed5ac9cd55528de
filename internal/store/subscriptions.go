// Package store provides optional Postgres durability for streaming
// subscriptions. The protocol is unchanged whether or not it is wired.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vantagehq/vantage/internal/domain"
)

// SubscriptionStore persists subscription lifecycle events.
type SubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewSubscriptionStore builds a store over an existing pool.
func NewSubscriptionStore(pool *pgxpool.Pool) *SubscriptionStore {
	return &SubscriptionStore{pool: pool}
}

// Save upserts a subscription record.
func (s *SubscriptionStore) Save(ctx context.Context, sub domain.Subscription) error {
	filters, err := json.Marshal(sub.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO subscriptions (id, client_id, user_id, tenant_id, metric_ids, kpi_ids, filters, granularity, min_update_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			metric_ids = EXCLUDED.metric_ids,
			kpi_ids = EXCLUDED.kpi_ids,
			filters = EXCLUDED.filters,
			granularity = EXCLUDED.granularity,
			min_update_ms = EXCLUDED.min_update_ms
	`,
		sub.ID, sub.ClientID, sub.UserID, sub.TenantID,
		sub.MetricIDs, sub.KPIIDs, filters, string(sub.Granularity),
		sub.MinUpdateInterval.Milliseconds(), sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Delete removes a subscription record. Unknown ids are no-ops.
func (s *SubscriptionStore) Delete(ctx context.Context, subID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM subscriptions WHERE id = $1`, subID); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// ListByTenant returns stored subscriptions for a tenant, newest first.
func (s *SubscriptionStore) ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, client_id, user_id, tenant_id, metric_ids, kpi_ids, filters, granularity, min_update_ms, created_at
		FROM subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []domain.Subscription
	for rows.Next() {
		var sub domain.Subscription
		var filters []byte
		var granularity string
		var minUpdateMS int64
		var createdAt time.Time
		if err := rows.Scan(&sub.ID, &sub.ClientID, &sub.UserID, &sub.TenantID,
			&sub.MetricIDs, &sub.KPIIDs, &filters, &granularity, &minUpdateMS, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if len(filters) > 0 {
			if err := json.Unmarshal(filters, &sub.Filters); err != nil {
				return nil, fmt.Errorf("unmarshal filters: %w", err)
			}
		}
		sub.Granularity = domain.Granularity(granularity)
		sub.MinUpdateInterval = time.Duration(minUpdateMS) * time.Millisecond
		sub.CreatedAt = createdAt
		out = append(out, sub)
	}
	return out, rows.Err()
}
