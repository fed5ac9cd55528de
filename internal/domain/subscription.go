package domain

import (
	"errors"
	"time"
)

// FilterOperator is one of the closed set of comparison operators a
// subscription filter may use. Filters are data, never code.
type FilterOperator string

const (
	FilterEq       FilterOperator = "eq"
	FilterNe       FilterOperator = "ne"
	FilterGt       FilterOperator = "gt"
	FilterGte      FilterOperator = "gte"
	FilterLt       FilterOperator = "lt"
	FilterLte      FilterOperator = "lte"
	FilterIn       FilterOperator = "in"
	FilterContains FilterOperator = "contains"
)

// Valid reports whether the operator is a member of the supported set.
func (op FilterOperator) Valid() bool {
	switch op {
	case FilterEq, FilterNe, FilterGt, FilterGte, FilterLt, FilterLte, FilterIn, FilterContains:
		return true
	}
	return false
}

// Filter is a single predicate evaluated against metric samples.
// Field addresses the sample value ("value", "quality"), a dimension
// ("dimensions.region") or a tag ("tags.source").
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value"`
}

// Subscription is an active interest registration from a streaming client.
type Subscription struct {
	ID                string        `json:"id"`
	ClientID          string        `json:"clientId"`
	UserID            string        `json:"userId"`
	TenantID          string        `json:"tenantId"`
	MetricIDs         []string      `json:"metricIds,omitempty"`
	KPIIDs            []string      `json:"kpiIds,omitempty"`
	Filters           []Filter      `json:"filters,omitempty"`
	Granularity       Granularity   `json:"aggregationLevel"`
	MinUpdateInterval time.Duration `json:"-"`
	CreatedAt         time.Time     `json:"createdAt"`
}

var (
	// ErrNoSubscriptionTarget rejects subscriptions that name nothing to watch.
	ErrNoSubscriptionTarget = errors.New("subscription requires at least one metric or kpi id")
	// ErrInvalidGranularity rejects unsupported aggregation levels.
	ErrInvalidGranularity = errors.New("invalid aggregation level")
	// ErrInvalidFilter rejects filters outside the closed operator set.
	ErrInvalidFilter = errors.New("invalid filter operator")
)

// Validate checks the structural invariants of a subscription request.
func (s Subscription) Validate() error {
	if len(s.MetricIDs) == 0 && len(s.KPIIDs) == 0 {
		return ErrNoSubscriptionTarget
	}
	if !s.Granularity.Valid() {
		return ErrInvalidGranularity
	}
	for _, f := range s.Filters {
		if !f.Operator.Valid() {
			return ErrInvalidFilter
		}
	}
	return nil
}
