package domain

import "time"

// AggregationMethod names how a drill-down level rolls values up.
type AggregationMethod string

const (
	AggregateSum   AggregationMethod = "sum"
	AggregateAvg   AggregationMethod = "avg"
	AggregateCount AggregationMethod = "count"
	AggregateMin   AggregationMethod = "min"
	AggregateMax   AggregationMethod = "max"
)

// Valid reports whether the method is supported.
func (m AggregationMethod) Valid() bool {
	switch m {
	case AggregateSum, AggregateAvg, AggregateCount, AggregateMin, AggregateMax:
		return true
	}
	return false
}

// SortDirection orders drill-down rows.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// DrillDownLevel is one step of a hierarchical breakdown.
type DrillDownLevel struct {
	Order         int               `json:"order" yaml:"order"`
	Dimension     string            `json:"dimension" yaml:"dimension"`
	Aggregation   AggregationMethod `json:"aggregation" yaml:"aggregation"`
	SortBy        string            `json:"sortBy,omitempty" yaml:"sortBy"`
	SortDirection SortDirection     `json:"sortDirection,omitempty" yaml:"sortDirection"`
	MaxResults    int               `json:"maxResults,omitempty" yaml:"maxResults"`
}

// DrillDownPath is an admin-defined hierarchy of drill levels for a metric family.
type DrillDownPath struct {
	ID        string           `json:"id" yaml:"id"`
	Name      string           `json:"name" yaml:"name"`
	Levels    []DrillDownLevel `json:"levels" yaml:"levels"`
	MetricIDs []string         `json:"metricIds" yaml:"metricIds"`
	CreatedAt time.Time        `json:"createdAt" yaml:"-"`
}

// TimeRange bounds a query window.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// IsZero reports whether neither bound is set.
func (r TimeRange) IsZero() bool {
	return r.Start.IsZero() && r.End.IsZero()
}

// DrillDownContext is the immutable navigation state of a session. Advancing
// a session produces a new context; contexts hold path ids, never path objects.
type DrillDownContext struct {
	PathID         string            `json:"pathId"`
	Level          int               `json:"level"`
	SelectedValues map[string]string `json:"selectedValues,omitempty"`
	TimeRange      TimeRange         `json:"timeRange"`
	Granularity    Granularity       `json:"granularity"`
	Filters        map[string]string `json:"filters,omitempty"`
	UserID         string            `json:"userId"`
	TenantID       string            `json:"tenantId"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (c DrillDownContext) Clone() DrillDownContext {
	out := c
	if c.SelectedValues != nil {
		out.SelectedValues = make(map[string]string, len(c.SelectedValues))
		for k, v := range c.SelectedValues {
			out.SelectedValues[k] = v
		}
	}
	if c.Filters != nil {
		out.Filters = make(map[string]string, len(c.Filters))
		for k, v := range c.Filters {
			out.Filters[k] = v
		}
	}
	return out
}

// DrillDownRow is one row of a computed drill-down result.
type DrillDownRow struct {
	Dimension  string         `json:"dimension"`
	Label      string         `json:"label"`
	Value      float64        `json:"value"`
	Percentage float64        `json:"percentage"`
	Rank       int            `json:"rank"`
	Trend      TrendDirection `json:"trend"`
	TrendPct   float64        `json:"trendPct"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Breadcrumb is one entry of the navigational trail.
type Breadcrumb struct {
	Level     int    `json:"level"`
	Dimension string `json:"dimension"`
	Value     string `json:"value"`
}

// ResultAggregations summarizes a result's rows.
type ResultAggregations struct {
	Total float64 `json:"total"`
	Avg   float64 `json:"avg"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Count int     `json:"count"`
}

// DrillDownResult is the computed outcome of one drill-down step.
type DrillDownResult struct {
	PathID          string             `json:"pathId"`
	Level           int                `json:"level"`
	Rows            []DrillDownRow     `json:"rows"`
	Aggregations    ResultAggregations `json:"aggregations"`
	Recommendations []string           `json:"recommendations,omitempty"`
	Breadcrumbs     []Breadcrumb       `json:"breadcrumbs"`
	Confidence      float64            `json:"confidence"`
	ComputedAt      time.Time          `json:"computedAt"`
	FromCache       bool               `json:"fromCache"`
}

// Bookmark is a named, saved context a user can return to.
type Bookmark struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Context   DrillDownContext `json:"context"`
	CreatedAt time.Time        `json:"createdAt"`
}

// SessionPreferences carries per-user drill-down defaults.
type SessionPreferences struct {
	DefaultGranularity Granularity `json:"defaultGranularity,omitempty"`
	RowLimit           int         `json:"rowLimit,omitempty"`
}
