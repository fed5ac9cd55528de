package domain

import "time"

// Granularity is the time-bucket size a subscriber wants aggregated updates at.
type Granularity string

const (
	GranularityRaw    Granularity = "raw"
	GranularityMinute Granularity = "minute"
	GranularityHour   Granularity = "hour"
	GranularityDay    Granularity = "day"
)

// Valid reports whether the granularity is one of the supported buckets.
func (g Granularity) Valid() bool {
	switch g {
	case GranularityRaw, GranularityMinute, GranularityHour, GranularityDay:
		return true
	}
	return false
}

// Window returns the lookback window covered by the granularity.
// Raw has no window and returns zero.
func (g Granularity) Window() time.Duration {
	switch g {
	case GranularityMinute:
		return time.Minute
	case GranularityHour:
		return time.Hour
	case GranularityDay:
		return 24 * time.Hour
	}
	return 0
}

// MetricSample is a single observed value for a metric.
type MetricSample struct {
	MetricID   string            `json:"metricId"`
	TenantID   string            `json:"tenantId,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Value      float64           `json:"value"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
	Quality    float64           `json:"quality,omitempty"`
}

// MetricAggregation is a computed rollup over a granularity window.
type MetricAggregation struct {
	MetricID    string      `json:"metricId"`
	Granularity Granularity `json:"granularity"`
	Count       int         `json:"count"`
	Avg         float64     `json:"avg"`
	Min         float64     `json:"min"`
	Max         float64     `json:"max"`
	ComputedAt  time.Time   `json:"computedAt"`
}

// TrendDirection classifies the movement between two values.
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// Delta describes the change between consecutive values.
type Delta struct {
	Absolute   float64        `json:"absolute"`
	Percentage float64        `json:"percentage"`
	Trend      TrendDirection `json:"trend"`
}

// DeltaBetween computes the change from previous to current. Movements whose
// magnitude stays within bandPct percent of the previous value are reported
// as stable; a missing previous value is always stable with zero deltas.
func DeltaBetween(previous *float64, current float64, bandPct float64) Delta {
	if previous == nil {
		return Delta{Trend: TrendStable}
	}
	prev := *previous
	abs := current - prev
	var pct float64
	if prev != 0 {
		pct = abs / prev * 100
	}
	trend := TrendStable
	if prev != 0 {
		band := bandPct / 100 * prev
		if band < 0 {
			band = -band
		}
		switch {
		case abs > band:
			trend = TrendUp
		case abs < -band:
			trend = TrendDown
		}
	} else if abs > 0 {
		trend = TrendUp
	} else if abs < 0 {
		trend = TrendDown
	}
	return Delta{Absolute: abs, Percentage: pct, Trend: trend}
}

// KPISnapshot is the last known state of a KPI, as published by the KPI provider.
type KPISnapshot struct {
	KPIID     string         `json:"kpiId"`
	TenantID  string         `json:"tenantId,omitempty"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// AlertSeverity ranks alert urgency.
type AlertSeverity string

const (
	AlertSeverityLow      AlertSeverity = "low"
	AlertSeverityMedium   AlertSeverity = "medium"
	AlertSeverityHigh     AlertSeverity = "high"
	AlertSeverityCritical AlertSeverity = "critical"
)

// Alert is a published alert tied to a metric or KPI.
type Alert struct {
	ID        string         `json:"id"`
	MetricID  string         `json:"metricId,omitempty"`
	KPIID     string         `json:"kpiId,omitempty"`
	TenantID  string         `json:"tenantId,omitempty"`
	Severity  AlertSeverity  `json:"severity"`
	Message   string         `json:"message"`
	Value     *float64       `json:"value,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
