package stream

import (
	"testing"

	"github.com/vantagehq/vantage/internal/domain"
)

func sampleWith(value float64, dims map[string]string) domain.MetricSample {
	return domain.MetricSample{
		MetricID:   "revenue",
		TenantID:   "acme",
		Value:      value,
		Dimensions: dims,
	}
}

func TestMatchFilterOperators(t *testing.T) {
	sample := sampleWith(150, map[string]string{"region": "us-east", "plan": "enterprise"})

	cases := []struct {
		name   string
		filter domain.Filter
		want   bool
	}{
		{"eq value", domain.Filter{Field: "value", Operator: domain.FilterEq, Value: 150.0}, true},
		{"ne value", domain.Filter{Field: "value", Operator: domain.FilterNe, Value: 100.0}, true},
		{"gt value", domain.Filter{Field: "value", Operator: domain.FilterGt, Value: 100.0}, true},
		{"gt value false", domain.Filter{Field: "value", Operator: domain.FilterGt, Value: 200.0}, false},
		{"gte boundary", domain.Filter{Field: "value", Operator: domain.FilterGte, Value: 150.0}, true},
		{"lt value", domain.Filter{Field: "value", Operator: domain.FilterLt, Value: 200.0}, true},
		{"lte boundary", domain.Filter{Field: "value", Operator: domain.FilterLte, Value: 150.0}, true},
		{"eq dimension", domain.Filter{Field: "dimensions.region", Operator: domain.FilterEq, Value: "us-east"}, true},
		{"ne dimension", domain.Filter{Field: "dimensions.region", Operator: domain.FilterNe, Value: "eu-west"}, true},
		{"in dimension", domain.Filter{Field: "dimensions.region", Operator: domain.FilterIn, Value: []any{"us-east", "us-west"}}, true},
		{"in dimension miss", domain.Filter{Field: "dimensions.region", Operator: domain.FilterIn, Value: []any{"eu-west"}}, false},
		{"contains dimension", domain.Filter{Field: "dimensions.plan", Operator: domain.FilterContains, Value: "enter"}, true},
		{"eq tenant", domain.Filter{Field: "tenantId", Operator: domain.FilterEq, Value: "acme"}, true},
		{"eq metric id", domain.Filter{Field: "metricId", Operator: domain.FilterEq, Value: "revenue"}, true},
		{"missing dimension", domain.Filter{Field: "dimensions.country", Operator: domain.FilterEq, Value: "US"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := matchFilter(tc.filter, sample); got != tc.want {
				t.Fatalf("matchFilter(%+v) = %v, want %v", tc.filter, got, tc.want)
			}
		})
	}
}

func TestMatchesFiltersConjunction(t *testing.T) {
	sample := sampleWith(150, map[string]string{"region": "us-east"})
	filters := []domain.Filter{
		{Field: "dimensions.region", Operator: domain.FilterEq, Value: "us-east"},
		{Field: "value", Operator: domain.FilterGt, Value: 100.0},
	}
	if !matchesFilters(filters, sample) {
		t.Fatal("all filters match, expected true")
	}
	filters[1].Value = 200.0
	if matchesFilters(filters, sample) {
		t.Fatal("one filter fails, expected false")
	}
	if !matchesFilters(nil, sample) {
		t.Fatal("empty filter list should match everything")
	}
}
