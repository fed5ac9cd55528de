package domain

import "testing"

func TestDeltaBetween(t *testing.T) {
	prev := func(v float64) *float64 { return &v }

	cases := []struct {
		name      string
		previous  *float64
		current   float64
		wantTrend TrendDirection
		wantPct   float64
	}{
		{"no previous", nil, 100, TrendStable, 0},
		{"five percent up", prev(100), 105, TrendUp, 5},
		{"within band", prev(100), 100.5, TrendStable, 0.5},
		{"band boundary", prev(100), 101, TrendStable, 1},
		{"just past band", prev(100), 101.01, TrendUp, 1.01},
		{"down", prev(100), 90, TrendDown, -10},
		{"zero previous up", prev(0), 5, TrendUp, 0},
		{"zero previous down", prev(0), -5, TrendDown, 0},
		{"negative previous", prev(-100), -90, TrendUp, -10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeltaBetween(tc.previous, tc.current, 1.0)
			if got.Trend != tc.wantTrend {
				t.Fatalf("trend = %q, want %q", got.Trend, tc.wantTrend)
			}
			if got.Percentage < tc.wantPct-1e-9 || got.Percentage > tc.wantPct+1e-9 {
				t.Fatalf("percentage = %f, want %f", got.Percentage, tc.wantPct)
			}
		})
	}
}

func TestSubscriptionValidate(t *testing.T) {
	base := Subscription{
		MetricIDs:   []string{"revenue"},
		Granularity: GranularityRaw,
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid subscription rejected: %v", err)
	}

	empty := Subscription{Granularity: GranularityRaw}
	if err := empty.Validate(); err != ErrNoSubscriptionTarget {
		t.Fatalf("expected ErrNoSubscriptionTarget, got %v", err)
	}

	badGran := base
	badGran.Granularity = "weekly"
	if err := badGran.Validate(); err != ErrInvalidGranularity {
		t.Fatalf("expected ErrInvalidGranularity, got %v", err)
	}

	badFilter := base
	badFilter.Filters = []Filter{{Field: "value", Operator: "like", Value: "x"}}
	if err := badFilter.Validate(); err != ErrInvalidFilter {
		t.Fatalf("expected ErrInvalidFilter, got %v", err)
	}
}
