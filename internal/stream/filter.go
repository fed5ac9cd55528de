package stream

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/vantagehq/vantage/internal/domain"
)

// matchesFilters reports whether every predicate passes for the sample.
// Alerts bypass this entirely; only metric updates are filtered.
func matchesFilters(filters []domain.Filter, sample domain.MetricSample) bool {
	for _, f := range filters {
		if !matchFilter(f, sample) {
			return false
		}
	}
	return true
}

func matchFilter(f domain.Filter, sample domain.MetricSample) bool {
	actual, ok := resolveField(f.Field, sample)
	if !ok {
		return false
	}
	switch f.Operator {
	case domain.FilterEq:
		return compareEqual(actual, f.Value)
	case domain.FilterNe:
		return !compareEqual(actual, f.Value)
	case domain.FilterGt, domain.FilterGte, domain.FilterLt, domain.FilterLte:
		left, lok := toFloat(actual)
		right, rok := toFloat(f.Value)
		if !lok || !rok {
			return false
		}
		switch f.Operator {
		case domain.FilterGt:
			return left > right
		case domain.FilterGte:
			return left >= right
		case domain.FilterLt:
			return left < right
		default:
			return left <= right
		}
	case domain.FilterIn:
		values, ok := f.Value.([]any)
		if !ok {
			return false
		}
		for _, v := range values {
			if compareEqual(actual, v) {
				return true
			}
		}
		return false
	case domain.FilterContains:
		haystack, hok := actual.(string)
		needle, nok := f.Value.(string)
		return hok && nok && strings.Contains(haystack, needle)
	}
	return false
}

// resolveField addresses a sample attribute: "value", "quality", "metricId",
// "tenantId", "dimensions.<name>" or "tags.<name>".
func resolveField(field string, sample domain.MetricSample) (any, bool) {
	switch field {
	case "value":
		return sample.Value, true
	case "quality":
		return sample.Quality, true
	case "metricId":
		return sample.MetricID, true
	case "tenantId":
		return sample.TenantID, true
	}
	if name, ok := strings.CutPrefix(field, "dimensions."); ok {
		v, found := sample.Dimensions[name]
		return v, found
	}
	if name, ok := strings.CutPrefix(field, "tags."); ok {
		v, found := sample.Tags[name]
		return v, found
	}
	return nil, false
}

func compareEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as == bs
	}
	return a == b
}

// toFloat coerces JSON-decoded scalars to float64. Numeric strings are
// accepted so dimension values can participate in range filters.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}
