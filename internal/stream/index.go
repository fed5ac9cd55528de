package stream

import "github.com/vantagehq/vantage/internal/domain"

// SubscriptionIndex maps metric and KPI identifiers to the active
// subscriptions interested in them. It holds subscription values only; client
// lifetime is the registry's concern.
type SubscriptionIndex struct {
	subs     map[string]*domain.Subscription
	byMetric map[string]map[string]struct{}
	byKPI    map[string]map[string]struct{}
}

// NewSubscriptionIndex creates an empty index.
func NewSubscriptionIndex() *SubscriptionIndex {
	return &SubscriptionIndex{
		subs:     make(map[string]*domain.Subscription),
		byMetric: make(map[string]map[string]struct{}),
		byKPI:    make(map[string]map[string]struct{}),
	}
}

// Add indexes a subscription under every metric and KPI id it names.
func (idx *SubscriptionIndex) Add(sub *domain.Subscription) {
	idx.subs[sub.ID] = sub
	for _, metricID := range sub.MetricIDs {
		set := idx.byMetric[metricID]
		if set == nil {
			set = make(map[string]struct{})
			idx.byMetric[metricID] = set
		}
		set[sub.ID] = struct{}{}
	}
	for _, kpiID := range sub.KPIIDs {
		set := idx.byKPI[kpiID]
		if set == nil {
			set = make(map[string]struct{})
			idx.byKPI[kpiID] = set
		}
		set[sub.ID] = struct{}{}
	}
}

// Remove drops a subscription from every index entry. Unknown ids are no-ops.
func (idx *SubscriptionIndex) Remove(subID string) *domain.Subscription {
	sub, ok := idx.subs[subID]
	if !ok {
		return nil
	}
	delete(idx.subs, subID)
	for _, metricID := range sub.MetricIDs {
		if set := idx.byMetric[metricID]; set != nil {
			delete(set, subID)
			if len(set) == 0 {
				delete(idx.byMetric, metricID)
			}
		}
	}
	for _, kpiID := range sub.KPIIDs {
		if set := idx.byKPI[kpiID]; set != nil {
			delete(set, subID)
			if len(set) == 0 {
				delete(idx.byKPI, kpiID)
			}
		}
	}
	return sub
}

// Get looks up a subscription by id.
func (idx *SubscriptionIndex) Get(subID string) (*domain.Subscription, bool) {
	sub, ok := idx.subs[subID]
	return sub, ok
}

// ForMetric returns the subscriptions watching a metric id.
func (idx *SubscriptionIndex) ForMetric(metricID string) []*domain.Subscription {
	return idx.collect(idx.byMetric[metricID])
}

// ForKPI returns the subscriptions watching a KPI id.
func (idx *SubscriptionIndex) ForKPI(kpiID string) []*domain.Subscription {
	return idx.collect(idx.byKPI[kpiID])
}

// ForAlert returns subscriptions matching either the alert's metric or KPI
// id, deduplicated.
func (idx *SubscriptionIndex) ForAlert(metricID, kpiID string) []*domain.Subscription {
	seen := make(map[string]struct{})
	var out []*domain.Subscription
	appendSet := func(set map[string]struct{}) {
		for id := range set {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if sub, ok := idx.subs[id]; ok {
				out = append(out, sub)
			}
		}
	}
	if metricID != "" {
		appendSet(idx.byMetric[metricID])
	}
	if kpiID != "" {
		appendSet(idx.byKPI[kpiID])
	}
	return out
}

// Len reports how many subscriptions are indexed.
func (idx *SubscriptionIndex) Len() int {
	return len(idx.subs)
}

func (idx *SubscriptionIndex) collect(set map[string]struct{}) []*domain.Subscription {
	if len(set) == 0 {
		return nil
	}
	out := make([]*domain.Subscription, 0, len(set))
	for id := range set {
		if sub, ok := idx.subs[id]; ok {
			out = append(out, sub)
		}
	}
	return out
}
