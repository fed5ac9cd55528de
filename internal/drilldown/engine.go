package drilldown

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/vantagehq/vantage/internal/domain"
	"github.com/vantagehq/vantage/internal/query"
)

const defaultConfidenceCutoff = 0.8

// Confidence signal weights. The score is a weighted sum of four binary
// signals clamped to [0,1], reproducible for identical input rows.
const (
	weightNonEmpty    = 0.4
	weightNonNegative = 0.2
	weightTrendSignal = 0.2
	weightMetadata    = 0.2
)

// Request is the partial context a caller merges over the session's current
// context. Nil/empty fields leave the current value untouched.
type Request struct {
	Level          *int               `json:"level,omitempty"`
	SelectedValues map[string]string  `json:"selectedValues,omitempty"`
	TimeRange      *domain.TimeRange  `json:"timeRange,omitempty"`
	Granularity    domain.Granularity `json:"granularity,omitempty"`
	Filters        map[string]string  `json:"filters,omitempty"`
}

// Engine orchestrates drill-down query construction, delegates to the
// aggregation backend, and populates the result cache.
type Engine struct {
	catalog  *Catalog
	sessions *Sessions
	cache    *ResultCache
	backend  query.Backend
	logger   *slog.Logger

	confidenceCutoff float64
	stabilityBandPct float64
	now              func() time.Time
}

// NewEngine wires the engine's collaborators together.
func NewEngine(catalog *Catalog, sessions *Sessions, cache *ResultCache, backend query.Backend, logger *slog.Logger) *Engine {
	if logger != nil {
		logger = logger.With("component", "drilldown_engine")
	}
	return &Engine{
		catalog:          catalog,
		sessions:         sessions,
		cache:            cache,
		backend:          backend,
		logger:           logger,
		confidenceCutoff: defaultConfidenceCutoff,
		stabilityBandPct: 1.0,
		now:              time.Now,
	}
}

// SetConfidenceCutoff overrides the cache-eligibility threshold.
func (e *Engine) SetConfidenceCutoff(cutoff float64) {
	if cutoff > 0 {
		e.confidenceCutoff = cutoff
	}
}

// SetStabilityBand overrides the trend stability band percentage.
func (e *Engine) SetStabilityBand(pct float64) {
	if pct > 0 {
		e.stabilityBandPct = pct
	}
}

// SetClock injects a clock for tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// PerformDrillDown merges the request over the session's current context and
// executes the drill-down step. Results are served from cache when a fresh
// entry exists; otherwise the pre-transition context is pushed onto history,
// the new context committed, and the query executed.
func (e *Engine) PerformDrillDown(ctx context.Context, sessionID string, req Request) (domain.DrillDownResult, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return domain.DrillDownResult{}, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	e.sessions.touch(session)

	next, err := e.mergeContext(session.Current, req)
	if err != nil {
		return domain.DrillDownResult{}, err
	}
	return e.perform(ctx, session, next, true)
}

// NavigateBack pops the history stack and replays the popped context.
func (e *Engine) NavigateBack(ctx context.Context, sessionID string) (domain.DrillDownResult, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return domain.DrillDownResult{}, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	e.sessions.touch(session)

	if len(session.History) == 0 {
		return domain.DrillDownResult{}, ErrNoHistory
	}
	previous := session.History[len(session.History)-1]
	session.History = session.History[:len(session.History)-1]
	return e.perform(ctx, session, previous, false)
}

// CreateBookmark snapshots the session's current context under a name.
func (e *Engine) CreateBookmark(sessionID, name string) (domain.Bookmark, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return domain.Bookmark{}, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	e.sessions.touch(session)

	bookmark := domain.Bookmark{
		ID:        uuid.NewString(),
		Name:      name,
		Context:   session.Current.Clone(),
		CreatedAt: e.now().UTC(),
	}
	session.Bookmarks[bookmark.ID] = bookmark
	return bookmark, nil
}

// LoadBookmark replays a saved context through the full drill-down flow, so
// cache and confidence rules reapply rather than restoring raw state.
func (e *Engine) LoadBookmark(ctx context.Context, sessionID, bookmarkID string) (domain.DrillDownResult, error) {
	session, err := e.sessions.Get(sessionID)
	if err != nil {
		return domain.DrillDownResult{}, err
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	e.sessions.touch(session)

	bookmark, ok := session.Bookmarks[bookmarkID]
	if !ok {
		return domain.DrillDownResult{}, ErrBookmarkNotFound
	}
	return e.perform(ctx, session, bookmark.Context.Clone(), true)
}

// perform runs one drill-down step against a fully merged target context.
// The session lock is held by the caller.
func (e *Engine) perform(ctx context.Context, session *Session, target domain.DrillDownContext, pushHistory bool) (domain.DrillDownResult, error) {
	path, err := e.catalog.Get(target.PathID)
	if err != nil {
		return domain.DrillDownResult{}, err
	}
	if target.Level < 0 || target.Level >= len(path.Levels) {
		return domain.DrillDownResult{}, fmt.Errorf("%w: level %d of %d", ErrInvalidLevel, target.Level, len(path.Levels))
	}

	key := ContextKey(target)
	if cached, hits, ok := e.cache.Get(key); ok {
		// Commit the context so back-navigation still reflects what the
		// caller is looking at, then serve the cached result untouched.
		if pushHistory && !contextsEqual(session.Current, target) {
			session.History = append(session.History, session.Current)
		}
		session.Current = target
		cached.FromCache = true
		result := cached
		session.LastResult = &result
		if e.logger != nil {
			e.logger.Debug("drill-down cache hit", "session_id", session.ID, "hits", hits)
		}
		return cached, nil
	}

	if pushHistory && !contextsEqual(session.Current, target) {
		session.History = append(session.History, session.Current)
	}
	session.Current = target

	result, err := e.execute(ctx, path, target, session.Preferences)
	if err != nil {
		return domain.DrillDownResult{}, err
	}
	if result.Confidence > e.confidenceCutoff {
		e.cache.Put(key, result)
	}
	stored := result
	session.LastResult = &stored
	return result, nil
}

// mergeContext applies a partial request over the current context, producing
// a new value. The invariant that selectedValues holds exactly one entry per
// level below the target level is enforced here.
func (e *Engine) mergeContext(current domain.DrillDownContext, req Request) (domain.DrillDownContext, error) {
	path, err := e.catalog.Get(current.PathID)
	if err != nil {
		return domain.DrillDownContext{}, err
	}
	next := current.Clone()
	if next.SelectedValues == nil {
		next.SelectedValues = make(map[string]string)
	}
	for dim, value := range req.SelectedValues {
		next.SelectedValues[dim] = value
	}
	if req.TimeRange != nil {
		next.TimeRange = *req.TimeRange
	}
	if req.Granularity != "" {
		if !req.Granularity.Valid() {
			return domain.DrillDownContext{}, domain.ErrInvalidGranularity
		}
		next.Granularity = req.Granularity
	}
	if req.Filters != nil {
		next.Filters = make(map[string]string, len(req.Filters))
		for k, v := range req.Filters {
			next.Filters[k] = v
		}
	}

	level := next.Level
	if req.Level != nil {
		level = *req.Level
	} else if len(req.SelectedValues) > 0 && next.Level < len(path.Levels)-1 {
		// Selecting a value at the current level advances one step.
		level = next.Level + 1
	}
	if level < 0 || level >= len(path.Levels) {
		return domain.DrillDownContext{}, fmt.Errorf("%w: level %d of %d", ErrInvalidLevel, level, len(path.Levels))
	}

	// Exactly one selection per level below the target; deeper selections
	// are discarded when navigating upward.
	trimmed := make(map[string]string, level)
	for i := 0; i < level; i++ {
		dim := path.Levels[i].Dimension
		value, ok := next.SelectedValues[dim]
		if !ok || value == "" {
			return domain.DrillDownContext{}, fmt.Errorf("%w: missing selection for dimension %q", ErrInvalidLevel, dim)
		}
		trimmed[dim] = value
	}
	next.SelectedValues = trimmed
	next.Level = level
	return next, nil
}

// execute builds the backend request, transforms rows, and scores the result.
func (e *Engine) execute(ctx context.Context, path domain.DrillDownPath, target domain.DrillDownContext, prefs domain.SessionPreferences) (domain.DrillDownResult, error) {
	level := path.Levels[target.Level]
	limit := level.MaxResults
	if limit <= 0 {
		limit = prefs.RowLimit
	}
	aggregation := level.Aggregation
	if aggregation == "" {
		aggregation = domain.AggregateSum
	}

	rows, err := e.backend.Query(ctx, query.Request{
		MetricIDs:      path.MetricIDs,
		Dimension:      level.Dimension,
		Aggregation:    aggregation,
		SelectedValues: target.SelectedValues,
		Filters:        target.Filters,
		TimeRange:      target.TimeRange,
		TenantID:       target.TenantID,
		SortBy:         level.SortBy,
		SortDirection:  level.SortDirection,
		Limit:          limit,
	})
	if err != nil {
		return domain.DrillDownResult{}, fmt.Errorf("%w: %v", query.ErrBackend, err)
	}

	result := domain.DrillDownResult{
		PathID:      path.ID,
		Level:       target.Level,
		Breadcrumbs: buildBreadcrumbs(path, target),
		ComputedAt:  e.now().UTC(),
	}

	var total float64
	for _, row := range rows {
		total += row.Value
	}
	transformed := make([]domain.DrillDownRow, 0, len(rows))
	for _, row := range rows {
		if math.IsNaN(row.Value) || math.IsInf(row.Value, 0) {
			// Skip the offending row rather than abort the result set.
			if e.logger != nil {
				e.logger.Warn("dropping malformed drill-down row", "label", row.Label, "dimension", level.Dimension)
			}
			continue
		}
		out := domain.DrillDownRow{
			Dimension: level.Dimension,
			Label:     row.Label,
			Value:     row.Value,
			Metadata:  row.Metadata,
		}
		if total != 0 {
			out.Percentage = row.Value / total * 100
		}
		delta := domain.DeltaBetween(row.Previous, row.Value, e.stabilityBandPct)
		out.Trend = delta.Trend
		out.TrendPct = delta.Percentage
		transformed = append(transformed, out)
	}
	rankRows(transformed)
	result.Rows = transformed
	result.Aggregations = aggregateRows(transformed)
	result.Recommendations = recommend(transformed, level.Dimension)
	result.Confidence = confidenceScore(transformed)
	return result, nil
}

// rankRows assigns 1-based ranks by descending value.
func rankRows(rows []domain.DrillDownRow) {
	ranked := make([]int, len(rows))
	for i := range ranked {
		ranked[i] = i
	}
	sort.SliceStable(ranked, func(a, b int) bool {
		return rows[ranked[a]].Value > rows[ranked[b]].Value
	})
	for position, idx := range ranked {
		rows[idx].Rank = position + 1
	}
}

func aggregateRows(rows []domain.DrillDownRow) domain.ResultAggregations {
	agg := domain.ResultAggregations{Count: len(rows)}
	for i, row := range rows {
		if i == 0 || row.Value < agg.Min {
			agg.Min = row.Value
		}
		if i == 0 || row.Value > agg.Max {
			agg.Max = row.Value
		}
		agg.Total += row.Value
	}
	if len(rows) > 0 {
		agg.Avg = agg.Total / float64(len(rows))
	}
	return agg
}

// buildBreadcrumbs emits one entry per level from the root to the current
// level. Levels without a selection show the implicit "All" root.
func buildBreadcrumbs(path domain.DrillDownPath, target domain.DrillDownContext) []domain.Breadcrumb {
	crumbs := make([]domain.Breadcrumb, 0, target.Level+1)
	for i := 0; i <= target.Level; i++ {
		dim := path.Levels[i].Dimension
		value := target.SelectedValues[dim]
		if value == "" {
			value = "All"
		}
		crumbs = append(crumbs, domain.Breadcrumb{Level: i, Dimension: dim, Value: value})
	}
	return crumbs
}

// recommend derives a few deterministic observations from the rows.
func recommend(rows []domain.DrillDownRow, dimension string) []string {
	if len(rows) == 0 {
		return []string{"No data available for this selection. Broaden the time range or clear filters."}
	}
	var out []string
	for _, row := range rows {
		if row.Rank == 1 && row.Percentage > 50 {
			out = append(out, fmt.Sprintf("%s %q accounts for %.1f%% of the total. Consider drilling further to understand the concentration.", dimension, row.Label, row.Percentage))
		}
		if row.Trend == domain.TrendDown && row.TrendPct < -10 {
			out = append(out, fmt.Sprintf("%s %q declined %.1f%% versus the prior period.", dimension, row.Label, -row.TrendPct))
		}
	}
	return out
}

// confidenceScore computes the cache-eligibility heuristic: non-empty result,
// all values non-negative, some non-stable trend present, every row carrying
// metadata.
func confidenceScore(rows []domain.DrillDownRow) float64 {
	var score float64
	if len(rows) > 0 {
		score += weightNonEmpty
	}
	nonNegative := true
	trendSignal := false
	allMetadata := len(rows) > 0
	for _, row := range rows {
		if row.Value < 0 {
			nonNegative = false
		}
		if row.Trend != domain.TrendStable {
			trendSignal = true
		}
		if len(row.Metadata) == 0 {
			allMetadata = false
		}
	}
	if nonNegative && len(rows) > 0 {
		score += weightNonNegative
	}
	if trendSignal {
		score += weightTrendSignal
	}
	if allMetadata {
		score += weightMetadata
	}
	if score > 1 {
		score = 1
	}
	if score < 0 {
		score = 0
	}
	return score
}

func contextsEqual(a, b domain.DrillDownContext) bool {
	return ContextKey(a) == ContextKey(b) && a.UserID == b.UserID
}
