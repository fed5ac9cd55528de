package drilldown

import (
	"context"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/vantagehq/vantage/internal/domain"
)

const (
	defaultSessionIdle  = 30 * time.Minute
	defaultSessionSweep = 5 * time.Minute
)

// Session is one user's navigation state machine. The engine serializes all
// mutation per session through mu; callers never hold a Session across calls.
type Session struct {
	mu sync.Mutex

	ID       string
	UserID   string
	TenantID string

	Current     domain.DrillDownContext
	History     []domain.DrillDownContext
	Bookmarks   map[string]domain.Bookmark
	Preferences domain.SessionPreferences

	LastResult *domain.DrillDownResult

	CreatedAt    time.Time
	LastActiveAt time.Time
}

// SessionView is session state snapshotted for API responses.
type SessionView struct {
	ID           string                    `json:"id"`
	UserID       string                    `json:"userId"`
	TenantID     string                    `json:"tenantId"`
	Current      domain.DrillDownContext   `json:"current"`
	HistoryDepth int                       `json:"historyDepth"`
	Bookmarks    []domain.Bookmark         `json:"bookmarks"`
	Preferences  domain.SessionPreferences `json:"preferences"`
	CreatedAt    time.Time                 `json:"createdAt"`
	LastActiveAt time.Time                 `json:"lastActiveAt"`
}

// Sessions manages live drill-down sessions and garbage-collects idle ones.
type Sessions struct {
	mu       sync.Mutex
	sessions map[string]*Session
	catalog  *Catalog
	idle     time.Duration
	sweep    time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessions builds a session manager over a path catalog.
func NewSessions(catalog *Catalog, idle, sweep time.Duration, logger *slog.Logger) *Sessions {
	if idle <= 0 {
		idle = defaultSessionIdle
	}
	if sweep <= 0 {
		sweep = defaultSessionSweep
	}
	if logger != nil {
		logger = logger.With("component", "drilldown_sessions")
	}
	return &Sessions{
		sessions: make(map[string]*Session),
		catalog:  catalog,
		idle:     idle,
		sweep:    sweep,
		logger:   logger,
		now:      time.Now,
	}
}

// SetClock injects a clock for tests.
func (m *Sessions) SetClock(now func() time.Time) { m.now = now }

// Start creates a session rooted at level zero of the given path.
func (m *Sessions) Start(userID, tenantID, pathID string, prefs domain.SessionPreferences) (*Session, error) {
	if _, err := m.catalog.Get(pathID); err != nil {
		return nil, err
	}
	now := m.now().UTC()
	granularity := prefs.DefaultGranularity
	if granularity == "" {
		granularity = domain.GranularityDay
	}
	s := &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		TenantID: tenantID,
		Current: domain.DrillDownContext{
			PathID:      pathID,
			Level:       0,
			Granularity: granularity,
			UserID:      userID,
			TenantID:    tenantID,
		},
		Bookmarks:    make(map[string]domain.Bookmark),
		Preferences:  prefs,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
	return s, nil
}

// Get returns the live session for an id.
func (m *Sessions) Get(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Len reports the number of live sessions.
func (m *Sessions) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// End removes a session. Idempotent.
func (m *Sessions) End(sessionID string) {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
}

// touch marks a session active. Called by the engine on every operation.
func (m *Sessions) touch(s *Session) {
	s.LastActiveAt = m.now().UTC()
}

// View snapshots a session for API responses.
func (s *Session) View() SessionView {
	s.mu.Lock()
	defer s.mu.Unlock()
	bookmarks := make([]domain.Bookmark, 0, len(s.Bookmarks))
	for _, b := range s.Bookmarks {
		bookmarks = append(bookmarks, b)
	}
	return SessionView{
		ID:           s.ID,
		UserID:       s.UserID,
		TenantID:     s.TenantID,
		Current:      s.Current.Clone(),
		HistoryDepth: len(s.History),
		Bookmarks:    bookmarks,
		Preferences:  s.Preferences,
		CreatedAt:    s.CreatedAt,
		LastActiveAt: s.LastActiveAt,
	}
}

// Run garbage-collects idle sessions until the context is cancelled.
func (m *Sessions) Run(ctx context.Context) {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Sessions) evictIdle() {
	cutoff := m.now().Add(-m.idle)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if s.LastActiveAt.Before(cutoff) {
			delete(m.sessions, id)
			if m.logger != nil {
				m.logger.Info("idle session evicted", "session_id", id, "user_id", s.UserID)
			}
		}
	}
}
