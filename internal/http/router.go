package httpx

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vantagehq/vantage/internal/domain"
	"github.com/vantagehq/vantage/internal/drilldown"
	"github.com/vantagehq/vantage/internal/metrics"
	"github.com/vantagehq/vantage/internal/query"
	"github.com/vantagehq/vantage/internal/stream"
	"github.com/vantagehq/vantage/internal/ws"
)

// SubscriptionLister reads durably stored streaming subscriptions. Optional;
// the route answers 501 when no store is wired.
type SubscriptionLister interface {
	ListByTenant(ctx context.Context, tenantID string, limit int) ([]domain.Subscription, error)
}

// Router wires HTTP endpoints to the streaming server and drill-down engine.
type Router struct {
	mux           *http.ServeMux
	logger        *slog.Logger
	stream        *stream.Server
	store         *metrics.Store
	catalog       *drilldown.Catalog
	sessions      *drilldown.Sessions
	cache         *drilldown.ResultCache
	engine        *drilldown.Engine
	subscriptions SubscriptionLister
	upgrader      websocket.Upgrader
	limiter       RateLimiter
	jwtSecret     string
	ingestToken   string
	sendBuffer    int
	dbHealth      func(context.Context) error

	metricsOnce        sync.Once
	metricsInitialized bool
	requestTotal       *prometheus.CounterVec
	requestLatency     *prometheus.HistogramVec
	rateLimitHits      *prometheus.CounterVec
	streamClients      prometheus.GaugeFunc
}

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitRead      = 120
	rateLimitWrite     = 60
	rateLimitWebsocket = 30
	rateLimitIngest    = 600
	rateLimitExport    = 20
	healthCheckTimeout = 2 * time.Second
)

// Options collects router dependencies.
type Options struct {
	Logger        *slog.Logger
	Stream        *stream.Server
	Store         *metrics.Store
	Catalog       *drilldown.Catalog
	Sessions      *drilldown.Sessions
	Cache         *drilldown.ResultCache
	Engine        *drilldown.Engine
	Subscriptions SubscriptionLister
	Limiter       RateLimiter
	JWTSecret     string
	IngestToken   string
	SendBuffer    int
	DBHealth      func(context.Context) error
}

// NewRouter assembles routes with dependencies.
func NewRouter(opts Options) *Router {
	r := &Router{
		mux:      http.NewServeMux(),
		logger:   opts.Logger,
		stream:   opts.Stream,
		store:    opts.Store,
		catalog:  opts.Catalog,
		sessions: opts.Sessions,
		cache:    opts.Cache,
		engine:   opts.Engine,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		subscriptions: opts.Subscriptions,
		limiter:       opts.Limiter,
		jwtSecret:     opts.JWTSecret,
		ingestToken:   strings.TrimSpace(opts.IngestToken),
		sendBuffer:    opts.SendBuffer,
		dbHealth:      opts.DBHealth,
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	r.initMetrics()
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/stats", r.audit("/stats", r.handlerAuthRate("/stats", rateLimitRead, rateWindowDefault, r.handleStats)))
	r.mux.HandleFunc("/paths", r.audit("/paths", r.handlerAuthRate("/paths", rateLimitWrite, rateWindowDefault, r.handlePaths)))
	r.mux.HandleFunc("/paths/", r.audit("/paths/{id}", r.handlerAuthRate("/paths/{id}", rateLimitRead, rateWindowDefault, r.handlePathByID)))
	r.mux.HandleFunc("/sessions", r.audit("/sessions", r.handlerAuthRate("/sessions", rateLimitWrite, rateWindowDefault, r.handleSessions)))
	r.mux.HandleFunc("/sessions/", r.audit("/sessions/{id}", r.handlerAuthRate("/sessions/{id}", rateLimitRead, rateWindowDefault, r.handleSessionSubroutes)))
	r.mux.HandleFunc("/series/", r.audit("/series/{id}", r.handlerAuthRate("/series/{id}", rateLimitRead, rateWindowDefault, r.handleSeries)))
	r.mux.HandleFunc("/subscriptions", r.audit("/subscriptions", r.handlerAuthRate("/subscriptions", rateLimitRead, rateWindowDefault, r.handleSubscriptions)))
	r.mux.HandleFunc("/publish/", r.audit("/publish", r.withRateLimit("/publish", rateLimitIngest, rateWindowDefault, rateLimitKeyIP, r.handlePublish)))
	r.mux.HandleFunc("/ws/stream", r.audit("/ws/stream", r.withRateLimit("/ws/stream", rateLimitWebsocket, rateWindowRealtime, rateLimitKeyIP, r.handleStreamWS)))
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if r.dbHealth != nil {
		ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
		defer cancel()
		if err := r.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func (r *Router) handleStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stream":         r.stream.Stats(),
		"cache":          r.cache.Stats(),
		"sessions":       r.sessions.Len(),
		"trackedMetrics": len(r.store.MetricIDs()),
	})
}

func (r *Router) handlePaths(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, r.catalog.List())
	case http.MethodPost:
		var path domain.DrillDownPath
		if err := json.NewDecoder(req.Body).Decode(&path); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		created, err := r.catalog.Create(path)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, created)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handlePathByID(w http.ResponseWriter, req *http.Request) {
	pathID := strings.TrimPrefix(req.URL.Path, "/paths/")
	if pathID == "" || strings.Contains(pathID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	path, err := r.catalog.Get(pathID)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, path)
}

// handleSeries exposes the ring buffers for dashboards that poll instead of
// streaming: /series/{id}/history and /series/{id}/aggregate.
func (r *Router) handleSeries(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	trimmed := strings.TrimPrefix(req.URL.Path, "/series/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 2 || parts[0] == "" {
		r.notFound(w)
		return
	}
	metricID := parts[0]

	switch parts[1] {
	case "history":
		since := time.Time{}
		if raw := req.URL.Query().Get("since"); raw != "" {
			parsed, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			since = parsed
		}
		limit := 100
		if raw := req.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			limit = parsed
		}
		samples := r.store.History(metricID, since, limit)
		writeJSON(w, http.StatusOK, map[string]any{
			"metricId": metricID,
			"samples":  samples,
		})
	case "aggregate":
		g := domain.Granularity(req.URL.Query().Get("granularity"))
		if !g.Valid() || g == domain.GranularityRaw {
			writeError(w, http.StatusBadRequest, "granularity must be minute, hour or day")
			return
		}
		agg, ok := r.store.Aggregate(metricID, g)
		if !ok {
			writeError(w, http.StatusNotFound, "no samples in window")
			return
		}
		writeJSON(w, http.StatusOK, agg)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleSessions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		PathID      string                    `json:"pathId"`
		Preferences domain.SessionPreferences `json:"preferences"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.PathID == "" {
		writeError(w, http.StatusBadRequest, "pathId is required")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for session creation", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	session, err := r.sessions.Start(info.UserID, info.TenantID, payload.PathID, payload.Preferences)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session.View())
}

func (r *Router) handleSessionSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.TrimPrefix(req.URL.Path, "/sessions/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 1 || parts[0] == "" {
		r.notFound(w)
		return
	}
	sessionID := parts[0]
	session, ok := r.ownedSession(w, req, sessionID)
	if !ok {
		return
	}

	switch {
	case len(parts) == 1:
		r.handleSessionRoot(w, req, session)
	case len(parts) == 2 && parts[1] == "drilldown":
		r.handleDrillDown(w, req, sessionID)
	case len(parts) == 2 && parts[1] == "back":
		r.handleNavigateBack(w, req, sessionID)
	case len(parts) == 2 && parts[1] == "bookmarks":
		r.handleBookmarks(w, req, session)
	case len(parts) == 4 && parts[1] == "bookmarks" && parts[3] == "load":
		r.handleLoadBookmark(w, req, sessionID, parts[2])
	case len(parts) == 2 && parts[1] == "export":
		r.handleExport(w, req, sessionID)
	default:
		r.notFound(w)
	}
}

// ownedSession resolves the session and rejects callers who do not own it.
// Foreign sessions read as missing so ids cannot be probed.
func (r *Router) ownedSession(w http.ResponseWriter, req *http.Request, sessionID string) (*drilldown.Session, bool) {
	session, err := r.sessions.Get(sessionID)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return nil, false
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for session route", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return nil, false
	}
	if session.UserID != info.UserID {
		writeError(w, http.StatusNotFound, drilldown.ErrSessionNotFound.Error())
		return nil, false
	}
	return session, true
}

func (r *Router) handleSessionRoot(w http.ResponseWriter, req *http.Request, session *drilldown.Session) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, session.View())
	case http.MethodDelete:
		r.sessions.End(session.ID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ended"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleDrillDown(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload drilldown.Request
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := r.engine.PerformDrillDown(req.Context(), sessionID, payload)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleNavigateBack(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.engine.NavigateBack(req.Context(), sessionID)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleBookmarks(w http.ResponseWriter, req *http.Request, session *drilldown.Session) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, session.View().Bookmarks)
	case http.MethodPost:
		var payload struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		payload.Name = strings.TrimSpace(payload.Name)
		if payload.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		bookmark, err := r.engine.CreateBookmark(session.ID, payload.Name)
		if err != nil {
			writeError(w, drilldownStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, bookmark)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleLoadBookmark(w http.ResponseWriter, req *http.Request, sessionID, bookmarkID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	result, err := r.engine.LoadBookmark(req.Context(), sessionID, bookmarkID)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (r *Router) handleExport(w http.ResponseWriter, req *http.Request, sessionID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	key := r.rateLimitKeyUser(req)
	if key == "" {
		key = rateLimitKeyIP(req)
	}
	decision := r.limiter.Allow("export:"+key, rateLimitExport, rateWindowDefault)
	r.applyRateHeaders(w, rateLimitExport, decision)
	if !decision.allowed {
		r.recordRateLimitHit("/sessions/{id}/export", rateMetricKey(key))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}
	format := req.URL.Query().Get("format")
	if format == "" {
		format = drilldown.FormatJSON
	}
	data, contentType, err := r.engine.ExportData(req.Context(), sessionID, format)
	if err != nil {
		writeError(w, drilldownStatus(err), err.Error())
		return
	}
	filename := "drilldown." + format
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (r *Router) handleSubscriptions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.subscriptions == nil {
		writeError(w, http.StatusNotImplemented, "subscription store not configured")
		return
	}
	info, ok := authInfoFromContext(req.Context())
	if !ok {
		r.logger.Error("auth context missing for subscription listing", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "authorization context missing")
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	subs, err := r.subscriptions.ListByTenant(req.Context(), info.TenantID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if subs == nil {
		subs = []domain.Subscription{}
	}
	writeJSON(w, http.StatusOK, subs)
}

func (r *Router) handlePublish(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.verifyIngestToken(w, req) {
		return
	}
	kind := strings.TrimPrefix(req.URL.Path, "/publish/")
	switch kind {
	case "metric":
		r.handlePublishMetric(w, req)
	case "kpi":
		r.handlePublishKPI(w, req)
	case "alert":
		r.handlePublishAlert(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handlePublishMetric(w http.ResponseWriter, req *http.Request) {
	var sample domain.MetricSample
	if err := json.NewDecoder(req.Body).Decode(&sample); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(sample.MetricID) == "" {
		writeError(w, http.StatusBadRequest, "metricId is required")
		return
	}
	if math.IsNaN(sample.Value) || math.IsInf(sample.Value, 0) {
		writeError(w, http.StatusBadRequest, "value must be finite")
		return
	}
	r.stream.PublishMetricUpdate(sample)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (r *Router) handlePublishKPI(w http.ResponseWriter, req *http.Request) {
	var payload struct {
		KPIID string         `json:"kpiId"`
		Data  map[string]any `json:"data"`
	}
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(payload.KPIID) == "" {
		writeError(w, http.StatusBadRequest, "kpiId is required")
		return
	}
	r.stream.PublishKPIUpdate(payload.KPIID, payload.Data)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (r *Router) handlePublishAlert(w http.ResponseWriter, req *http.Request) {
	var alert domain.Alert
	if err := json.NewDecoder(req.Body).Decode(&alert); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(alert.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if alert.MetricID == "" && alert.KPIID == "" {
		writeError(w, http.StatusBadRequest, "metricId or kpiId is required")
		return
	}
	if alert.Severity == "" {
		alert.Severity = domain.AlertSeverityMedium
	}
	r.stream.PublishAlert(alert)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (r *Router) handleStreamWS(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewConn(conn, r.sendBuffer, r.logger)
	clientID, err := r.stream.Attach(client, req.RemoteAddr)
	if err != nil {
		r.logger.Warn("stream attach rejected", "error", err, "remote_addr", req.RemoteAddr)
		return
	}
	go func() {
		defer r.stream.Detach(clientID, "connection closed")
		for {
			data, err := client.ReadMessage()
			if err != nil {
				return
			}
			r.stream.HandleInbound(clientID, data)
		}
	}()
}

// drilldownStatus maps engine errors onto HTTP statuses.
func drilldownStatus(err error) int {
	switch {
	case errors.Is(err, drilldown.ErrPathNotFound),
		errors.Is(err, drilldown.ErrSessionNotFound),
		errors.Is(err, drilldown.ErrBookmarkNotFound):
		return http.StatusNotFound
	case errors.Is(err, drilldown.ErrNoHistory):
		return http.StatusConflict
	case errors.Is(err, drilldown.ErrInvalidPath),
		errors.Is(err, drilldown.ErrInvalidLevel),
		errors.Is(err, domain.ErrInvalidGranularity):
		return http.StatusBadRequest
	case errors.Is(err, query.ErrBackend):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

type contextSetter interface {
	SetContext(context.Context)
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.recordRequestMetrics(req.Method, route, status, duration)
		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if info, ok := authInfoFromContext(ctx); ok {
			actor = "user"
			fields = append(fields, "user_id", info.UserID)
			if info.TenantID != "" {
				fields = append(fields, "tenant_id", info.TenantID)
			}
		} else if strings.HasPrefix(req.URL.Path, "/publish/") {
			actor = "publisher"
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// verifyIngestToken ensures publish calls include the configured secret.
func (r *Router) verifyIngestToken(w http.ResponseWriter, req *http.Request) bool {
	expected := r.ingestToken
	if expected == "" {
		r.logger.Error("ingest token not configured", "path", req.URL.Path)
		writeError(w, http.StatusInternalServerError, "ingest authentication misconfigured")
		return false
	}
	token := strings.TrimSpace(req.Header.Get("X-Ingest-Token"))
	if len(token) != len(expected) || subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
		r.logger.Warn("ingest token mismatch", "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid ingest token")
		return false
	}
	return true
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
