package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/vantagehq/vantage/internal/domain"
	"github.com/vantagehq/vantage/internal/metrics"
)

// TokenVerifier validates handshake tokens and yields the caller's identity.
type TokenVerifier interface {
	Verify(token string) (userID, tenantID string, err error)
}

// SubscriptionSink durably records subscription lifecycle. Optional; calls
// are made off the run loop and failures only log.
type SubscriptionSink interface {
	Save(ctx context.Context, sub domain.Subscription) error
	Delete(ctx context.Context, subID string) error
}

// ErrServerFull rejects connections beyond the configured client cap.
var ErrServerFull = errors.New("connection limit reached")

// Config tunes a streaming server.
type Config struct {
	RequireAuth        bool
	HeartbeatInterval  time.Duration
	IdleWindow         time.Duration
	RateLimitPerClient int
	MaxClients         int
	StabilityBandPct   float64
	CommandBuffer      int
	// MinUpdateFloor clamps client-requested update throttles so a
	// subscriber cannot ask for more frequent pushes than the server allows.
	MinUpdateFloor time.Duration
}

// Stats is a diagnostics snapshot of the server.
type Stats struct {
	Clients       int       `json:"clients"`
	Subscriptions int       `json:"subscriptions"`
	FramesSent    uint64    `json:"framesSent"`
	StartedAt     time.Time `json:"startedAt"`
}

// Server multiplexes live client connections against the shared metric set.
// A single run loop owns the registry, index and sequence counter; everything
// reaches it through a bounded FIFO command channel, which is what preserves
// per-client frame ordering and gap-free sequence numbers.
type Server struct {
	cfg      Config
	log      *slog.Logger
	store    *metrics.Store
	verifier TokenVerifier
	sink     SubscriptionSink

	registry *Registry
	index    *SubscriptionIndex
	kpis     map[string]domain.KPISnapshot
	lastPush map[string]time.Time

	commands   chan any
	seq        uint64
	framesSent uint64
	startedAt  time.Time
	now        func() time.Time
}

type attachResult struct {
	clientID string
	err      error
}

type attachCmd struct {
	sender     Sender
	remoteAddr string
	reply      chan attachResult
}

type inboundCmd struct {
	clientID string
	data     []byte
}

type detachCmd struct {
	clientID string
	reason   string
}

type publishMetricCmd struct{ sample domain.MetricSample }

type publishKPICmd struct{ snapshot domain.KPISnapshot }

type publishAlertCmd struct{ alert domain.Alert }

type sweepCmd struct{ idle bool }

type statsCmd struct{ reply chan Stats }

// NewServer constructs a streaming server over the given metric store.
func NewServer(cfg Config, store *metrics.Store, verifier TokenVerifier, logger *slog.Logger) *Server {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleWindow <= 0 {
		cfg.IdleWindow = 5 * time.Minute
	}
	if cfg.StabilityBandPct <= 0 {
		cfg.StabilityBandPct = 1.0
	}
	if cfg.CommandBuffer <= 0 {
		cfg.CommandBuffer = 1024
	}
	if logger != nil {
		logger = logger.With("component", "stream_server")
	}
	return &Server{
		cfg:      cfg,
		log:      logger,
		store:    store,
		verifier: verifier,
		registry: NewRegistry(),
		index:    NewSubscriptionIndex(),
		kpis:     make(map[string]domain.KPISnapshot),
		lastPush: make(map[string]time.Time),
		commands: make(chan any, cfg.CommandBuffer),
		now:      time.Now,
	}
}

// SetSubscriptionSink attaches an optional durable subscription store.
func (s *Server) SetSubscriptionSink(sink SubscriptionSink) {
	s.sink = sink
}

// SetClock injects a clock for tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// Run processes commands and sweep ticks until the context is cancelled.
func (s *Server) Run(ctx context.Context) {
	s.startedAt = s.now()
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	idle := time.NewTicker(s.cfg.IdleWindow / 2)
	defer idle.Stop()

	if s.log != nil {
		s.log.Info("streaming server started",
			"heartbeat_interval", s.cfg.HeartbeatInterval,
			"idle_window", s.cfg.IdleWindow,
			"rate_limit_per_client", s.cfg.RateLimitPerClient)
	}
	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case <-heartbeat.C:
			s.sweepHeartbeats()
		case <-idle.C:
			s.sweepIdle()
		case cmd := <-s.commands:
			s.dispatch(cmd)
		}
	}
}

func (s *Server) dispatch(cmd any) {
	switch c := cmd.(type) {
	case attachCmd:
		c.reply <- s.attach(c.sender, c.remoteAddr)
	case inboundCmd:
		s.handleInbound(c.clientID, c.data)
	case detachCmd:
		s.disconnect(c.clientID, c.reason)
	case publishMetricCmd:
		s.publishMetric(c.sample)
	case publishKPICmd:
		s.publishKPI(c.snapshot)
	case publishAlertCmd:
		s.publishAlert(c.alert)
	case sweepCmd:
		if c.idle {
			s.sweepIdle()
		} else {
			s.sweepHeartbeats()
		}
	case statsCmd:
		c.reply <- Stats{
			Clients:       s.registry.Len(),
			Subscriptions: s.index.Len(),
			FramesSent:    s.framesSent,
			StartedAt:     s.startedAt,
		}
	}
}

func (s *Server) shutdown() {
	s.registry.Each(func(c *Client) {
		s.disconnect(c.ID, "server shutdown")
	})
	if s.log != nil {
		s.log.Info("streaming server stopped")
	}
}

// Attach registers a freshly accepted connection and returns its client id.
func (s *Server) Attach(sender Sender, remoteAddr string) (string, error) {
	reply := make(chan attachResult, 1)
	s.commands <- attachCmd{sender: sender, remoteAddr: remoteAddr, reply: reply}
	res := <-reply
	return res.clientID, res.err
}

// HandleInbound forwards a raw inbound message for processing on the loop.
func (s *Server) HandleInbound(clientID string, data []byte) {
	s.commands <- inboundCmd{clientID: clientID, data: data}
}

// Detach disconnects a client. Safe to call for already-removed ids.
func (s *Server) Detach(clientID, reason string) {
	s.commands <- detachCmd{clientID: clientID, reason: reason}
}

// PublishMetricUpdate enqueues a sample for fan-out. Fire and forget: the
// fan-out happens on the run loop, not before this returns.
func (s *Server) PublishMetricUpdate(sample domain.MetricSample) {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = s.now().UTC()
	}
	s.commands <- publishMetricCmd{sample: sample}
}

// PublishKPIUpdate enqueues a KPI snapshot for fan-out.
func (s *Server) PublishKPIUpdate(kpiID string, data map[string]any) {
	s.commands <- publishKPICmd{snapshot: domain.KPISnapshot{
		KPIID:     kpiID,
		Data:      data,
		UpdatedAt: s.now().UTC(),
	}}
}

// PublishAlert enqueues an alert for fan-out. Alerts reach every subscription
// watching the metric or KPI regardless of filters.
func (s *Server) PublishAlert(alert domain.Alert) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}
	s.commands <- publishAlertCmd{alert: alert}
}

// Stats returns a diagnostics snapshot. Because the command channel is FIFO,
// the snapshot reflects every call enqueued before it.
func (s *Server) Stats() Stats {
	reply := make(chan Stats, 1)
	s.commands <- statsCmd{reply: reply}
	return <-reply
}

func (s *Server) attach(sender Sender, remoteAddr string) attachResult {
	if s.cfg.MaxClients > 0 && s.registry.Len() >= s.cfg.MaxClients {
		sender.Close()
		return attachResult{err: ErrServerFull}
	}
	now := s.now()
	client := s.registry.Register(sender, remoteAddr, s.cfg.RateLimitPerClient, s.cfg.RequireAuth, now)
	if s.log != nil {
		s.log.Info("client connected", "client_id", client.ID, "remote_addr", remoteAddr)
	}
	if s.cfg.RequireAuth {
		s.sendFrame(client, FrameAuthenticationRequired, "", nil)
	}
	return attachResult{clientID: client.ID}
}

func (s *Server) handleInbound(clientID string, data []byte) {
	client, ok := s.registry.Get(clientID)
	if !ok {
		return
	}
	now := s.now()
	client.MessagesReceived++
	client.LastTraffic = now

	if !client.bucket.tryConsume(now) {
		s.sendError(client, CodeRateLimited, "rate limit exceeded")
		return
	}

	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(client, CodeMalformedMessage, "invalid message")
		return
	}

	if s.cfg.RequireAuth && !client.authenticated() &&
		msg.Type != FrameAuthenticate && msg.Type != FrameHeartbeat {
		s.sendError(client, CodeAuthenticationRequired, "authentication required")
		return
	}

	switch msg.Type {
	case FrameAuthenticate:
		s.handleAuthenticate(client, msg.Payload)
	case FrameSubscribe:
		s.handleSubscribe(client, msg.Payload)
	case FrameUnsubscribe:
		s.handleUnsubscribe(client, msg.Payload)
	case FrameHeartbeat:
		client.LastHeartbeat = now
		s.sendFrame(client, FrameHeartbeat, "", map[string]any{"serverTime": now.UTC()})
	default:
		s.sendError(client, CodeUnknownMessageType, "unknown message type")
	}
}

func (s *Server) handleAuthenticate(client *Client, raw json.RawMessage) {
	var payload AuthenticatePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Token == "" {
		s.sendFrame(client, FrameAuthenticationFailed, "", map[string]string{"reason": "token required"})
		return
	}
	if s.verifier == nil {
		s.sendFrame(client, FrameAuthenticationFailed, "", map[string]string{"reason": "authentication unavailable"})
		return
	}
	userID, tenantID, err := s.verifier.Verify(payload.Token)
	if err != nil {
		if s.log != nil {
			s.log.Warn("authentication failed", "client_id", client.ID, "error", err)
		}
		s.sendFrame(client, FrameAuthenticationFailed, "", map[string]string{"reason": "invalid token"})
		return
	}
	client.UserID = userID
	client.TenantID = tenantID
	client.State = stateAuthenticated
	s.sendFrame(client, FrameAuthenticationSuccess, "", map[string]string{
		"userId":   userID,
		"tenantId": tenantID,
	})
}

func (s *Server) handleSubscribe(client *Client, raw json.RawMessage) {
	if !client.authenticated() {
		s.sendError(client, CodeAuthenticationRequired, "authentication required")
		return
	}
	var req SubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		s.sendError(client, CodeMalformedMessage, "invalid subscribe payload")
		return
	}
	if req.AggregationLevel == "" {
		req.AggregationLevel = domain.GranularityRaw
	}
	minInterval := time.Duration(req.MaxUpdateFrequency) * time.Millisecond
	if minInterval > 0 && minInterval < s.cfg.MinUpdateFloor {
		minInterval = s.cfg.MinUpdateFloor
	}
	sub := &domain.Subscription{
		ID:                uuid.NewString(),
		ClientID:          client.ID,
		UserID:            client.UserID,
		TenantID:          client.TenantID,
		MetricIDs:         req.MetricIDs,
		KPIIDs:            req.KPIIDs,
		Filters:           req.Filters,
		Granularity:       req.AggregationLevel,
		MinUpdateInterval: minInterval,
		CreatedAt:         s.now().UTC(),
	}
	if err := sub.Validate(); err != nil {
		s.sendFrame(client, FrameSubscriptionStatus, "", SubscriptionStatusPayload{
			Status: "rejected",
			Reason: err.Error(),
		})
		return
	}

	s.index.Add(sub)
	client.Subscriptions[sub.ID] = struct{}{}
	s.sinkSave(*sub)

	s.sendFrame(client, FrameSubscriptionStatus, sub.ID, SubscriptionStatusPayload{
		SubscriptionID: sub.ID,
		Status:         "active",
	})

	// Initial snapshots: one frame per requested id, before any live update.
	for _, metricID := range sub.MetricIDs {
		sample, ok := s.store.Latest(metricID)
		if !ok {
			continue
		}
		payload := MetricUpdatePayload{
			MetricID:       metricID,
			SubscriptionID: sub.ID,
			Current:        sample,
			Change:         domain.Delta{Trend: domain.TrendStable},
		}
		if sub.Granularity != domain.GranularityRaw {
			if agg, ok := s.store.Aggregate(metricID, sub.Granularity); ok {
				payload.Aggregation = &agg
			}
		}
		s.sendFrame(client, FrameMetricUpdate, sub.ID, payload)
	}
	for _, kpiID := range sub.KPIIDs {
		snapshot, ok := s.kpis[kpiID]
		if !ok {
			continue
		}
		s.sendFrame(client, FrameKPIUpdate, sub.ID, KPIUpdatePayload{
			KPIID:          kpiID,
			SubscriptionID: sub.ID,
			Data:           snapshot.Data,
			UpdatedAt:      snapshot.UpdatedAt,
		})
	}
}

func (s *Server) handleUnsubscribe(client *Client, raw json.RawMessage) {
	var req UnsubscribeRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.SubscriptionID == "" {
		s.sendError(client, CodeMalformedMessage, "invalid unsubscribe payload")
		return
	}
	sub, ok := s.index.Get(req.SubscriptionID)
	if !ok || sub.ClientID != client.ID {
		s.sendError(client, CodeSubscriptionNotFound, "subscription not found")
		return
	}
	s.index.Remove(sub.ID)
	delete(client.Subscriptions, sub.ID)
	s.sinkDelete(sub.ID)
	s.clearThrottle(sub.ID)
	s.sendFrame(client, FrameSubscriptionStatus, sub.ID, SubscriptionStatusPayload{
		SubscriptionID: sub.ID,
		Status:         "removed",
	})
}

// clearThrottle drops every lastPush entry recorded for the subscription so
// removed subscriptions do not accumulate throttle state.
func (s *Server) clearThrottle(subID string) {
	prefix := subID + "|"
	for key := range s.lastPush {
		if strings.HasPrefix(key, prefix) {
			delete(s.lastPush, key)
		}
	}
}

func (s *Server) publishMetric(sample domain.MetricSample) {
	prev := s.store.Append(sample)
	var prevValue *float64
	if prev != nil {
		prevValue = &prev.Value
	}
	change := domain.DeltaBetween(prevValue, sample.Value, s.cfg.StabilityBandPct)
	now := s.now()

	for _, sub := range s.index.ForMetric(sample.MetricID) {
		if !matchesFilters(sub.Filters, sample) {
			continue
		}
		if sub.MinUpdateInterval > 0 {
			key := sub.ID + "|" + sample.MetricID
			if last, ok := s.lastPush[key]; ok && now.Sub(last) < sub.MinUpdateInterval {
				continue
			}
			s.lastPush[key] = now
		}
		client, ok := s.registry.Get(sub.ClientID)
		if !ok {
			continue
		}
		payload := MetricUpdatePayload{
			MetricID:       sample.MetricID,
			SubscriptionID: sub.ID,
			Current:        sample,
			Previous:       prev,
			Change:         change,
		}
		if sub.Granularity != domain.GranularityRaw {
			if agg, ok := s.store.Aggregate(sample.MetricID, sub.Granularity); ok {
				payload.Aggregation = &agg
			}
		}
		s.sendFrame(client, FrameMetricUpdate, sub.ID, payload)
	}
}

func (s *Server) publishKPI(snapshot domain.KPISnapshot) {
	s.kpis[snapshot.KPIID] = snapshot
	for _, sub := range s.index.ForKPI(snapshot.KPIID) {
		client, ok := s.registry.Get(sub.ClientID)
		if !ok {
			continue
		}
		s.sendFrame(client, FrameKPIUpdate, sub.ID, KPIUpdatePayload{
			KPIID:          snapshot.KPIID,
			SubscriptionID: sub.ID,
			Data:           snapshot.Data,
			UpdatedAt:      snapshot.UpdatedAt,
		})
	}
}

func (s *Server) publishAlert(alert domain.Alert) {
	for _, sub := range s.index.ForAlert(alert.MetricID, alert.KPIID) {
		client, ok := s.registry.Get(sub.ClientID)
		if !ok {
			continue
		}
		s.sendFrame(client, FrameAlert, sub.ID, alert)
	}
}

// sweepHeartbeats force-closes authenticated clients that missed two
// heartbeat intervals and pings the rest.
func (s *Server) sweepHeartbeats() {
	now := s.now()
	cutoff := 2 * s.cfg.HeartbeatInterval
	s.registry.Each(func(c *Client) {
		if !c.authenticated() {
			return
		}
		if now.Sub(c.LastHeartbeat) > cutoff {
			s.disconnect(c.ID, "heartbeat timeout")
			return
		}
		if err := c.Sender.Ping(); err != nil {
			s.disconnect(c.ID, "ping failed")
		}
	})
}

// sweepIdle disconnects any client with zero traffic for the idle window,
// authenticated or not, as a cleanup for half-open sockets.
func (s *Server) sweepIdle() {
	now := s.now()
	s.registry.Each(func(c *Client) {
		if now.Sub(c.LastTraffic) > s.cfg.IdleWindow {
			s.disconnect(c.ID, "idle timeout")
		}
	})
}

// disconnect removes the client, cascades its subscriptions, and emits a
// disconnection event with session counters. Idempotent.
func (s *Server) disconnect(clientID, reason string) {
	client := s.registry.Remove(clientID)
	if client == nil {
		return
	}
	for subID := range client.Subscriptions {
		s.index.Remove(subID)
		s.sinkDelete(subID)
		s.clearThrottle(subID)
	}
	client.Sender.Close()
	if s.log != nil {
		s.log.Info("client disconnected",
			"client_id", client.ID,
			"reason", reason,
			"duration_ms", s.now().Sub(client.ConnectedAt).Milliseconds(),
			"messages_sent", client.MessagesSent,
			"messages_received", client.MessagesReceived,
			"bytes_sent", client.BytesSent)
	}
}

func (s *Server) sendError(client *Client, code ErrorCode, message string) {
	s.sendFrame(client, FrameError, "", ErrorPayload{Code: code, Message: message})
}

func (s *Server) sendFrame(client *Client, frameType FrameType, subID string, payload any) {
	s.seq++
	frame := Frame{
		Type:           frameType,
		Timestamp:      s.now().UTC(),
		SubscriptionID: subID,
		Payload:        payload,
		SequenceNumber: s.seq,
	}
	data, err := json.Marshal(frame)
	if err != nil {
		if s.log != nil {
			s.log.Error("frame marshal failed", "type", frameType, "error", err)
		}
		return
	}
	if err := client.Sender.Send(data); err != nil {
		s.disconnect(client.ID, "send failed")
		return
	}
	client.MessagesSent++
	client.BytesSent += int64(len(data))
	client.LastTraffic = s.now()
	s.framesSent++
}

func (s *Server) sinkSave(sub domain.Subscription) {
	if s.sink == nil {
		return
	}
	go func() {
		if err := s.sink.Save(context.Background(), sub); err != nil && s.log != nil {
			s.log.Warn("subscription sink save failed", "subscription_id", sub.ID, "error", err)
		}
	}()
}

func (s *Server) sinkDelete(subID string) {
	if s.sink == nil {
		return
	}
	go func() {
		if err := s.sink.Delete(context.Background(), subID); err != nil && s.log != nil {
			s.log.Warn("subscription sink delete failed", "subscription_id", subID, "error", err)
		}
	}()
}
