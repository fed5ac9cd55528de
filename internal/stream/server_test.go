package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/vantagehq/vantage/internal/domain"
	"github.com/vantagehq/vantage/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu      sync.Mutex
	frames  [][]byte
	sendErr error
	pings   int
	closed  bool
}

func (f *fakeSender) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	f.frames = append(f.frames, buf)
	return nil
}

func (f *fakeSender) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return nil
}

func (f *fakeSender) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSender) failSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

type recordedFrame struct {
	Type           FrameType       `json:"type"`
	SubscriptionID string          `json:"subscriptionId"`
	SequenceNumber uint64          `json:"sequenceNumber"`
	Payload        json.RawMessage `json:"payload"`
}

func (f *fakeSender) recorded(t *testing.T) []recordedFrame {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedFrame, 0, len(f.frames))
	for _, raw := range f.frames {
		var frame recordedFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("unmarshal frame: %v", err)
		}
		out = append(out, frame)
	}
	return out
}

func framesOfType(frames []recordedFrame, typ FrameType) []recordedFrame {
	var out []recordedFrame
	for _, f := range frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

type fakeVerifier struct{}

func (fakeVerifier) Verify(token string) (string, string, error) {
	if token != "valid-token" {
		return "", "", errors.New("bad token")
	}
	return "user-1", "tenant-1", nil
}

func newTestServer(t *testing.T, cfg Config, clk *fakeClock) (*Server, *metrics.Store) {
	t.Helper()
	store := metrics.NewStore(nil, metrics.WithClock(clk.Now))
	srv := NewServer(cfg, store, fakeVerifier{}, nil)
	srv.SetClock(clk.Now)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Run(ctx)
	return srv, store
}

func connect(t *testing.T, srv *Server) (string, *fakeSender) {
	t.Helper()
	sender := &fakeSender{}
	id, err := srv.Attach(sender, "10.0.0.1:51234")
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	return id, sender
}

// send dispatches an inbound client message and waits for the run loop to
// process it. Stats rides the same FIFO channel, so returning from it means
// every prior command has been handled.
func send(t *testing.T, srv *Server, clientID string, typ FrameType, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		raw = data
	}
	msg, err := json.Marshal(map[string]any{"type": typ, "payload": raw})
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	srv.HandleInbound(clientID, msg)
	srv.Stats()
}

func subscribe(t *testing.T, srv *Server, clientID string, sender *fakeSender, req SubscribeRequest) string {
	t.Helper()
	send(t, srv, clientID, FrameSubscribe, req)
	statuses := framesOfType(sender.recorded(t), FrameSubscriptionStatus)
	if len(statuses) == 0 {
		t.Fatal("no subscription_status frame received")
	}
	var status SubscriptionStatusPayload
	if err := json.Unmarshal(statuses[len(statuses)-1].Payload, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Status != "active" {
		t.Fatalf("subscription not active: %+v", status)
	}
	return status.SubscriptionID
}

func publishAndWait(srv *Server, sample domain.MetricSample) {
	srv.PublishMetricUpdate(sample)
	srv.Stats()
}

func TestAttachSendsAuthenticationRequired(t *testing.T) {
	srv, _ := newTestServer(t, Config{RequireAuth: true}, newFakeClock())
	_, sender := connect(t, srv)

	frames := sender.recorded(t)
	if len(frames) != 1 || frames[0].Type != FrameAuthenticationRequired {
		t.Fatalf("expected a single authentication_required frame, got %+v", frames)
	}
}

func TestPreAuthGating(t *testing.T) {
	srv, _ := newTestServer(t, Config{RequireAuth: true}, newFakeClock())
	id, sender := connect(t, srv)

	send(t, srv, id, FrameSubscribe, SubscribeRequest{MetricIDs: []string{"revenue"}})
	errs := framesOfType(sender.recorded(t), FrameError)
	if len(errs) != 1 {
		t.Fatalf("expected one error frame, got %d", len(errs))
	}
	var payload ErrorPayload
	if err := json.Unmarshal(errs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != CodeAuthenticationRequired {
		t.Fatalf("expected authentication_required code, got %q", payload.Code)
	}

	// Heartbeats are the one message allowed before authentication.
	send(t, srv, id, FrameHeartbeat, nil)
	if hb := framesOfType(sender.recorded(t), FrameHeartbeat); len(hb) != 1 {
		t.Fatalf("expected heartbeat response pre-auth, got %d", len(hb))
	}
}

func TestAuthenticate(t *testing.T) {
	srv, _ := newTestServer(t, Config{RequireAuth: true}, newFakeClock())
	id, sender := connect(t, srv)

	send(t, srv, id, FrameAuthenticate, AuthenticatePayload{Token: "wrong"})
	if failed := framesOfType(sender.recorded(t), FrameAuthenticationFailed); len(failed) != 1 {
		t.Fatalf("expected authentication_failed, got %+v", sender.recorded(t))
	}

	send(t, srv, id, FrameAuthenticate, AuthenticatePayload{Token: "valid-token"})
	success := framesOfType(sender.recorded(t), FrameAuthenticationSuccess)
	if len(success) != 1 {
		t.Fatalf("expected authentication_success, got %+v", sender.recorded(t))
	}

	// Subscribing now works.
	subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})
	if stats := srv.Stats(); stats.Subscriptions != 1 {
		t.Fatalf("expected 1 subscription, got %d", stats.Subscriptions)
	}
}

func TestSubscribeRejectsEmptyTarget(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, newFakeClock())
	id, sender := connect(t, srv)

	send(t, srv, id, FrameSubscribe, SubscribeRequest{})
	statuses := framesOfType(sender.recorded(t), FrameSubscriptionStatus)
	if len(statuses) != 1 {
		t.Fatalf("expected one subscription_status frame, got %d", len(statuses))
	}
	var status SubscriptionStatusPayload
	if err := json.Unmarshal(statuses[0].Payload, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.Status != "rejected" || status.Reason == "" {
		t.Fatalf("expected rejected status with reason, got %+v", status)
	}
	if stats := srv.Stats(); stats.Subscriptions != 0 {
		t.Fatalf("rejected subscription was indexed: %d", stats.Subscriptions)
	}
}

func TestInitialSnapshotDeliveredOnce(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 4200, Timestamp: clk.Now()})

	id, sender := connect(t, srv)
	subID := subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})

	updates := framesOfType(sender.recorded(t), FrameMetricUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected exactly one snapshot update, got %d", len(updates))
	}
	var payload MetricUpdatePayload
	if err := json.Unmarshal(updates[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if payload.SubscriptionID != subID || payload.Current.Value != 4200 {
		t.Fatalf("unexpected snapshot payload: %+v", payload)
	}
	if payload.Change.Trend != domain.TrendStable {
		t.Fatalf("snapshot trend should be stable, got %q", payload.Change.Trend)
	}
}

func TestMetricFanOutTrends(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{StabilityBandPct: 1.0}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})

	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 100, Timestamp: clk.Now()})
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 105, Timestamp: clk.Now()})
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 105.5, Timestamp: clk.Now()})
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 90, Timestamp: clk.Now()})

	updates := framesOfType(sender.recorded(t), FrameMetricUpdate)
	if len(updates) != 4 {
		t.Fatalf("expected 4 updates, got %d", len(updates))
	}
	wantTrends := []domain.TrendDirection{domain.TrendStable, domain.TrendUp, domain.TrendStable, domain.TrendDown}
	for i, update := range updates {
		var payload MetricUpdatePayload
		if err := json.Unmarshal(update.Payload, &payload); err != nil {
			t.Fatalf("unmarshal update %d: %v", i, err)
		}
		if payload.Change.Trend != wantTrends[i] {
			t.Fatalf("update %d: trend = %q, want %q", i, payload.Change.Trend, wantTrends[i])
		}
	}

	// The 100 -> 105 move is a 5% increase.
	var second MetricUpdatePayload
	if err := json.Unmarshal(updates[1].Payload, &second); err != nil {
		t.Fatalf("unmarshal second update: %v", err)
	}
	if second.Change.Percentage < 4.99 || second.Change.Percentage > 5.01 {
		t.Fatalf("expected ~5%% change, got %f", second.Change.Percentage)
	}
	if second.Previous == nil || second.Previous.Value != 100 {
		t.Fatalf("expected previous value 100, got %+v", second.Previous)
	}
}

func TestSequenceNumbersStrictlyIncrease(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})

	for i := 0; i < 5; i++ {
		publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: float64(i), Timestamp: clk.Now()})
	}
	send(t, srv, id, FrameHeartbeat, nil)

	frames := sender.recorded(t)
	if len(frames) < 7 {
		t.Fatalf("expected at least 7 frames, got %d", len(frames))
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].SequenceNumber <= frames[i-1].SequenceNumber {
			t.Fatalf("sequence numbers not strictly increasing: %d then %d",
				frames[i-1].SequenceNumber, frames[i].SequenceNumber)
		}
	}
}

func TestFilteredFanOut(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{
		MetricIDs: []string{"revenue"},
		Filters: []domain.Filter{
			{Field: "dimensions.region", Operator: domain.FilterEq, Value: "us-east"},
		},
	})

	publishAndWait(srv, domain.MetricSample{
		MetricID: "revenue", Value: 10, Timestamp: clk.Now(),
		Dimensions: map[string]string{"region": "eu-west"},
	})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 0 {
		t.Fatalf("filtered-out sample was delivered: %d updates", len(updates))
	}

	publishAndWait(srv, domain.MetricSample{
		MetricID: "revenue", Value: 20, Timestamp: clk.Now(),
		Dimensions: map[string]string{"region": "us-east"},
	})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 1 {
		t.Fatalf("expected one matching update, got %d", len(updates))
	}
}

func TestUpdateThrottle(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{
		MetricIDs:          []string{"revenue"},
		MaxUpdateFrequency: 1000,
	})

	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 1, Timestamp: clk.Now()})
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 2, Timestamp: clk.Now()})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 1 {
		t.Fatalf("throttle failed: got %d updates, want 1", len(updates))
	}

	clk.Advance(1100 * time.Millisecond)
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 3, Timestamp: clk.Now()})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 2 {
		t.Fatalf("expected delivery after throttle window, got %d updates", len(updates))
	}
}

func TestAlertBypassesFilters(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{
		MetricIDs: []string{"revenue"},
		Filters: []domain.Filter{
			{Field: "value", Operator: domain.FilterGt, Value: 1e9},
		},
	})

	srv.PublishAlert(domain.Alert{
		MetricID: "revenue",
		Severity: domain.AlertSeverityCritical,
		Message:  "revenue dropped below threshold",
	})
	srv.Stats()

	alerts := framesOfType(sender.recorded(t), FrameAlert)
	if len(alerts) != 1 {
		t.Fatalf("expected one alert frame, got %d", len(alerts))
	}
	var alert domain.Alert
	if err := json.Unmarshal(alerts[0].Payload, &alert); err != nil {
		t.Fatalf("unmarshal alert: %v", err)
	}
	if alert.ID == "" || alert.Severity != domain.AlertSeverityCritical {
		t.Fatalf("unexpected alert payload: %+v", alert)
	}
}

func TestKPIFanOutAndSnapshot(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{KPIIDs: []string{"mrr"}})

	srv.PublishKPIUpdate("mrr", map[string]any{"value": 125000.0})
	srv.Stats()
	if updates := framesOfType(sender.recorded(t), FrameKPIUpdate); len(updates) != 1 {
		t.Fatalf("expected one kpi update, got %d", len(updates))
	}

	// A later subscriber gets the retained snapshot immediately.
	id2, sender2 := connect(t, srv)
	subscribe(t, srv, id2, sender2, SubscribeRequest{KPIIDs: []string{"mrr"}})
	snapshots := framesOfType(sender2.recorded(t), FrameKPIUpdate)
	if len(snapshots) != 1 {
		t.Fatalf("expected kpi snapshot on subscribe, got %d", len(snapshots))
	}
	var payload KPIUpdatePayload
	if err := json.Unmarshal(snapshots[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal kpi payload: %v", err)
	}
	if payload.KPIID != "mrr" {
		t.Fatalf("unexpected kpi id %q", payload.KPIID)
	}
	_ = id
}

func TestUnsubscribe(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subID := subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})

	send(t, srv, id, FrameUnsubscribe, UnsubscribeRequest{SubscriptionID: subID})
	if stats := srv.Stats(); stats.Subscriptions != 0 {
		t.Fatalf("expected 0 subscriptions after unsubscribe, got %d", stats.Subscriptions)
	}

	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 1, Timestamp: clk.Now()})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 0 {
		t.Fatalf("updates delivered after unsubscribe: %d", len(updates))
	}

	send(t, srv, id, FrameUnsubscribe, UnsubscribeRequest{SubscriptionID: "nope"})
	errs := framesOfType(sender.recorded(t), FrameError)
	if len(errs) != 1 {
		t.Fatalf("expected subscription_not_found error, got %d errors", len(errs))
	}
	var payload ErrorPayload
	if err := json.Unmarshal(errs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != CodeSubscriptionNotFound {
		t.Fatalf("expected subscription_not_found, got %q", payload.Code)
	}
}

func TestUnsubscribeClearsThrottleState(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subID := subscribe(t, srv, id, sender, SubscribeRequest{
		MetricIDs:          []string{"revenue"},
		MaxUpdateFrequency: 1000,
	})

	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 1, Timestamp: clk.Now()})
	send(t, srv, id, FrameUnsubscribe, UnsubscribeRequest{SubscriptionID: subID})

	srv.Stats()
	if n := len(srv.lastPush); n != 0 {
		t.Fatalf("throttle entries retained after unsubscribe: %d (%v)", n, srv.lastPush)
	}

	// Disconnect takes the same cleanup path for remaining subscriptions.
	subscribe(t, srv, id, sender, SubscribeRequest{
		MetricIDs:          []string{"revenue"},
		MaxUpdateFrequency: 1000,
	})
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 2, Timestamp: clk.Now()})
	srv.Detach(id, "client went away")
	srv.Stats()
	if n := len(srv.lastPush); n != 0 {
		t.Fatalf("throttle entries retained after disconnect: %d (%v)", n, srv.lastPush)
	}
}

func TestDisconnectCascades(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})

	srv.Detach(id, "client went away")
	stats := srv.Stats()
	if stats.Clients != 0 || stats.Subscriptions != 0 {
		t.Fatalf("detach did not cascade: %+v", stats)
	}
	if !sender.isClosed() {
		t.Fatal("sender not closed on detach")
	}

	// A second detach for the same id is a no-op.
	srv.Detach(id, "again")
	srv.Stats()
}

func TestHeartbeatTimeoutDisconnects(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{HeartbeatInterval: 30 * time.Second}, clk)
	id, sender := connect(t, srv)

	clk.Advance(61 * time.Second)
	srv.commands <- sweepCmd{}
	if stats := srv.Stats(); stats.Clients != 0 {
		t.Fatalf("expected heartbeat timeout disconnect, got %d clients", stats.Clients)
	}
	if !sender.isClosed() {
		t.Fatal("sender not closed on heartbeat timeout")
	}
	_ = id
}

func TestHeartbeatSweepPingsHealthyClients(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{HeartbeatInterval: 30 * time.Second}, clk)
	id, sender := connect(t, srv)

	clk.Advance(31 * time.Second)
	send(t, srv, id, FrameHeartbeat, nil)
	srv.commands <- sweepCmd{}
	if stats := srv.Stats(); stats.Clients != 1 {
		t.Fatalf("healthy client disconnected: %d clients", stats.Clients)
	}
	sender.mu.Lock()
	pings := sender.pings
	sender.mu.Unlock()
	if pings != 1 {
		t.Fatalf("expected one ping, got %d", pings)
	}
}

func TestIdleSweepDisconnects(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{IdleWindow: 5 * time.Minute}, clk)
	_, sender := connect(t, srv)

	clk.Advance(6 * time.Minute)
	srv.commands <- sweepCmd{idle: true}
	if stats := srv.Stats(); stats.Clients != 0 {
		t.Fatalf("expected idle disconnect, got %d clients", stats.Clients)
	}
	if !sender.isClosed() {
		t.Fatal("sender not closed on idle timeout")
	}
}

func TestMaxClients(t *testing.T) {
	srv, _ := newTestServer(t, Config{MaxClients: 1}, newFakeClock())
	connect(t, srv)

	sender := &fakeSender{}
	if _, err := srv.Attach(sender, "10.0.0.2:40000"); !errors.Is(err, ErrServerFull) {
		t.Fatalf("expected ErrServerFull, got %v", err)
	}
	if !sender.isClosed() {
		t.Fatal("rejected sender not closed")
	}
}

func TestInboundRateLimit(t *testing.T) {
	srv, _ := newTestServer(t, Config{RateLimitPerClient: 2}, newFakeClock())
	id, sender := connect(t, srv)

	for i := 0; i < 3; i++ {
		send(t, srv, id, FrameHeartbeat, nil)
	}
	errs := framesOfType(sender.recorded(t), FrameError)
	if len(errs) != 1 {
		t.Fatalf("expected one rate_limited error, got %d", len(errs))
	}
	var payload ErrorPayload
	if err := json.Unmarshal(errs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != CodeRateLimited {
		t.Fatalf("expected rate_limited, got %q", payload.Code)
	}
	if hb := framesOfType(sender.recorded(t), FrameHeartbeat); len(hb) != 2 {
		t.Fatalf("expected 2 heartbeat responses, got %d", len(hb))
	}
}

func TestSendFailureDisconnects(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{MetricIDs: []string{"revenue"}})

	sender.failSends(fmt.Errorf("broken pipe"))
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 1, Timestamp: clk.Now()})
	if stats := srv.Stats(); stats.Clients != 0 {
		t.Fatalf("expected disconnect on send failure, got %d clients", stats.Clients)
	}
}

func TestMalformedInbound(t *testing.T) {
	srv, _ := newTestServer(t, Config{}, newFakeClock())
	id, sender := connect(t, srv)

	srv.HandleInbound(id, []byte("{not json"))
	srv.Stats()
	errs := framesOfType(sender.recorded(t), FrameError)
	if len(errs) != 1 {
		t.Fatalf("expected one malformed_message error, got %d", len(errs))
	}
	var payload ErrorPayload
	if err := json.Unmarshal(errs[0].Payload, &payload); err != nil {
		t.Fatalf("unmarshal error payload: %v", err)
	}
	if payload.Code != CodeMalformedMessage {
		t.Fatalf("expected malformed_message, got %q", payload.Code)
	}
}

func TestMinUpdateFloorClampsThrottle(t *testing.T) {
	clk := newFakeClock()
	srv, _ := newTestServer(t, Config{MinUpdateFloor: 500 * time.Millisecond}, clk)
	id, sender := connect(t, srv)
	subscribe(t, srv, id, sender, SubscribeRequest{
		MetricIDs:          []string{"revenue"},
		MaxUpdateFrequency: 100,
	})

	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 1, Timestamp: clk.Now()})
	clk.Advance(200 * time.Millisecond)
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 2, Timestamp: clk.Now()})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 1 {
		t.Fatalf("floor not enforced: got %d updates, want 1", len(updates))
	}
	clk.Advance(400 * time.Millisecond)
	publishAndWait(srv, domain.MetricSample{MetricID: "revenue", Value: 3, Timestamp: clk.Now()})
	if updates := framesOfType(sender.recorded(t), FrameMetricUpdate); len(updates) != 2 {
		t.Fatalf("expected delivery past the floor, got %d updates", len(updates))
	}
}
