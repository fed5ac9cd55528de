// Package stream implements the real-time metrics streaming server: a single
// run loop owns every shared map and processes commands in arrival order, so
// frames to one client are FIFO and sequence numbers never repeat or gap.
package stream

import (
	"encoding/json"
	"time"

	"github.com/vantagehq/vantage/internal/domain"
)

// FrameType enumerates the wire protocol message types.
type FrameType string

const (
	FrameAuthenticationRequired FrameType = "authentication_required"
	FrameAuthenticate           FrameType = "authenticate"
	FrameAuthenticationSuccess  FrameType = "authentication_success"
	FrameAuthenticationFailed   FrameType = "authentication_failed"
	FrameSubscribe              FrameType = "subscribe"
	FrameUnsubscribe            FrameType = "unsubscribe"
	FrameSubscriptionStatus     FrameType = "subscription_status"
	FrameMetricUpdate           FrameType = "metric_update"
	FrameKPIUpdate              FrameType = "kpi_update"
	FrameAlert                  FrameType = "alert"
	FrameHeartbeat              FrameType = "heartbeat"
	FrameError                  FrameType = "error"
)

// Frame is the outbound wire envelope.
type Frame struct {
	Type           FrameType `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	SubscriptionID string    `json:"subscriptionId,omitempty"`
	Payload        any       `json:"payload,omitempty"`
	SequenceNumber uint64    `json:"sequenceNumber"`
}

// inboundMessage is the envelope clients send.
type inboundMessage struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AuthenticatePayload carries the token handshake.
type AuthenticatePayload struct {
	Token string `json:"token"`
}

// SubscribeRequest is the payload of a subscribe message.
type SubscribeRequest struct {
	MetricIDs          []string           `json:"metricIds"`
	KPIIDs             []string           `json:"kpiIds"`
	Filters            []domain.Filter    `json:"filters"`
	AggregationLevel   domain.Granularity `json:"aggregationLevel"`
	MaxUpdateFrequency int                `json:"maxUpdateFrequency"` // milliseconds between updates, 0 = unthrottled
}

// UnsubscribeRequest names the subscription to drop.
type UnsubscribeRequest struct {
	SubscriptionID string `json:"subscriptionId"`
}

// SubscriptionStatusPayload confirms or rejects a subscribe attempt.
type SubscriptionStatusPayload struct {
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Status         string `json:"status"`
	Reason         string `json:"reason,omitempty"`
}

// MetricUpdatePayload is pushed for every matching published sample.
type MetricUpdatePayload struct {
	MetricID       string                    `json:"metricId"`
	SubscriptionID string                    `json:"subscriptionId"`
	Current        domain.MetricSample       `json:"current"`
	Previous       *domain.MetricSample      `json:"previous,omitempty"`
	Change         domain.Delta              `json:"change"`
	Aggregation    *domain.MetricAggregation `json:"aggregation,omitempty"`
}

// KPIUpdatePayload is pushed for KPI subscribers.
type KPIUpdatePayload struct {
	KPIID          string         `json:"kpiId"`
	SubscriptionID string         `json:"subscriptionId"`
	Data           map[string]any `json:"data"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// ErrorCode classifies protocol-level failures carried on error frames.
type ErrorCode string

const (
	CodeAuthenticationRequired ErrorCode = "authentication_required"
	CodeAuthenticationFailed   ErrorCode = "authentication_failed"
	CodeRateLimited            ErrorCode = "rate_limited"
	CodeUnknownMessageType     ErrorCode = "unknown_message_type"
	CodeSubscriptionNotFound   ErrorCode = "subscription_not_found"
	CodeMalformedMessage       ErrorCode = "malformed_message"
)

// ErrorPayload is the body of an error frame.
type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}
