// Package dlq keeps deliveries and tasks that could not be processed so they
// can be inspected and replayed.
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/airhost/airhost-gateway/internal/metrics"
)

// Reasons a failure is dead-lettered under. They double as NATS subject tokens.
const (
	ReasonMalformedPayload   = "malformed_payload"
	ReasonRouteNotFound      = "route_not_found"
	ReasonConversationFailed = "conversation_failed"
	ReasonMessageFailed      = "message_failed"
	ReasonWelcomeFailed      = "welcome_failed"
	ReasonAnalysisFailed     = "analysis_failed"
	ReasonQueueFull          = "queue_full"
)

// FailedEvent is one dead-lettered item.
type FailedEvent struct {
	ID          string          `json:"id"`
	Timestamp   time.Time       `json:"timestamp"`
	Reason      string          `json:"reason"`
	Error       string          `json:"error"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	LastAttempt time.Time       `json:"last_attempt"`
}

// Queue is implemented by the file and JetStream backends.
type Queue interface {
	Write(ctx context.Context, payload json.RawMessage, err error, reason string) error
	Stats(ctx context.Context) map[string]interface{}
	List(ctx context.Context, limit int) ([]FailedEvent, error)
	Purge(ctx context.Context) error
}

func newFailedEvent(payload json.RawMessage, err error, reason string) FailedEvent {
	now := time.Now().UTC()
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if len(payload) > 0 && !json.Valid(payload) {
		// Keep unparseable bodies readable inside the JSON entry.
		payload, _ = json.Marshal(string(payload))
	}
	return FailedEvent{
		ID:          uuid.NewString(),
		Timestamp:   now,
		Reason:      reason,
		Error:       msg,
		Payload:     payload,
		Attempts:    1,
		LastAttempt: now,
	}
}

func recordWrite(reason string) {
	metrics.DLQWrites.WithLabelValues(reason).Inc()
}

// NopQueue discards everything. Used when the DLQ is disabled.
type NopQueue struct{}

func (NopQueue) Write(context.Context, json.RawMessage, error, string) error { return nil }

func (NopQueue) Stats(context.Context) map[string]interface{} {
	return map[string]interface{}{"enabled": false}
}

func (NopQueue) List(context.Context, int) ([]FailedEvent, error) { return nil, nil }

func (NopQueue) Purge(context.Context) error { return nil }
