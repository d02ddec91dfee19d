package models

import (
	"encoding/json"
	"time"
)

// ModeSubscribe is the only handshake mode the provider uses.
const ModeSubscribe = "subscribe"

// InboundEvent is one normalized inbound message notification.
type InboundEvent struct {
	SourcePhoneNumber string          `json:"source_phone_number"`
	ChannelID         string          `json:"channel_id"`
	MessageID         string          `json:"message_id"`
	Timestamp         int64           `json:"timestamp"`
	BodyText          string          `json:"body_text"`
	GuestName         string          `json:"guest_name,omitempty"`
	MessageType       string          `json:"message_type"`
	RawPayload        json.RawMessage `json:"raw_payload,omitempty"`
}

// DedupeKey identifies the event for idempotence. Message ids are only
// unique within a provider channel.
func (e *InboundEvent) DedupeKey() string {
	return e.ChannelID + ":" + e.MessageID
}

// IsText reports whether the event carries a text body worth analysing.
func (e *InboundEvent) IsText() bool {
	return e.MessageType == "text" && e.BodyText != ""
}

// VerificationChallenge is the provider's subscription handshake.
type VerificationChallenge struct {
	Mode        string
	VerifyToken string
	Challenge   string
}

// ConversationRef identifies a conversation owned by the conversation service.
type ConversationRef struct {
	HostID     string
	GuestPhone string
	GuestName  string
	PropertyID string
}

// ProxyTarget is an upstream the gateway relays to.
type ProxyTarget struct {
	Name    string
	BaseURL string
	Timeout time.Duration
}

// DispatchResult is the outcome of dispatching a single event.
type DispatchResult struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id,omitempty"`
	Created        bool   `json:"created,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	WelcomeQueued  bool   `json:"welcome_queued,omitempty"`
	AnalysisQueued bool   `json:"analysis_queued,omitempty"`
	Error          string `json:"error,omitempty"`
}

// DeliveryStats tracks gateway counters exposed on /readyz.
type DeliveryStats struct {
	Deliveries     int64     `json:"deliveries"`
	Events         int64     `json:"events"`
	Duplicates     int64     `json:"duplicates"`
	Malformed      int64     `json:"malformed"`
	Skipped        int64     `json:"skipped"`
	DispatchErrors int64     `json:"dispatch_errors"`
	LastDeliveryAt time.Time `json:"last_delivery_at"`
}
