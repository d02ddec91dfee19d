package analysis

import (
	"context"
	"time"
)

// Completed is published once a message has been analysed.
type Completed struct {
	HostID         string    `json:"host_id"`
	ConversationID string    `json:"conversation_id"`
	MessageID      string    `json:"message_id"`
	GuestPhone     string    `json:"guest_phone"`
	Result         *Result   `json:"result"`
	AnalyzedAt     time.Time `json:"analyzed_at"`
}

// Publisher announces completed analyses to other services.
type Publisher interface {
	Publish(ctx context.Context, c Completed) error
}

// JSONPublisher is satisfied by the NATS client.
type JSONPublisher interface {
	PublishJSON(ctx context.Context, subject string, v interface{}) error
}

type busPublisher struct {
	bus     JSONPublisher
	subject string
}

// NewBusPublisher publishes on subject through bus.
func NewBusPublisher(bus JSONPublisher, subject string) Publisher {
	return &busPublisher{bus: bus, subject: subject}
}

func (p *busPublisher) Publish(ctx context.Context, c Completed) error {
	return p.bus.PublishJSON(ctx, p.subject, c)
}

// NoopPublisher drops everything. Used when no message bus is configured.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, Completed) error { return nil }
