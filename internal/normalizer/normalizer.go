// Package normalizer turns raw webhook deliveries into InboundEvents.
package normalizer

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/airhost/airhost-gateway/internal/models"
)

// DefaultGuestName is used when the delivery carries no contact profile.
const DefaultGuestName = "Guest"

// SkippedMessage is a message left out of a delivery because it could not
// become an event. Its siblings are unaffected.
type SkippedMessage struct {
	MessageID string
	Raw       json.RawMessage
	Err       error
}

// Delivery is a parsed delivery body.
type Delivery struct {
	Shape   Shape
	Events  []models.InboundEvent
	Skipped []SkippedMessage
}

// Normalize parses a delivery body into zero or more events. Status-only
// deliveries yield an empty slice and a nil error. Messages that cannot be
// turned into events are dropped; Parse reports them.
func Normalize(raw []byte) ([]models.InboundEvent, error) {
	return NormalizeAt(raw, time.Now())
}

// NormalizeAt is Normalize with an explicit receipt time, used for messages
// whose timestamp cannot be parsed.
func NormalizeAt(raw []byte, receivedAt time.Time) ([]models.InboundEvent, error) {
	d, err := Parse(raw, receivedAt)
	if err != nil {
		return nil, err
	}
	return d.Events, nil
}

// Parse normalizes raw. Only envelope-level problems are returned as a
// MalformedPayloadError; a message without an id or a sender is recorded in
// Skipped and the rest of the delivery still produces events.
func Parse(raw []byte, receivedAt time.Time) (Delivery, error) {
	env, err := Detect(raw)
	if err != nil {
		return Delivery{}, err
	}

	d := Delivery{Shape: env.Shape, Events: make([]models.InboundEvent, 0)}
	for _, value := range env.Values {
		for _, rawMsg := range value.Messages {
			ev, err := toEvent(value, rawMsg, receivedAt)
			if err != nil {
				d.Skipped = append(d.Skipped, SkippedMessage{
					MessageID: messageID(rawMsg),
					Raw:       append(json.RawMessage(nil), rawMsg...),
					Err:       err,
				})
				continue
			}
			d.Events = append(d.Events, ev)
		}
	}
	return d, nil
}

// Detect classifies the body into one of the supported shapes and decodes
// its "messages" change values.
func Detect(raw []byte) (Envelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Envelope{}, malformed("empty body", nil)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Envelope{}, malformed("invalid json", err)
	}

	switch {
	case has(fields, "entry"):
		return decodeNested(trimmed)
	case has(fields, "field") && has(fields, "value"):
		return decodeDirect(fields)
	case has(fields, "messaging_product") || has(fields, "messages") || has(fields, "statuses"):
		value, err := decodeValue(trimmed)
		if err != nil {
			return Envelope{}, err
		}
		return Envelope{Shape: ShapeDirectValue, Values: []ChangeValue{value}}, nil
	default:
		return Envelope{}, malformed("unrecognized payload shape", nil)
	}
}

func decodeNested(raw []byte) (Envelope, error) {
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Envelope{}, malformed("invalid entry list", err)
	}
	if p.Object != "" && p.Object != ObjectWhatsApp {
		return Envelope{}, malformed("unsupported object "+strconv.Quote(p.Object), nil)
	}

	env := Envelope{Shape: ShapeNestedEntryChanges}
	for _, e := range p.Entry {
		for _, c := range e.Changes {
			if c.Field != "" && c.Field != FieldMessages {
				continue
			}
			value, err := decodeValue(c.Value)
			if err != nil {
				return Envelope{}, err
			}
			env.Values = append(env.Values, value)
		}
	}
	return env, nil
}

func decodeDirect(fields map[string]json.RawMessage) (Envelope, error) {
	var field string
	if err := json.Unmarshal(fields["field"], &field); err != nil {
		return Envelope{}, malformed("invalid field", err)
	}

	env := Envelope{Shape: ShapeDirectValue}
	if field != FieldMessages {
		return env, nil
	}
	value, err := decodeValue(fields["value"])
	if err != nil {
		return Envelope{}, err
	}
	env.Values = append(env.Values, value)
	return env, nil
}

func decodeValue(raw json.RawMessage) (ChangeValue, error) {
	var v ChangeValue
	if len(raw) == 0 || string(raw) == "null" {
		return v, malformed("missing change value", nil)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, malformed("invalid change value", err)
	}
	return v, nil
}

func toEvent(value ChangeValue, rawMsg json.RawMessage, receivedAt time.Time) (models.InboundEvent, error) {
	var msg Message
	if err := json.Unmarshal(rawMsg, &msg); err != nil {
		return models.InboundEvent{}, malformed("invalid message", err)
	}
	if msg.ID == "" {
		return models.InboundEvent{}, malformed("message without id", nil)
	}
	phone := NormalizePhone(msg.From)
	if phone == "" {
		return models.InboundEvent{}, malformed("message "+msg.ID+" without sender", nil)
	}

	msgType := msg.Type
	if msgType == "" && msg.Text != nil {
		msgType = "text"
	}

	ev := models.InboundEvent{
		SourcePhoneNumber: phone,
		ChannelID:         value.Metadata.PhoneNumberID,
		MessageID:         msg.ID,
		Timestamp:         parseTimestamp(msg.Timestamp, receivedAt),
		GuestName:         guestName(value.Contacts, msg.From),
		MessageType:       msgType,
		RawPayload:        append(json.RawMessage(nil), rawMsg...),
	}
	if msgType == "text" && msg.Text != nil {
		ev.BodyText = msg.Text.Body
	}
	return ev, nil
}

// NormalizePhone returns "+" followed by the digits of number, or "" when
// number has no digits.
func NormalizePhone(number string) string {
	var b strings.Builder
	b.Grow(len(number) + 1)
	b.WriteByte('+')
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return ""
	}
	return b.String()
}

func parseTimestamp(ts string, fallback time.Time) int64 {
	if n, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64); err == nil && n > 0 {
		return n
	}
	return fallback.Unix()
}

func guestName(contacts []Contact, from string) string {
	for _, c := range contacts {
		if c.WaID == from && c.Profile.Name != "" {
			return c.Profile.Name
		}
	}
	if len(contacts) > 0 && contacts[0].Profile.Name != "" {
		return contacts[0].Profile.Name
	}
	return DefaultGuestName
}

func messageID(rawMsg json.RawMessage) string {
	var head struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(rawMsg, &head)
	return head.ID
}

func has(m map[string]json.RawMessage, key string) bool {
	_, ok := m[key]
	return ok
}

func malformed(reason string, err error) error {
	return &models.MalformedPayloadError{Reason: reason, Err: err}
}
