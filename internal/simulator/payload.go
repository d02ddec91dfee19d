// Package simulator builds provider-shaped deliveries and sends them to a
// running gateway. It backs airhostctl's verify and simulate commands.
package simulator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/airhost/airhost-gateway/internal/normalizer"
)

// Message describes one simulated guest message. Empty fields are filled
// with generated values.
type Message struct {
	From      string
	GuestName string
	Text      string
	ID        string
	Timestamp time.Time
}

// Options controls the envelope around the messages.
type Options struct {
	Shape              normalizer.Shape
	PhoneNumberID      string
	DisplayPhoneNumber string
	BusinessAccountID  string
}

// FakeMessage returns a text message from a generated French mobile number.
func FakeMessage() Message {
	return Message{
		From:      gofakeit.Numerify("336########"),
		GuestName: gofakeit.Name(),
		Text:      gofakeit.Sentence(8),
	}
}

func (m Message) withDefaults(now time.Time) Message {
	if m.From == "" {
		m.From = gofakeit.Numerify("336########")
	}
	if m.GuestName == "" {
		m.GuestName = gofakeit.Name()
	}
	if m.ID == "" {
		m.ID = "wamid." + strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
	return m
}

// Build encodes msgs as one delivery. Every message shares the change value,
// like the provider does when a guest sends several messages at once.
func Build(opts Options, msgs ...Message) ([]byte, []Message, error) {
	if opts.PhoneNumberID == "" {
		return nil, nil, fmt.Errorf("phone number id is required")
	}
	if len(msgs) == 0 {
		msgs = []Message{FakeMessage()}
	}

	now := time.Now()
	value := normalizer.ChangeValue{
		MessagingProduct: "whatsapp",
		Metadata: normalizer.Metadata{
			DisplayPhoneNumber: opts.DisplayPhoneNumber,
			PhoneNumberID:      opts.PhoneNumberID,
		},
	}

	filled := make([]Message, 0, len(msgs))
	seen := make(map[string]bool)
	for _, m := range msgs {
		m = m.withDefaults(now)
		filled = append(filled, m)

		raw, err := json.Marshal(normalizer.Message{
			From:      m.From,
			ID:        m.ID,
			Timestamp: strconv.FormatInt(m.Timestamp.Unix(), 10),
			Type:      "text",
			Text:      &normalizer.TextContent{Body: m.Text},
		})
		if err != nil {
			return nil, nil, err
		}
		value.Messages = append(value.Messages, raw)

		if !seen[m.From] {
			seen[m.From] = true
			value.Contacts = append(value.Contacts, normalizer.Contact{
				Profile: normalizer.ContactProfile{Name: m.GuestName},
				WaID:    m.From,
			})
		}
	}

	change := map[string]interface{}{
		"field": normalizer.FieldMessages,
		"value": value,
	}

	var body interface{}
	switch opts.Shape {
	case normalizer.ShapeDirectValue:
		body = change
	default:
		account := opts.BusinessAccountID
		if account == "" {
			account = gofakeit.Numerify("1###############")
		}
		body = map[string]interface{}{
			"object": normalizer.ObjectWhatsApp,
			"entry": []map[string]interface{}{
				{"id": account, "changes": []interface{}{change}},
			},
		}
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}
	return data, filled, nil
}

// ParseShape accepts "nested" or "direct".
func ParseShape(s string) (normalizer.Shape, error) {
	switch strings.ToLower(s) {
	case "", "nested", normalizer.ShapeNestedEntryChanges.String():
		return normalizer.ShapeNestedEntryChanges, nil
	case "direct", normalizer.ShapeDirectValue.String():
		return normalizer.ShapeDirectValue, nil
	default:
		return normalizer.ShapeUnknown, fmt.Errorf("unknown shape %q (want nested or direct)", s)
	}
}
