package normalizer

import "encoding/json"

// Shape tags the envelope layout a delivery arrived in.
type Shape int

const (
	ShapeUnknown Shape = iota
	// ShapeNestedEntryChanges is the provider's production layout:
	// {"object", "entry": [{"changes": [{"field", "value"}]}]}.
	ShapeNestedEntryChanges
	// ShapeDirectValue is {"field", "value"} or a bare value object, as sent
	// by test consoles and the simulate command.
	ShapeDirectValue
)

func (s Shape) String() string {
	switch s {
	case ShapeNestedEntryChanges:
		return "nested_entry_changes"
	case ShapeDirectValue:
		return "direct_value"
	default:
		return "unknown"
	}
}

// ObjectWhatsApp is the only "object" value accepted in the nested layout.
const ObjectWhatsApp = "whatsapp_business_account"

// FieldMessages is the change field carrying messages and status callbacks.
const FieldMessages = "messages"

// Envelope is the decoded tagged union. Values holds every "messages" change
// value regardless of the shape it came from.
type Envelope struct {
	Shape  Shape
	Values []ChangeValue
}

type webhookPayload struct {
	Object string  `json:"object"`
	Entry  []entry `json:"entry"`
}

type entry struct {
	ID      string   `json:"id"`
	Changes []change `json:"changes"`
}

type change struct {
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// ChangeValue is the body of a "messages" change. Messages stay raw so each
// event can keep the provider's original JSON.
type ChangeValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Metadata         Metadata          `json:"metadata"`
	Contacts         []Contact         `json:"contacts,omitempty"`
	Messages         []json.RawMessage `json:"messages,omitempty"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

type Contact struct {
	Profile ContactProfile `json:"profile"`
	WaID    string         `json:"wa_id"`
}

type ContactProfile struct {
	Name string `json:"name"`
}

// Message is an inbound message. Only text bodies are extracted; other
// types keep their raw JSON.
type Message struct {
	From      string       `json:"from"`
	ID        string       `json:"id"`
	Timestamp string       `json:"timestamp"`
	Type      string       `json:"type"`
	Text      *TextContent `json:"text,omitempty"`
}

type TextContent struct {
	Body string `json:"body"`
}
