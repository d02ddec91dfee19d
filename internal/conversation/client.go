// Package conversation talks to the conversation service that owns guest
// conversations. The gateway never stores them itself.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/relay"
)

const (
	createPath   = "/create-conversation-with-welcome"
	messagePath  = "/conversation-message"
	analysisPath = "/conversation-analysis"
)

const (
	DirectionInbound = "inbound"
	StatusReceived   = "received"
)

// ErrRejected means the service answered but refused the request. The effect
// may or may not have been applied, so callers must not assume either.
var ErrRejected = errors.New("conversation service rejected request")

// CreateRequest is the body of create-conversation-with-welcome.
type CreateRequest struct {
	HostID              string `json:"host_id"`
	GuestName           string `json:"guest_name"`
	GuestPhone          string `json:"guest_phone"`
	PropertyID          string `json:"property_id,omitempty"`
	CheckInDate         string `json:"check_in_date,omitempty"`
	CheckOutDate        string `json:"check_out_date,omitempty"`
	SendWelcomeTemplate bool   `json:"send_welcome_template"`
	WelcomeTemplateName string `json:"welcome_template_name,omitempty"`
}

// CreateResult is what the gateway needs from the service's answer.
type CreateResult struct {
	ConversationID string
	Created        bool
	TemplateSent   bool
	TemplateError  string
}

// createResponse accepts both the current field names and the ones the
// deployed function still returns (conversation.id, welcome_template_*).
type createResponse struct {
	Success        *bool  `json:"success"`
	ConversationID string `json:"conversation_id"`
	Created        *bool  `json:"created"`
	TemplateSent   bool   `json:"template_sent"`
	TemplateError  string `json:"template_error"`
	Conversation   *struct {
		ID string `json:"id"`
	} `json:"conversation"`
	WelcomeTemplateSent  bool   `json:"welcome_template_sent"`
	WelcomeTemplateError string `json:"welcome_template_error"`
	Error                string `json:"error"`
}

type Client struct {
	fwd    relay.Forwarder
	target models.ProxyTarget
	inject relay.Injector
}

// NewClient builds a client for target. apiKey is sent both as a bearer
// token and as the apikey header expected by the function gateway.
func NewClient(fwd relay.Forwarder, target models.ProxyTarget, apiKey string) *Client {
	return &Client{
		fwd:    fwd,
		target: target,
		inject: Credentials(apiKey),
	}
}

// Credentials returns the injector used for every conversation service call.
func Credentials(apiKey string) relay.Injector {
	return relay.Chain(relay.Bearer(apiKey), relay.HeaderValue("apikey", apiKey))
}

// Target returns the upstream this client calls.
func (c *Client) Target() models.ProxyTarget {
	return c.target
}

// LookupOrCreate finds the conversation for (HostID, GuestPhone), creating it
// when absent. It is not idempotent on the service side and is never retried.
func (c *Client) LookupOrCreate(ctx context.Context, ref models.ConversationRef) (*CreateResult, error) {
	return c.Create(ctx, CreateRequest{
		HostID:     ref.HostID,
		GuestName:  ref.GuestName,
		GuestPhone: ref.GuestPhone,
		PropertyID: ref.PropertyID,
	})
}

// Create calls create-conversation-with-welcome.
func (c *Client) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal create request: %w", err)
	}

	resp, err := c.fwd.Forward(ctx, c.target, relay.Request{
		Method: http.MethodPost,
		Path:   createPath,
		Header: c.headers(),
		Body:   body,
	})
	if err != nil {
		return nil, err
	}

	var out createResponse
	if len(resp.Body) > 0 {
		if err := json.Unmarshal(resp.Body, &out); err != nil && resp.OK() {
			return nil, fmt.Errorf("%w: undecodable response: %v", ErrRejected, err)
		}
	}
	if !resp.OK() || (out.Success != nil && !*out.Success) {
		msg := out.Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, msg)
	}

	result := &CreateResult{
		ConversationID: out.ConversationID,
		Created:        resp.StatusCode == http.StatusCreated,
		TemplateSent:   out.TemplateSent || out.WelcomeTemplateSent,
		TemplateError:  out.TemplateError,
	}
	if result.ConversationID == "" && out.Conversation != nil {
		result.ConversationID = out.Conversation.ID
	}
	if out.Created != nil {
		result.Created = *out.Created
	}
	if result.TemplateError == "" {
		result.TemplateError = out.WelcomeTemplateError
	}
	if result.ConversationID == "" {
		return nil, fmt.Errorf("%w: response without conversation id", ErrRejected)
	}
	return result, nil
}

// InboundMessage is a guest message appended to its conversation. The
// service upserts on (conversation_id, message_id), bumps unread_count and
// moves last_message forward only when the row is new.
type InboundMessage struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	HostID         string          `json:"host_id"`
	GuestPhone     string          `json:"guest_phone"`
	Content        string          `json:"content"`
	Type           string          `json:"type"`
	Direction      string          `json:"direction"`
	Status         string          `json:"status"`
	SentAt         time.Time       `json:"sent_at"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// AppendMessage stores msg under its conversation. Direction and Status
// default to inbound and received.
func (c *Client) AppendMessage(ctx context.Context, msg InboundMessage) error {
	if msg.Direction == "" {
		msg.Direction = DirectionInbound
	}
	if msg.Status == "" {
		msg.Status = StatusReceived
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	resp, err := c.fwd.Forward(ctx, c.target, relay.Request{
		Method:     http.MethodPost,
		Path:       messagePath,
		Header:     c.headers(),
		Body:       body,
		Idempotent: true,
	})
	if err != nil {
		return err
	}

	var out struct {
		Success *bool  `json:"success"`
		Error   string `json:"error"`
	}
	if len(resp.Body) > 0 {
		_ = json.Unmarshal(resp.Body, &out)
	}
	if !resp.OK() || (out.Success != nil && !*out.Success) {
		reason := out.Error
		if reason == "" {
			reason = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%w: message append status %d: %s", ErrRejected, resp.StatusCode, reason)
	}
	return nil
}

// AnalysisAttachment is stored next to the conversation. The service upserts
// on (conversation_id, message_id), so repeating the call is harmless.
type AnalysisAttachment struct {
	ConversationID string          `json:"conversation_id"`
	MessageID      string          `json:"message_id"`
	HostID         string          `json:"host_id"`
	Analysis       json.RawMessage `json:"analysis"`
}

// AttachAnalysis records an analysis result against a conversation.
func (c *Client) AttachAnalysis(ctx context.Context, att AnalysisAttachment) error {
	body, err := json.Marshal(att)
	if err != nil {
		return fmt.Errorf("failed to marshal analysis: %w", err)
	}

	resp, err := c.fwd.Forward(ctx, c.target, relay.Request{
		Method:     http.MethodPost,
		Path:       analysisPath,
		Header:     c.headers(),
		Body:       body,
		Idempotent: true,
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		return fmt.Errorf("%w: analysis attach status %d", ErrRejected, resp.StatusCode)
	}
	return nil
}

func (c *Client) headers() http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	c.inject(h)
	return h
}
