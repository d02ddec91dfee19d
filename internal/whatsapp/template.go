// Package whatsapp sends template messages through the Graph API.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/relay"
)

const (
	HelloWorldTemplate = "hello_world"
	// DefaultLanguage applies to host-defined templates without a language.
	DefaultLanguage = "fr"
)

// TemplateLanguage picks the language code sent with a template. Meta's
// sample template only exists in en_US.
func TemplateLanguage(template, configured string) string {
	if template == HelloWorldTemplate {
		return "en_US"
	}
	if configured != "" {
		return configured
	}
	return DefaultLanguage
}

// TemplateMessage is a template send request.
type TemplateMessage struct {
	PhoneNumberID string
	AccessToken   string
	To            string
	Template      string
	Language      string
}

type sendRequest struct {
	MessagingProduct string       `json:"messaging_product"`
	RecipientType    string       `json:"recipient_type"`
	To               string       `json:"to"`
	Type             string       `json:"type"`
	Template         templateBody `json:"template"`
}

type templateBody struct {
	Name     string   `json:"name"`
	Language language `json:"language"`
}

type language struct {
	Code string `json:"code"`
}

// SendResponse is the Graph API answer to a message send.
type SendResponse struct {
	MessagingProduct string `json:"messaging_product"`
	Contacts         []struct {
		Input string `json:"input"`
		WaID  string `json:"wa_id"`
	} `json:"contacts"`
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

type graphError struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error"`
}

// Sender posts template messages. The default access token is used when a
// message carries none.
type Sender struct {
	fwd          relay.Forwarder
	target       models.ProxyTarget
	defaultToken string
}

func NewSender(fwd relay.Forwarder, target models.ProxyTarget, defaultToken string) *Sender {
	return &Sender{fwd: fwd, target: target, defaultToken: defaultToken}
}

// SendTemplate sends msg and returns the provider message id.
func (s *Sender) SendTemplate(ctx context.Context, msg TemplateMessage) (string, error) {
	if msg.PhoneNumberID == "" {
		return "", models.MissingConfig("route phone_number_id")
	}
	token := msg.AccessToken
	if token == "" {
		token = s.defaultToken
	}
	if token == "" {
		return "", models.MissingConfig("messaging.api_key")
	}

	body, err := json.Marshal(sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               strings.TrimPrefix(msg.To, "+"),
		Type:             "template",
		Template: templateBody{
			Name:     msg.Template,
			Language: language{Code: TemplateLanguage(msg.Template, msg.Language)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal template message: %w", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	relay.Bearer(token)(h)

	resp, err := s.fwd.Forward(ctx, s.target, relay.Request{
		Method: http.MethodPost,
		Path:   "/" + msg.PhoneNumberID + "/messages",
		Header: h,
		Body:   body,
	})
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		var ge graphError
		_ = json.Unmarshal(resp.Body, &ge)
		return "", fmt.Errorf("graph api status %d: %s (code %d)", resp.StatusCode, ge.Error.Message, ge.Error.Code)
	}

	var out SendResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("failed to decode graph api response: %w", err)
	}
	if len(out.Messages) == 0 {
		return "", fmt.Errorf("graph api returned no message id")
	}
	return out.Messages[0].ID, nil
}
