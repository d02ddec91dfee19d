// Package analysis classifies guest messages by urgency using an
// OpenAI-compatible chat-completion API.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/relay"
)

// ErrEmptyCompletion is returned when the API answers without choices.
var ErrEmptyCompletion = errors.New("completion has no choices")

type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
}

type Analyzer struct {
	fwd    relay.Forwarder
	target models.ProxyTarget
	cfg    Config
}

func NewAnalyzer(fwd relay.Forwarder, target models.ProxyTarget, cfg Config) *Analyzer {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	return &Analyzer{fwd: fwd, target: target, cfg: cfg}
}

type completionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Analyze classifies text against the property's instructions.
func (a *Analyzer) Analyze(ctx context.Context, text, instructions string) (*Result, error) {
	if text == "" {
		explanation := "No message to analyse"
		return &Result{Confidence: 1, Explanation: explanation}, nil
	}

	body, err := json.Marshal(completionRequest{
		Model:       a.cfg.Model,
		Messages:    BuildMessages(instructions, text),
		Temperature: a.cfg.Temperature,
		MaxTokens:   a.cfg.MaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completion request: %w", err)
	}

	h := http.Header{}
	h.Set("Content-Type", "application/json")
	relay.Bearer(a.cfg.APIKey)(h)

	// Classification has no side effects, so it is safe to retry.
	resp, err := a.fwd.Forward(ctx, a.target, relay.Request{
		Method:     http.MethodPost,
		Path:       "/chat/completions",
		Header:     h,
		Body:       body,
		Idempotent: true,
	})
	if err != nil {
		return nil, err
	}

	var out completionResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil && resp.OK() {
		return nil, fmt.Errorf("failed to decode completion: %w", err)
	}
	if !resp.OK() {
		msg := http.StatusText(resp.StatusCode)
		if out.Error != nil && out.Error.Message != "" {
			msg = out.Error.Message
		}
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return nil, ErrEmptyCompletion
	}

	return ParseResult(out.Choices[0].Message.Content)
}
