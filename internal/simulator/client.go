package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/airhost/airhost-gateway/internal/verifier"
)

// Client talks to a gateway's webhook endpoint.
type Client struct {
	webhookURL string
	client     *http.Client
}

func NewClient(webhookURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
	}
}

// Verify performs the subscription handshake and checks the challenge is
// echoed back.
func (c *Client) Verify(ctx context.Context, token, challenge string) error {
	u, err := url.Parse(c.webhookURL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	q := u.Query()
	q.Set("hub.mode", "subscribe")
	q.Set("hub.verify_token", token)
	q.Set("hub.challenge", challenge)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("handshake rejected with status %d", resp.StatusCode)
	}
	if string(body) != challenge {
		return fmt.Errorf("handshake returned %q, expected the challenge %q", body, challenge)
	}
	return nil
}

// Result is the gateway's answer to a delivery.
type Result struct {
	StatusCode int                    `json:"status_code"`
	Summary    map[string]interface{} `json:"summary,omitempty"`
	Body       string                 `json:"body,omitempty"`
}

// Send posts body, signing it when secret is set.
func (c *Client) Send(ctx context.Context, body []byte, secret string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set(verifier.SignatureHeader, verifier.Sign(body, secret))
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	res := &Result{StatusCode: resp.StatusCode}
	if err := json.Unmarshal(raw, &res.Summary); err != nil {
		res.Summary = nil
		res.Body = string(raw)
	}
	return res, nil
}
