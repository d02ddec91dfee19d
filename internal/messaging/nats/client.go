// Package nats wraps the NATS connection used for analysis notifications
// and the JetStream dead-letter queue.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Subjects published by the gateway.
const (
	SubjectAnalysisCompleted = "airhost.analysis.completed"
	SubjectDLQPrefix         = "airhost.dlq"
)

// DLQSubject returns the subject a dead-letter entry is published on.
func DLQSubject(reason string) string {
	return SubjectDLQPrefix + "." + reason
}

type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
	Token         string
}

func DefaultConfig(url string) Config {
	return Config{
		URL:           url,
		Name:          "airhost-gateway",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client is a thin publisher over a NATS connection.
type Client struct {
	conn *nats.Conn
}

func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("nats reconnected")
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.conn.Publish(subject, data)
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(ctx context.Context, subject string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.Publish(ctx, subject, data)
}

func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Drain flushes pending publishes and closes the connection.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}
