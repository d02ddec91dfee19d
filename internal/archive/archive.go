// Package archive keeps an audit copy of every webhook delivery in OpenSearch.
package archive

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opensearch-project/opensearch-go/v2"

	"github.com/airhost/airhost-gateway/internal/config"
	"github.com/airhost/airhost-gateway/internal/metrics"
)

// Record is the audit document for one delivery.
type Record struct {
	ID             string          `json:"id"`
	ReceivedAt     time.Time       `json:"received_at"`
	Provider       string          `json:"provider"`
	RequestID      string          `json:"request_id,omitempty"`
	RemoteIP       string          `json:"remote_ip,omitempty"`
	SignatureValid *bool           `json:"signature_valid,omitempty"`
	Events         int             `json:"events"`
	Duplicates     int             `json:"duplicates"`
	Error          string          `json:"error,omitempty"`
	Body           json.RawMessage `json:"body,omitempty"`
	BodyText       string          `json:"body_text,omitempty"`
}

// Archiver stores delivery records.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// OpenSearchArchiver indexes records into one index per day,
// <prefix>-YYYY.MM.DD.
type OpenSearchArchiver struct {
	client *opensearch.Client
	prefix string
}

func NewOpenSearchArchiver(cfg config.ArchiveConfig) (*OpenSearchArchiver, error) {
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify, //nolint:gosec // opt-in for self-signed clusters
		},
	}

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	prefix := cfg.Index
	if prefix == "" {
		prefix = "airhost-webhooks"
	}
	return &OpenSearchArchiver{client: client, prefix: prefix}, nil
}

// IndexFor returns the daily index a record received at t is written to.
func (a *OpenSearchArchiver) IndexFor(t time.Time) string {
	return a.prefix + "-" + t.UTC().Format("2006.01.02")
}

func (a *OpenSearchArchiver) Archive(ctx context.Context, rec Record) error {
	if len(rec.Body) > 0 && !json.Valid(rec.Body) {
		rec.BodyText = string(rec.Body)
		rec.Body = nil
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal archive record: %w", err)
	}

	res, err := a.client.Index(
		a.IndexFor(rec.ReceivedAt),
		bytes.NewReader(body),
		a.client.Index.WithDocumentID(rec.ID),
		a.client.Index.WithContext(ctx),
	)
	if err != nil {
		metrics.ArchiveErrors.Inc()
		return fmt.Errorf("index archive record: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		metrics.ArchiveErrors.Inc()
		msg, _ := io.ReadAll(res.Body)
		return fmt.Errorf("index archive record: %s - %s", res.Status(), string(msg))
	}
	return nil
}

// NopArchiver drops records. Used when archiving is disabled.
type NopArchiver struct{}

func (NopArchiver) Archive(context.Context, Record) error { return nil }
