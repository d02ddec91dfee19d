package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/messaging/nats"
)

// JetStreamQueue publishes failed items to the AIRHOST_DLQ stream. Safe to
// share across gateway instances.
type JetStreamQueue struct {
	js      *nats.JetStreamClient
	stream  jetstream.Stream
	written atomic.Uint64
}

func NewJetStreamQueue(ctx context.Context, js *nats.JetStreamClient) (*JetStreamQueue, error) {
	if js == nil {
		return nil, errors.New("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, nats.DLQStream)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	slog.Info("dlq stream ready", slog.String("stream", nats.DLQStream.Name))
	return &JetStreamQueue{js: js, stream: stream}, nil
}

func (q *JetStreamQueue) Write(ctx context.Context, payload json.RawMessage, err error, reason string) error {
	data, marshalErr := json.Marshal(newFailedEvent(payload, err, reason))
	if marshalErr != nil {
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	if _, err := q.js.PublishSync(ctx, nats.DLQSubject(reason), data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	q.written.Add(1)
	recordWrite(reason)
	return nil
}

func (q *JetStreamQueue) Stats(ctx context.Context) map[string]interface{} {
	stats := map[string]interface{}{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": q.written.Load(),
	}

	info, err := q.stream.Info(ctx)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	stats["first_seq"] = info.State.FirstSeq
	stats["last_seq"] = info.State.LastSeq
	return stats
}

// List reads up to limit entries (default 100) through an ephemeral consumer
// without acknowledging them.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]FailedEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	consumer, err := q.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{nats.SubjectDLQPrefix + ".>"},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch dlq messages: %w", err)
	}

	var events []FailedEvent
	for msg := range msgs.Messages() {
		var failed FailedEvent
		if err := json.Unmarshal(msg.Data(), &failed); err != nil {
			slog.Error("failed to parse dlq message", logging.Error(err))
			continue
		}
		events = append(events, failed)
	}
	if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
		slog.Warn("dlq fetch completed with error", logging.Error(err))
	}
	return events, nil
}

func (q *JetStreamQueue) Purge(ctx context.Context) error {
	if err := q.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge dlq stream: %w", err)
	}
	slog.Info("dlq stream purged", slog.String("stream", nats.DLQStream.Name))
	return nil
}
