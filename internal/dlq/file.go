package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/airhost/airhost-gateway/internal/logging"
)

// FileQueue writes one JSON file per failed item. It suits a single gateway
// instance; use JetStreamQueue when several instances share a DLQ.
type FileQueue struct {
	basePath string
	mu       sync.Mutex
	written  atomic.Uint64
}

func NewFileQueue(basePath string) (*FileQueue, error) {
	if basePath == "" {
		basePath = "/var/lib/airhost/dlq"
	}
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create dlq directory: %w", err)
	}
	return &FileQueue{basePath: basePath}, nil
}

func (q *FileQueue) Write(_ context.Context, payload json.RawMessage, err error, reason string) error {
	failed := newFailedEvent(payload, err, reason)

	data, marshalErr := json.MarshalIndent(failed, "", "  ")
	if marshalErr != nil {
		return fmt.Errorf("marshal dlq entry: %w", marshalErr)
	}

	// The timestamp prefix keeps directory order chronological.
	filename := fmt.Sprintf("failed_%020d_%s.json", failed.Timestamp.UnixNano(), failed.ID)

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.WriteFile(filepath.Join(q.basePath, filename), data, 0o600); err != nil {
		return fmt.Errorf("write dlq entry: %w", err)
	}

	q.written.Add(1)
	recordWrite(reason)
	slog.Info("dlq entry written", slog.String("file", filename), slog.String("reason", reason))
	return nil
}

func (q *FileQueue) entries() ([]string, error) {
	files, err := os.ReadDir(q.basePath)
	if err != nil {
		return nil, fmt.Errorf("read dlq directory: %w", err)
	}
	var names []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".json") {
			continue
		}
		names = append(names, f.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (q *FileQueue) Stats(context.Context) map[string]interface{} {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := map[string]interface{}{
		"enabled":   true,
		"backend":   "file",
		"written":   q.written.Load(),
		"base_path": q.basePath,
	}
	names, err := q.entries()
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["pending_files"] = len(names)
	return stats
}

// List returns the oldest entries first. limit <= 0 returns all of them.
func (q *FileQueue) List(_ context.Context, limit int) ([]FailedEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entries()
	if err != nil {
		return nil, err
	}

	var events []FailedEvent
	for _, name := range names {
		if limit > 0 && len(events) >= limit {
			break
		}
		data, err := os.ReadFile(filepath.Join(q.basePath, name))
		if err != nil {
			slog.Error("failed to read dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		var failed FailedEvent
		if err := json.Unmarshal(data, &failed); err != nil {
			slog.Error("failed to parse dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		events = append(events, failed)
	}
	return events, nil
}

func (q *FileQueue) Purge(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := q.entries()
	if err != nil {
		return err
	}
	deleted := 0
	for _, name := range names {
		if err := os.Remove(filepath.Join(q.basePath, name)); err != nil {
			slog.Error("failed to delete dlq file", slog.String("file", name), logging.Error(err))
			continue
		}
		deleted++
	}
	slog.Info("dlq purged", slog.Int("deleted", deleted))
	return nil
}
