package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/airhost/airhost-gateway/internal/dlq"
	"github.com/airhost/airhost-gateway/internal/httputil"
)

// Pinger is any dependency readiness depends on.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type HealthHandler struct {
	service string
	checks  map[string]Pinger
	webhook *WebhookHandler
	dlq     dlq.Queue
}

func NewHealthHandler(service string, webhook *WebhookHandler, q dlq.Queue, checks map[string]Pinger) *HealthHandler {
	if q == nil {
		q = dlq.NopQueue{}
	}
	return &HealthHandler{service: service, checks: checks, webhook: webhook, dlq: q}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": h.service,
	})
}

// Ready reports 503 when any dependency check fails.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(h.checks))
	for name, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	resp := map[string]interface{}{
		"status": "ready",
		"checks": checks,
		"dlq":    h.dlq.Stats(ctx),
	}
	if status != http.StatusOK {
		resp["status"] = "not_ready"
	}
	if h.webhook != nil {
		resp["stats"] = h.webhook.Stats()
	}
	httputil.WriteJSON(w, status, resp)
}
