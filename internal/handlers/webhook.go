package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/airhost/airhost-gateway/internal/archive"
	"github.com/airhost/airhost-gateway/internal/dlq"
	"github.com/airhost/airhost-gateway/internal/httputil"
	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/metrics"
	"github.com/airhost/airhost-gateway/internal/middleware"
	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/normalizer"
	"github.com/airhost/airhost-gateway/internal/verifier"
)

// Dispatcher applies one normalized event.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *models.InboundEvent) models.DispatchResult
}

// WebhookConfig holds the values the handler reads from configuration.
type WebhookConfig struct {
	Provider     string
	VerifyToken  string
	AppSecret    string
	MaxBodyBytes int64
	AckTimeout   time.Duration
}

// DeliverySummary is the body returned when processing finishes within
// the ack timeout.
type DeliverySummary struct {
	Status  string                  `json:"status"`
	Events  int                     `json:"events"`
	Skipped int                     `json:"skipped,omitempty"`
	Results []models.DispatchResult `json:"results,omitempty"`
	Error   string                  `json:"error,omitempty"`
}

const (
	statusProcessed = "processed"
	statusAccepted  = "accepted"
	statusIgnored   = "ignored"
)

type WebhookHandler struct {
	cfg        WebhookConfig
	dispatcher Dispatcher
	archiver   archive.Archiver
	dlq        dlq.Queue
	logger     *logging.Logger

	statsMu  sync.Mutex
	stats    models.DeliveryStats
	inflight sync.WaitGroup
}

type Option func(*WebhookHandler)

func WithArchiver(a archive.Archiver) Option {
	return func(h *WebhookHandler) { h.archiver = a }
}

func WithDLQ(q dlq.Queue) Option {
	return func(h *WebhookHandler) { h.dlq = q }
}

func WithLogger(l *logging.Logger) Option {
	return func(h *WebhookHandler) { h.logger = l }
}

func NewWebhookHandler(cfg WebhookConfig, d Dispatcher, opts ...Option) *WebhookHandler {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}
	h := &WebhookHandler{
		cfg:        cfg,
		dispatcher: d,
		archiver:   archive.NopArchiver{},
		dlq:        dlq.NopQueue{},
		logger:     logging.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP serves /webhook/{provider}.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("provider") != h.cfg.Provider {
		httputil.WriteError(w, http.StatusNotFound, "unknown provider")
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handshake(w, r)
	case http.MethodPost:
		h.deliver(w, r)
	default:
		w.Header().Set("Allow", "GET, POST")
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *WebhookHandler) handshake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge := models.VerificationChallenge{
		Mode:        q.Get("hub.mode"),
		VerifyToken: q.Get("hub.verify_token"),
		Challenge:   q.Get("hub.challenge"),
	}
	log := h.logger.WithContext(r.Context())

	if r.Context().Err() != nil {
		log.Info("client gone before handshake response")
		return
	}

	if err := verifier.VerifyChallenge(challenge, h.cfg.VerifyToken); err != nil {
		metrics.DeliveriesTotal.WithLabelValues(http.MethodGet, "rejected").Inc()
		log.Warn("webhook handshake rejected",
			logging.Error(err),
			logging.Secret("verify_token", challenge.VerifyToken),
		)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	metrics.DeliveriesTotal.WithLabelValues(http.MethodGet, "verified").Inc()
	log.Info("webhook handshake verified")
	httputil.WriteText(w, http.StatusOK, challenge.Challenge)
}

func (h *WebhookHandler) deliver(w http.ResponseWriter, r *http.Request) {
	receivedAt := time.Now().UTC()
	log := h.logger.WithContext(r.Context())

	body, err := httputil.ReadBody(r, h.cfg.MaxBodyBytes)
	if err != nil {
		metrics.DeliveriesTotal.WithLabelValues(http.MethodPost, "unreadable").Inc()
		log.Warn("failed to read webhook body", logging.Error(err))
		if errors.Is(err, httputil.ErrBodyTooLarge) {
			httputil.WriteError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		httputil.WriteError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	metrics.DeliveryBytesTotal.Add(float64(len(body)))

	rec := archive.Record{
		ID:         middleware.GetRequestID(r.Context()),
		ReceivedAt: receivedAt,
		Provider:   h.cfg.Provider,
		RequestID:  middleware.GetRequestID(r.Context()),
		RemoteIP:   httputil.GetClientIP(r),
		Body:       body,
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	if h.cfg.AppSecret != "" {
		valid := verifier.VerifySignature(body, r.Header.Get(verifier.SignatureHeader), h.cfg.AppSecret)
		rec.SignatureValid = &valid
		if !valid {
			metrics.DeliveriesTotal.WithLabelValues(http.MethodPost, "rejected").Inc()
			log.Warn("webhook signature rejected", logging.Error(models.ErrVerificationFailed))
			rec.Error = models.ErrVerificationFailed.Error()
			h.record(context.WithoutCancel(r.Context()), rec)
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}

	// Processing outlives the request so a slow backend never turns into a
	// provider-side retry storm.
	ctx := context.WithoutCancel(r.Context())
	done := make(chan DeliverySummary, 1)
	h.inflight.Add(1)
	go func() {
		defer h.inflight.Done()
		done <- h.process(ctx, body, receivedAt, rec)
	}()

	timer := time.NewTimer(h.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case summary := <-done:
		metrics.DeliveriesTotal.WithLabelValues(http.MethodPost, summary.Status).Inc()
		httputil.WriteJSON(w, http.StatusOK, summary)
	case <-timer.C:
		metrics.AckTimeouts.Inc()
		metrics.DeliveriesTotal.WithLabelValues(http.MethodPost, statusAccepted).Inc()
		log.Warn("ack timeout reached, processing continues in background",
			logging.Duration(h.cfg.AckTimeout))
		httputil.WriteJSON(w, http.StatusOK, DeliverySummary{Status: statusAccepted})
	case <-r.Context().Done():
		log.Info("client gone before delivery ack, processing continues")
	}
}

func (h *WebhookHandler) process(ctx context.Context, body []byte, receivedAt time.Time, rec archive.Record) DeliverySummary {
	log := h.logger.WithContext(ctx)

	delivery, err := normalizer.Parse(body, receivedAt)
	if err != nil {
		metrics.MalformedPayloads.Inc()
		h.updateStats(func(s *models.DeliveryStats) { s.Malformed++ })
		log.Error("malformed webhook payload", logging.Error(err))
		if dlqErr := h.dlq.Write(ctx, body, err, dlq.ReasonMalformedPayload); dlqErr != nil {
			log.Error("failed to dead-letter malformed payload", logging.Error(dlqErr))
		}
		rec.Error = err.Error()
		h.record(ctx, rec)
		return DeliverySummary{Status: statusIgnored, Error: models.ErrMalformedPayload.Error()}
	}

	for _, sk := range delivery.Skipped {
		metrics.SkippedMessages.Inc()
		log.Warn("skipping malformed message", logging.EventID(sk.MessageID), logging.Error(sk.Err))
		if dlqErr := h.dlq.Write(ctx, sk.Raw, sk.Err, dlq.ReasonMalformedPayload); dlqErr != nil {
			log.Error("failed to dead-letter malformed message", logging.Error(dlqErr))
		}
	}

	events := delivery.Events
	summary := DeliverySummary{Status: statusProcessed, Events: len(events), Skipped: len(delivery.Skipped)}
	var duplicates, failures int64
	for i := range events {
		ev := &events[i]
		metrics.EventsTotal.WithLabelValues(ev.MessageType).Inc()

		res := h.dispatcher.Dispatch(ctx, ev)
		if res.Duplicate {
			duplicates++
		}
		if res.Error != "" {
			failures++
		}
		summary.Results = append(summary.Results, res)
	}

	h.updateStats(func(s *models.DeliveryStats) {
		s.Events += int64(len(events))
		s.Skipped += int64(len(delivery.Skipped))
		s.Duplicates += duplicates
		s.DispatchErrors += failures
	})

	rec.Events = len(events)
	rec.Duplicates = int(duplicates)
	h.record(ctx, rec)

	log.Info("webhook delivery processed",
		"events", len(events),
		"skipped", len(delivery.Skipped),
		"duplicates", duplicates,
		"failures", failures,
	)
	return summary
}

func (h *WebhookHandler) record(ctx context.Context, rec archive.Record) {
	h.updateStats(func(s *models.DeliveryStats) {
		s.Deliveries++
		s.LastDeliveryAt = rec.ReceivedAt
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := h.archiver.Archive(ctx, rec); err != nil {
		h.logger.WithContext(ctx).Warn("failed to archive delivery", logging.Error(err))
	}
}

func (h *WebhookHandler) updateStats(fn func(*models.DeliveryStats)) {
	h.statsMu.Lock()
	fn(&h.stats)
	h.statsMu.Unlock()
}

// Stats returns a snapshot of the delivery counters.
func (h *WebhookHandler) Stats() models.DeliveryStats {
	h.statsMu.Lock()
	defer h.statsMu.Unlock()
	return h.stats
}

// Wait blocks until background processing has finished or ctx expires.
func (h *WebhookHandler) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
