// Package dispatch turns normalized events into conversation updates and
// the asynchronous tasks that follow them.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/airhost/airhost-gateway/internal/analysis"
	"github.com/airhost/airhost-gateway/internal/conversation"
	"github.com/airhost/airhost-gateway/internal/dedupe"
	"github.com/airhost/airhost-gateway/internal/dlq"
	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/metrics"
	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/ratelimit"
	"github.com/airhost/airhost-gateway/internal/routing"
	"github.com/airhost/airhost-gateway/internal/whatsapp"
)

// ConversationService is the subset of the conversation client the router uses.
type ConversationService interface {
	LookupOrCreate(ctx context.Context, ref models.ConversationRef) (*conversation.CreateResult, error)
	AppendMessage(ctx context.Context, msg conversation.InboundMessage) error
	AttachAnalysis(ctx context.Context, att conversation.AnalysisAttachment) error
}

type TemplateSender interface {
	SendTemplate(ctx context.Context, msg whatsapp.TemplateMessage) (string, error)
}

type Classifier interface {
	Analyze(ctx context.Context, text, instructions string) (*analysis.Result, error)
}

// Deps wires a Router. Sender and Analyzer are optional; a nil value turns
// the matching task off.
type Deps struct {
	Dedupe        dedupe.Store
	Routes        routing.Resolver
	Conversations ConversationService
	Sender        TemplateSender
	Analyzer      Classifier
	Limiter       ratelimit.RateLimiter
	Publisher     analysis.Publisher
	Tasks         *TaskRunner
	DLQ           dlq.Queue
	Logger        *logging.Logger
}

type Router struct {
	Deps
}

func NewRouter(d Deps) *Router {
	if d.Limiter == nil {
		d.Limiter = ratelimit.NoOpRateLimiter{}
	}
	if d.Publisher == nil {
		d.Publisher = analysis.NoopPublisher{}
	}
	if d.DLQ == nil {
		d.DLQ = dlq.NopQueue{}
	}
	if d.Logger == nil {
		d.Logger = logging.Default()
	}
	return &Router{Deps: d}
}

// Dispatch applies ev at most once per (ChannelID, MessageID). Failures are
// reported in the result and never returned; the provider always gets its ack.
func (r *Router) Dispatch(ctx context.Context, ev *models.InboundEvent) models.DispatchResult {
	start := time.Now()
	defer func() { metrics.DispatchDuration.Observe(time.Since(start).Seconds()) }()

	log := r.Logger.WithContext(ctx).With(logging.EventID(ev.MessageID), logging.ChannelID(ev.ChannelID))
	result := models.DispatchResult{MessageID: ev.MessageID}
	key := ev.DedupeKey()

	claimed, err := r.Dedupe.Claim(ctx, key)
	switch {
	case err != nil:
		// Processing twice is preferable to losing the message.
		log.Warn("dedupe store unavailable, processing without claim", logging.Error(err))
		claimed = true
	case !claimed:
		metrics.DuplicatesTotal.Inc()
		log.Info("duplicate delivery ignored", logging.Error(models.ErrDuplicateDelivery))
		result.Duplicate = true
		return result
	}

	route, err := r.Routes.Resolve(ctx, ev.ChannelID)
	if err != nil {
		r.release(ctx, key, log)
		log.Error("no route for channel", logging.Error(err))
		r.deadLetter(ctx, ev, err, dlq.ReasonRouteNotFound, log)
		result.Error = err.Error()
		return result
	}
	log = log.With(logging.HostID(route.HostID))

	conv, err := r.Conversations.LookupOrCreate(ctx, models.ConversationRef{
		HostID:     route.HostID,
		GuestPhone: ev.SourcePhoneNumber,
		GuestName:  ev.GuestName,
		PropertyID: route.PropertyID,
	})
	if err != nil {
		outcome := r.downstreamFailed(ctx, key, err, log)
		metrics.ConversationsTotal.WithLabelValues(outcome).Inc()
		log.Error("conversation lookup failed", logging.Error(err), "outcome", outcome)
		r.deadLetter(ctx, ev, err, dlq.ReasonConversationFailed, log)
		result.Error = err.Error()
		return result
	}

	if conv.Created {
		metrics.ConversationsTotal.WithLabelValues("created").Inc()
	} else {
		metrics.ConversationsTotal.WithLabelValues("existing").Inc()
	}
	result.ConversationID = conv.ConversationID
	result.Created = conv.Created
	log.Info("conversation resolved",
		"conversation_id", conv.ConversationID,
		"created", conv.Created,
	)

	// The welcome goes out even if the append below fails: a redelivery finds
	// the conversation existing and would never send it.
	if conv.Created && route.WelcomeEnabled && !conv.TemplateSent && r.Sender != nil {
		result.WelcomeQueued = r.Tasks.Submit(r.welcomeTask(ev, route))
	}

	err = r.Conversations.AppendMessage(ctx, conversation.InboundMessage{
		ConversationID: conv.ConversationID,
		MessageID:      ev.MessageID,
		HostID:         route.HostID,
		GuestPhone:     ev.SourcePhoneNumber,
		Content:        messageContent(ev),
		Type:           ev.MessageType,
		SentAt:         time.Unix(ev.Timestamp, 0).UTC(),
		Metadata:       ev.RawPayload,
	})
	if err != nil {
		outcome := r.downstreamFailed(ctx, key, err, log)
		metrics.MessagesTotal.WithLabelValues(outcome).Inc()
		log.Error("message append failed", logging.Error(err), "outcome", outcome,
			"conversation_id", conv.ConversationID)
		r.deadLetter(ctx, ev, err, dlq.ReasonMessageFailed, log)
		result.Error = err.Error()
		return result
	}
	metrics.MessagesTotal.WithLabelValues("appended").Inc()

	if ev.IsText() && r.Analyzer != nil {
		allowed, err := r.Limiter.Allow(ctx, route.HostID)
		if err != nil {
			log.Warn("rate limiter unavailable, allowing analysis", logging.Error(err))
			allowed = true
		}
		if allowed {
			result.AnalysisQueued = r.Tasks.Submit(r.analysisTask(ev, route, conv.ConversationID))
		} else {
			log.Info("analysis skipped, host over rate limit")
		}
	}

	return result
}

// downstreamFailed decides whether the claim survives a failed call to the
// conversation service and returns the outcome label. The claim is released
// only when the request never reached the service, so a redelivery cannot
// apply it twice. Anything that was sent, including a timeout or a 5xx from
// a gateway in front of the service, keeps the claim.
func (r *Router) downstreamFailed(ctx context.Context, key string, err error, log *slog.Logger) string {
	var de *models.DownstreamError
	if !errors.As(err, &de) {
		return "rejected"
	}
	if !de.RequestSent {
		r.release(ctx, key, log)
		return "not_sent"
	}
	if de.IsTimeout() {
		return "timeout"
	}
	return "unavailable"
}

func (r *Router) release(ctx context.Context, key string, log *slog.Logger) {
	if err := r.Dedupe.Release(ctx, key); err != nil {
		log.Error("failed to release dedupe claim", logging.Error(err))
	}
}

func (r *Router) deadLetter(ctx context.Context, ev *models.InboundEvent, cause error, reason string, log *slog.Logger) {
	payload, _ := json.Marshal(ev)
	if err := r.DLQ.Write(ctx, payload, cause, reason); err != nil {
		log.Error("failed to write dlq entry", logging.Error(err))
	}
}

// messageContent is what the conversation shows for ev. Media and other
// non-text messages get a bracketed placeholder.
func messageContent(ev *models.InboundEvent) string {
	switch {
	case ev.BodyText != "":
		return ev.BodyText
	case ev.MessageType != "":
		return "[" + ev.MessageType + "]"
	default:
		return "[message]"
	}
}

func (r *Router) welcomeTask(ev *models.InboundEvent, route *routing.Route) Task {
	msg := whatsapp.TemplateMessage{
		PhoneNumberID: route.ChannelID,
		AccessToken:   route.AccessToken,
		To:            ev.SourcePhoneNumber,
		Template:      route.Template(),
		Language:      route.Language(),
	}
	payload, _ := json.Marshal(map[string]string{
		"phone_number_id": msg.PhoneNumberID,
		"to":              msg.To,
		"template":        msg.Template,
		"language":        msg.Language,
		"message_id":      ev.MessageID,
	})
	return Task{
		Kind:    TaskWelcome,
		EventID: ev.MessageID,
		HostID:  route.HostID,
		Payload: payload,
		Run: func(ctx context.Context) error {
			_, err := r.Sender.SendTemplate(ctx, msg)
			return err
		},
	}
}

func (r *Router) analysisTask(ev *models.InboundEvent, route *routing.Route, conversationID string) Task {
	payload, _ := json.Marshal(ev)
	text := ev.BodyText
	return Task{
		Kind:    TaskAnalysis,
		EventID: ev.MessageID,
		HostID:  route.HostID,
		Payload: payload,
		Run: func(ctx context.Context) error {
			res, err := r.Analyzer.Analyze(ctx, text, route.Instructions)
			if err != nil {
				return err
			}

			raw, err := json.Marshal(res)
			if err != nil {
				return err
			}
			attachErr := r.Conversations.AttachAnalysis(ctx, conversation.AnalysisAttachment{
				ConversationID: conversationID,
				MessageID:      ev.MessageID,
				HostID:         route.HostID,
				Analysis:       raw,
			})

			pubErr := r.Publisher.Publish(ctx, analysis.Completed{
				HostID:         route.HostID,
				ConversationID: conversationID,
				MessageID:      ev.MessageID,
				GuestPhone:     ev.SourcePhoneNumber,
				Result:         res,
				AnalyzedAt:     time.Now().UTC(),
			})
			return errors.Join(attachErr, pubErr)
		},
	}
}
