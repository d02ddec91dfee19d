package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhost/airhost-gateway/internal/conversation"
	"github.com/airhost/airhost-gateway/internal/dedupe"
	"github.com/airhost/airhost-gateway/internal/dispatch"
	"github.com/airhost/airhost-gateway/internal/handlers"
	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/middleware"
	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/relay"
	"github.com/airhost/airhost-gateway/internal/routing"
)

const m1Payload = `{"object":"whatsapp_business_account","entry":[{"id":"waba","changes":[{"field":"messages","value":{
	"messaging_product":"whatsapp","metadata":{"phone_number_id":"123456789"},
	"messages":[{"from":"33617370484","id":"m1","timestamp":"1700000000","type":"text","text":{"body":"hello"}}]}}]}]}`

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type backend struct {
	srv     *httptest.Server
	creates atomic.Int32
	appends atomic.Int32
	bodies  chan conversation.CreateRequest
	headers chan http.Header
}

func newBackend(t *testing.T, delay time.Duration) *backend {
	return newBackendFunc(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"conversation_id":"conv-1"}`))
	})
}

// newBackendFunc answers create calls with create once they are recorded.
func newBackendFunc(t *testing.T, create http.HandlerFunc) *backend {
	t.Helper()
	b := &backend{bodies: make(chan conversation.CreateRequest, 8), headers: make(chan http.Header, 16)}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.headers <- r.Header.Clone()
		switch r.URL.Path {
		case "/create-conversation-with-welcome":
			b.creates.Add(1)
			var req conversation.CreateRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			b.bodies <- req
			create(w, r)
		case "/conversation-message":
			b.appends.Add(1)
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"success":true}`))
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

type gateway struct {
	handler http.Handler
	webhook *handlers.WebhookHandler
	logs    *syncBuffer
}

func newGateway(t *testing.T, b *backend, convTimeout, ackTimeout time.Duration) *gateway {
	t.Helper()
	logs := &syncBuffer{}
	logger := logging.NewWithWriter(logs, slog.LevelInfo, "json")

	store := dedupe.NewMemoryStore(time.Hour)
	t.Cleanup(func() { _ = store.Close() })

	runner := dispatch.NewTaskRunner(1, 4, nil, logger)
	runner.Start(context.Background())
	t.Cleanup(func() { _ = runner.Stop(context.Background()) })

	rl := relay.New()
	target := models.ProxyTarget{Name: "conversation", BaseURL: b.srv.URL, Timeout: convTimeout}
	router := dispatch.NewRouter(dispatch.Deps{
		Dedupe:        store,
		Routes:        routing.NewStaticStore(&routing.Route{HostID: "host-1"}),
		Conversations: conversation.NewClient(rl, target, "svc-key"),
		Tasks:         runner,
		Logger:        logger,
	})

	webhook := handlers.NewWebhookHandler(handlers.WebhookConfig{
		Provider:     "whatsapp",
		VerifyToken:  "token",
		MaxBodyBytes: 1 << 20,
		AckTimeout:   ackTimeout,
	}, router, handlers.WithLogger(logger))
	t.Cleanup(func() { _ = webhook.Wait(context.Background()) })

	h := NewRouter(RouterConfig{
		Webhook: webhook,
		Health:  handlers.NewHealthHandler("airhost-gateway", webhook, nil, map[string]handlers.Pinger{"dedupe": store}),
		Relay:   rl,
		Proxies: []ProxyRoute{{Target: target, Inject: conversation.Credentials("svc-key")}},
		Logger:  logger,
	})
	return &gateway{handler: h, webhook: webhook, logs: logs}
}

func (g *gateway) do(method, path, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, httptest.NewRequest(method, path, r))
	return rec
}

func TestGateway_RedeliveryCreatesOnce(t *testing.T) {
	b := newBackend(t, 0)
	g := newGateway(t, b, time.Second, 2*time.Second)

	rec := g.do(http.MethodPost, "/webhook/whatsapp", m1Payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.HeaderRequestID))

	req := <-b.bodies
	assert.Equal(t, "+33617370484", req.GuestPhone)
	assert.Equal(t, "host-1", req.HostID)
	assert.False(t, req.SendWelcomeTemplate)

	rec = g.do(http.MethodPost, "/webhook/whatsapp", m1Payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
	assert.Equal(t, int32(1), b.creates.Load())
	assert.Equal(t, int32(1), b.appends.Load())
}

func TestGateway_GatewayTimeoutAfterCreate(t *testing.T) {
	b := newBackendFunc(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	})
	g := newGateway(t, b, time.Second, 2*time.Second)

	rec := g.do(http.MethodPost, "/webhook/whatsapp", m1Payload)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = g.do(http.MethodPost, "/webhook/whatsapp", m1Payload)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"duplicate":true`)
	assert.Equal(t, int32(1), b.creates.Load())
	assert.Equal(t, int32(0), b.appends.Load())
}

func TestGateway_SlowConversationService(t *testing.T) {
	b := newBackend(t, time.Second)
	g := newGateway(t, b, 50*time.Millisecond, 2*time.Second)

	start := time.Now()
	rec := g.do(http.MethodPost, "/webhook/whatsapp", m1Payload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NoError(t, g.webhook.Wait(context.Background()))
	assert.Contains(t, g.logs.String(), models.ErrDownstreamTimeout.Error())
}

func TestGateway_StatusOnlyMakesNoCalls(t *testing.T) {
	b := newBackend(t, 0)
	g := newGateway(t, b, time.Second, time.Second)

	status := `{"field":"messages","value":{"messaging_product":"whatsapp","metadata":{"phone_number_id":"1"},"statuses":[{"id":"x","status":"read"}]}}`
	rec := g.do(http.MethodPost, "/webhook/whatsapp", status)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int32(0), b.creates.Load())
	assert.Empty(t, b.headers)
}

func TestGateway_Handshake(t *testing.T) {
	g := newGateway(t, newBackend(t, 0), time.Second, time.Second)

	rec := g.do(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=token&hub.challenge=42", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "42", rec.Body.String())

	rec = g.do(http.MethodGet, "/webhook/whatsapp?hub.mode=subscribe&hub.verify_token=bad&hub.challenge=42", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestGateway_Proxy(t *testing.T) {
	b := newBackend(t, 0)
	g := newGateway(t, b, time.Second, time.Second)

	req := httptest.NewRequest(http.MethodGet, "/proxy/conversation/conversations?host=1", nil)
	req.Header.Set("Authorization", "Bearer client-token")
	rec := httptest.NewRecorder()
	g.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"path":"/conversations"}`, rec.Body.String())

	h := <-b.headers
	assert.Equal(t, "Bearer svc-key", h.Get("Authorization"))
	assert.Equal(t, "svc-key", h.Get("apikey"))
	assert.NotEmpty(t, h.Get(middleware.HeaderRequestID))
}

func TestGateway_OperationalEndpoints(t *testing.T) {
	g := newGateway(t, newBackend(t, 0), time.Second, time.Second)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		rec := g.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	assert.Contains(t, g.do(http.MethodGet, "/metrics", "").Body.String(), "airhost_gateway_")
	assert.Equal(t, http.StatusNotFound, g.do(http.MethodGet, "/nope", "").Code)
}
