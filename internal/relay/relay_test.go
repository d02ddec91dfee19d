package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhost/airhost-gateway/internal/logging"
	"github.com/airhost/airhost-gateway/internal/middleware"
	"github.com/airhost/airhost-gateway/internal/models"
)

func newTestRelay() *Relay {
	return New(WithRetries(2), WithBackoff(time.Millisecond, 5*time.Millisecond))
}

func TestForward_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/functions/v1/create-conversation-with-welcome", r.URL.Path)
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"a":1}`, string(body))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true}`))
	}))
	defer srv.Close()

	target := models.ProxyTarget{Name: "conversation", BaseURL: srv.URL + "/functions/v1/", Timeout: time.Second}
	resp, err := newTestRelay().Forward(context.Background(), target, Request{
		Method: http.MethodPost,
		Path:   "/create-conversation-with-welcome",
		Header: http.Header{"Authorization": []string{"Bearer key"}},
		Body:   []byte(`{"a":1}`),
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.True(t, resp.OK())
	assert.JSONEq(t, `{"success":true}`, string(resp.Body))
}

func TestForward_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	target := models.ProxyTarget{Name: "conversation", BaseURL: srv.URL, Timeout: 50 * time.Millisecond}
	start := time.Now()
	_, err := newTestRelay().Forward(context.Background(), target, Request{Method: http.MethodPost, Path: "/x"})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.True(t, errors.Is(err, models.ErrDownstreamTimeout))
	var de *models.DownstreamError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "conversation", de.Target)
	assert.GreaterOrEqual(t, de.Elapsed, 50*time.Millisecond)
}

func TestForward_Unavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	target := models.ProxyTarget{Name: "analysis", BaseURL: url, Timeout: time.Second}
	_, err := newTestRelay().Forward(context.Background(), target, Request{Method: http.MethodPost})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownstreamUnavailable))
	assert.False(t, errors.Is(err, models.ErrDownstreamTimeout))
}

func TestForward_StatusClassification(t *testing.T) {
	tests := []struct {
		status      int
		unavailable bool
	}{
		{status: http.StatusOK},
		{status: http.StatusBadRequest},
		{status: http.StatusInternalServerError},
		{status: http.StatusBadGateway, unavailable: true},
		{status: http.StatusServiceUnavailable, unavailable: true},
		{status: http.StatusGatewayTimeout, unavailable: true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			target := models.ProxyTarget{Name: "t", BaseURL: srv.URL, Timeout: time.Second}
			resp, err := newTestRelay().Forward(context.Background(), target, Request{Method: http.MethodPost})
			if tt.unavailable {
				require.Error(t, err)
				var de *models.DownstreamError
				require.True(t, errors.As(err, &de))
				assert.Equal(t, tt.status, de.StatusCode)
				assert.True(t, errors.Is(err, models.ErrDownstreamUnavailable))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

// halfWrittenCreate answers 201 with a Content-Length it never honours and
// drops the connection mid-body.
func halfWrittenCreate(t *testing.T) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		conn, buf, err := w.(http.Hijacker).Hijack()
		if !assert.NoError(t, err) {
			return
		}
		_, _ = buf.WriteString("HTTP/1.1 201 Created\r\nContent-Type: application/json\r\nContent-Length: 64\r\n\r\n{\"success\":true,\"conv")
		_ = buf.Flush()
		_ = conn.Close()
	}))
}

func TestForward_RequestSent(t *testing.T) {
	refused := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	refusedURL := refused.URL
	refused.Close()

	gatewayTimeout := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGatewayTimeout)
	}))
	defer gatewayTimeout.Close()

	reset := halfWrittenCreate(t)
	defer reset.Close()

	tests := []struct {
		name    string
		baseURL string
		status  int
		sent    bool
	}{
		{name: "connection refused", baseURL: refusedURL, sent: false},
		{name: "request build failure", baseURL: "http://bad host", sent: false},
		{name: "gateway timeout after the upstream ran", baseURL: gatewayTimeout.URL, status: http.StatusGatewayTimeout, sent: true},
		{name: "reset while reading the body", baseURL: reset.URL, sent: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := models.ProxyTarget{Name: "conversation", BaseURL: tt.baseURL, Timeout: time.Second}
			_, err := newTestRelay().Forward(context.Background(), target, Request{Method: http.MethodPost, Body: []byte(`{}`)})
			require.Error(t, err)

			var de *models.DownstreamError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.sent, de.RequestSent)
			assert.Equal(t, tt.status, de.StatusCode)
			assert.True(t, errors.Is(err, models.ErrDownstreamUnavailable))
		})
	}
}

func TestForward_RetriesOnlyIdempotent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()
	target := models.ProxyTarget{Name: "t", BaseURL: srv.URL, Timeout: time.Second}
	r := newTestRelay()

	_, err := r.Forward(context.Background(), target, Request{Method: http.MethodPost})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "non-idempotent requests are never retried")

	calls.Store(0)
	resp, err := r.Forward(context.Background(), target, Request{Method: http.MethodGet, Idempotent: true})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestForward_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	target := models.ProxyTarget{Name: "t", BaseURL: srv.URL, Timeout: time.Second}
	_, err := newTestRelay().Forward(context.Background(), target, Request{Method: http.MethodGet, Idempotent: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownstreamUnavailable))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHandler(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "stream=false", r.URL.RawQuery)
		assert.Equal(t, "Bearer server-key", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Cookie"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x"}`))
	}))
	defer upstream.Close()

	target := models.ProxyTarget{Name: "analysis", BaseURL: upstream.URL, Timeout: time.Second}
	h := newTestRelay().Handler(target, "/proxy/analysis", Bearer("server-key"), 1024, logging.Discard())

	req := httptest.NewRequest(http.MethodPost, "/proxy/analysis/chat/completions?stream=false", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer client-key")
	req.Header.Set("Cookie", "session=1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"id":"x"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestHandler_ErrorMapping(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer slow.Close()
	down := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	downURL := down.URL
	down.Close()

	tests := []struct {
		name   string
		target models.ProxyTarget
		want   int
	}{
		{name: "timeout", target: models.ProxyTarget{Name: "slow", BaseURL: slow.URL, Timeout: 30 * time.Millisecond}, want: http.StatusGatewayTimeout},
		{name: "unavailable", target: models.ProxyTarget{Name: "down", BaseURL: downURL, Timeout: time.Second}, want: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := logging.NewWithWriter(&logs, slog.LevelInfo, "json")
			h := New(WithRetries(0)).Handler(tt.target, "/proxy/x", nil, 0, logger)

			req := httptest.NewRequest(http.MethodPost, "/proxy/x/y", strings.NewReader("{}"))
			req = req.WithContext(middleware.WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)

			var entry map[string]interface{}
			require.NoError(t, json.Unmarshal(logs.Bytes(), &entry))
			assert.Equal(t, "relay failed", entry["msg"])
			assert.Equal(t, tt.target.Name, entry[logging.FieldTarget])
			assert.Equal(t, "req-1", entry[logging.FieldRequestID])
			assert.NotEmpty(t, entry[logging.FieldError])
		})
	}
}

func TestHandler_BodyTooLarge(t *testing.T) {
	target := models.ProxyTarget{Name: "t", BaseURL: "http://127.0.0.1:1", Timeout: time.Second}
	h := newTestRelay().Handler(target, "/proxy/t", nil, 4, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/proxy/t/", strings.NewReader("too long")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestChainInjectors(t *testing.T) {
	h := http.Header{}
	Chain(Bearer("tok"), HeaderValue("apikey", "anon"), HeaderValue("X-Empty", ""))(h)
	assert.Equal(t, "Bearer tok", h.Get("Authorization"))
	assert.Equal(t, "anon", h.Get("apikey"))
	assert.Empty(t, h.Get("X-Empty"))
}
