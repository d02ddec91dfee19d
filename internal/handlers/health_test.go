package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealth(t *testing.T) {
	h := NewHealthHandler("airhost-gateway", nil, nil, nil)
	rec := httptest.NewRecorder()
	h.Health(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy","service":"airhost-gateway"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	webhook, _ := newTestHandler(&fakeDispatcher{}, nil)

	tests := []struct {
		name   string
		checks map[string]Pinger
		status int
		state  string
	}{
		{
			name:   "all dependencies up",
			checks: map[string]Pinger{"dedupe": PingFunc(func(context.Context) error { return nil })},
			status: http.StatusOK,
			state:  "ready",
		},
		{
			name: "dependency down",
			checks: map[string]Pinger{
				"dedupe": PingFunc(func(context.Context) error { return nil }),
				"routes": PingFunc(func(context.Context) error { return errors.New("connection refused") }),
			},
			status: http.StatusServiceUnavailable,
			state:  "not_ready",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHealthHandler("airhost-gateway", webhook, nil, tt.checks)
			rec := httptest.NewRecorder()
			h.Ready(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			assert.Equal(t, tt.status, rec.Code)
			var body map[string]interface{}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.state, body["status"])
			assert.Contains(t, body, "stats")
			assert.Contains(t, body, "dlq")
		})
	}
}
