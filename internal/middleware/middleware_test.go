package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestID(t *testing.T) {
	tests := []struct {
		name     string
		existing string
	}{
		{name: "generates new request ID when not present"},
		{name: "propagates existing request ID", existing: "existing-req-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var captured string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				captured = GetRequestID(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/webhook/whatsapp", nil)
			if tt.existing != "" {
				req.Header.Set(HeaderRequestID, tt.existing)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, captured, rec.Header().Get(HeaderRequestID))
			if tt.existing != "" {
				assert.Equal(t, tt.existing, captured)
				return
			}
			_, err := uuid.Parse(captured)
			assert.NoError(t, err)
		})
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetTarget(r.Context(), "conversation")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))

	req := httptest.NewRequest(http.MethodPost, "/proxy/conversation/x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "POST", entry["method"])
	assert.Equal(t, "/proxy/conversation/x", entry["path"])
	assert.Equal(t, float64(http.StatusBadGateway), entry["status"])
	assert.Equal(t, "conversation", entry["target"])
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry, "duration_ms")
}

func TestAccessLogDefaultsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := AccessLog(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(http.StatusOK), entry["status"])
	assert.NotContains(t, entry, "target")
}
