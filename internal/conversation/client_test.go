package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airhost/airhost-gateway/internal/models"
	"github.com/airhost/airhost-gateway/internal/relay"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	target := models.ProxyTarget{Name: "conversation", BaseURL: srv.URL + "/functions/v1", Timeout: time.Second}
	return NewClient(relay.New(relay.WithRetries(0)), target, "service-key")
}

func TestLookupOrCreate_Created(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/functions/v1/create-conversation-with-welcome", r.URL.Path)
		assert.Equal(t, "Bearer service-key", r.Header.Get("Authorization"))
		assert.Equal(t, "service-key", r.Header.Get("apikey"))

		var req CreateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "host-1", req.HostID)
		assert.Equal(t, "+33617370484", req.GuestPhone)
		assert.Equal(t, "Marie", req.GuestName)
		assert.Equal(t, "prop-1", req.PropertyID)
		assert.False(t, req.SendWelcomeTemplate)

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"conversation_id":"conv-1","created":true}`))
	})

	res, err := client.LookupOrCreate(context.Background(), models.ConversationRef{
		HostID: "host-1", GuestPhone: "+33617370484", GuestName: "Marie", PropertyID: "prop-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", res.ConversationID)
	assert.True(t, res.Created)
}

func TestCreate_LegacyResponseShape(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		created bool
		sent    bool
	}{
		{
			name:    "created with template",
			status:  http.StatusCreated,
			body:    `{"message":"ok","conversation":{"id":"conv-2"},"welcome_template_sent":true,"welcome_template_error":null}`,
			created: true,
			sent:    true,
		},
		{
			name:   "already exists",
			status: http.StatusOK,
			body:   `{"message":"exists","conversation":{"id":"conv-2"}}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			res, err := client.Create(context.Background(), CreateRequest{HostID: "h", GuestName: "g", GuestPhone: "+1"})
			require.NoError(t, err)
			assert.Equal(t, "conv-2", res.ConversationID)
			assert.Equal(t, tt.created, res.Created)
			assert.Equal(t, tt.sent, res.TemplateSent)
		})
	}
}

func TestCreate_Rejected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"missing host_id"}`},
		{name: "server error", status: http.StatusInternalServerError, body: `oops`},
		{name: "success false", status: http.StatusOK, body: `{"success":false,"error":"nope"}`},
		{name: "no id", status: http.StatusCreated, body: `{"success":true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Create(context.Background(), CreateRequest{HostID: "h"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrRejected))
			assert.False(t, errors.Is(err, models.ErrDownstreamUnavailable))
		})
	}
}

func TestCreate_Unavailable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	_, err := client.Create(context.Background(), CreateRequest{HostID: "h"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrDownstreamUnavailable))
}

func TestAttachAnalysis(t *testing.T) {
	var got AnalysisAttachment
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/functions/v1/conversation-analysis", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))
		w.WriteHeader(http.StatusNoContent)
	})

	err := client.AttachAnalysis(context.Background(), AnalysisAttachment{
		ConversationID: "conv-1",
		MessageID:      "m1",
		HostID:         "host-1",
		Analysis:       json.RawMessage(`{"isEmergency":true}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.JSONEq(t, `{"isEmergency":true}`, string(got.Analysis))
}

func TestAppendMessage(t *testing.T) {
	var (
		calls int
		got   InboundMessage
	)
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/functions/v1/conversation-message", r.URL.Path)
		assert.Equal(t, "service-key", r.Header.Get("apikey"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"success":true,"message_id":"wamid.1"}`))
	})

	sentAt := time.Unix(1732874400, 0).UTC()
	err := client.AppendMessage(context.Background(), InboundMessage{
		ConversationID: "conv-1",
		MessageID:      "wamid.1",
		HostID:         "host-1",
		GuestPhone:     "+33617370484",
		Content:        "Bonjour",
		Type:           "text",
		SentAt:         sentAt,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, "conv-1", got.ConversationID)
	assert.Equal(t, "wamid.1", got.MessageID)
	assert.Equal(t, DirectionInbound, got.Direction)
	assert.Equal(t, StatusReceived, got.Status)
	assert.True(t, sentAt.Equal(got.SentAt))
}

func TestAppendMessage_Failures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		rejected bool
	}{
		{name: "bad request", status: http.StatusBadRequest, body: `{"error":"unknown conversation"}`, rejected: true},
		{name: "success false", status: http.StatusOK, body: `{"success":false,"error":"constraint"}`, rejected: true},
		{name: "unavailable", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := client.AppendMessage(context.Background(), InboundMessage{ConversationID: "conv-1", MessageID: "m1"})
			require.Error(t, err)
			assert.Equal(t, tt.rejected, errors.Is(err, ErrRejected))
			assert.Equal(t, !tt.rejected, errors.Is(err, models.ErrDownstreamUnavailable))
		})
	}
}
