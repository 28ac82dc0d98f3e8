package mattermost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/reminders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, url string) *Sender {
	t.Helper()
	sender, err := NewSender(Config{WebhookURL: url, Timeout: time.Second})
	require.NoError(t, err)
	return sender
}

func TestNewSender_Defaults(t *testing.T) {
	sender, err := NewSender(Config{WebhookURL: "http://example.com/hooks/x"})
	require.NoError(t, err)

	assert.Equal(t, defaultUsername, sender.config.DefaultUsername)
	assert.Equal(t, defaultTimeout, sender.config.Timeout)
	assert.Equal(t, "mattermost", sender.Type())
}

func TestNewSender_RequiresWebhook(t *testing.T) {
	_, err := NewSender(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook URL is required")
}

func TestSender_Send_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "r1-1", r.Header.Get("Idempotency-Key"))

		var payload webhookPayload
		err := json.NewDecoder(r.Body).Decode(&payload)
		require.NoError(t, err)
		assert.Equal(t, "### [Reply needed] Alice\n\nbody", payload.Text)
		assert.Equal(t, "Followup", payload.Username)
		assert.Equal(t, "@me", payload.Channel)
		assert.Equal(t, "r1-1", payload.Props["idempotency_key"])

		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	err := newTestSender(t, server.URL).Send(context.Background(), reminders.Notification{
		To:             "@me",
		Subject:        "[Reply needed] Alice",
		Body:           "body",
		IdempotencyKey: "r1-1",
	})

	assert.NoError(t, err)
}

func TestSender_Send_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
		contains  string
	}{
		{"bad request", http.StatusBadRequest, false, "unexpected status"},
		{"unauthorized", http.StatusUnauthorized, false, "invalid or expired webhook"},
		{"forbidden", http.StatusForbidden, false, "invalid or expired webhook"},
		{"not found", http.StatusNotFound, false, "webhook not found"},
		{"teapot", http.StatusTeapot, false, "unexpected status"},
		{"rate limited", http.StatusTooManyRequests, true, "rate limited"},
		{"server error", http.StatusInternalServerError, true, "server error"},
		{"unavailable", http.StatusServiceUnavailable, true, "server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("details"))
			}))
			defer server.Close()

			err := newTestSender(t, server.URL).Send(context.Background(), reminders.Notification{Body: "x"})

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.Equal(t, tt.retryable, reminders.IsRetryable(err))
		})
	}
}

func TestSender_Send_NetworkErrorHidesWebhook(t *testing.T) {
	sender := newTestSender(t, "http://localhost:59999/hooks/secrettoken123")

	err := sender.Send(context.Background(), reminders.Notification{Body: "x"})

	require.Error(t, err)
	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.True(t, reminders.IsRetryable(err))
	assert.NotContains(t, err.Error(), "secrettoken123")
}

func TestSender_Send_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := newTestSender(t, server.URL).Send(ctx, reminders.Notification{Body: "x"})

	require.Error(t, err)
	assert.True(t, reminders.IsRetryable(err))
}

func TestMaskWebhookURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		expected string
	}{
		{"short URL", "http://example.com/hook", "http://example.com/hook"},
		{"exactly 40 chars", "http://example.com/hooks/abcdefghijklmno", "http://example.com/hooks/abcdefghijklmno"},
		{"41 chars", "http://example.com/hooks/abcdefghijklmnop", "http://example.com/h...ghijklmnop"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, maskWebhookURL(tt.url))
		})
	}
}
