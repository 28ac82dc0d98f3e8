// Package mattermost delivers reminders via Mattermost incoming webhooks.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bissquit/followup/internal/reminders"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "Followup"
	maxErrorBody    = 512
)

// Config holds Mattermost sender configuration.
type Config struct {
	WebhookURL      string
	DefaultUsername string
	DefaultIconURL  string
	Timeout         time.Duration
}

// Sender implements reminders.Sender via an incoming webhook.
type Sender struct {
	config     Config
	httpClient *http.Client
}

// NewSender creates a new Mattermost sender.
func NewSender(config Config) (*Sender, error) {
	if config.WebhookURL == "" {
		return nil, errors.New("mattermost sender: webhook URL is required")
	}
	if config.DefaultUsername == "" {
		config.DefaultUsername = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Sender{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() string {
	return "mattermost"
}

type webhookPayload struct {
	Text     string            `json:"text"`
	Channel  string            `json:"channel,omitempty"`
	Username string            `json:"username,omitempty"`
	IconURL  string            `json:"icon_url,omitempty"`
	Props    map[string]string `json:"props,omitempty"`
}

// Send posts the notification. notification.To, when set, overrides the
// webhook's default channel. The idempotency key travels in props.
func (s *Sender) Send(ctx context.Context, notification reminders.Notification) error {
	payload := webhookPayload{
		Channel:  notification.To,
		Username: s.config.DefaultUsername,
		IconURL:  s.config.DefaultIconURL,
	}

	if notification.Subject != "" {
		payload.Text = fmt.Sprintf("### %s\n\n%s", notification.Subject, notification.Body)
	} else {
		payload.Text = notification.Body
	}

	if notification.IdempotencyKey != "" {
		payload.Props = map[string]string{"idempotency_key": notification.IdempotencyKey}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("marshal payload: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return &PermanentError{Message: fmt.Sprintf("create request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if notification.IdempotencyKey != "" {
		req.Header.Set("Idempotency-Key", notification.IdempotencyKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		// The client error embeds the webhook URL, which is a credential.
		return &RetryableError{Message: fmt.Sprintf("send request: %v", reminders.Redact(err.Error()))}
	}
	defer func() { _ = resp.Body.Close() }()

	return s.handleResponse(resp)
}

func (s *Sender) handleResponse(resp *http.Response) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		slog.Debug("mattermost message sent", "webhook", maskWebhookURL(s.config.WebhookURL))
		return nil

	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return &PermanentError{Code: resp.StatusCode, Message: "invalid or expired webhook"}

	case resp.StatusCode == http.StatusNotFound:
		return &PermanentError{Code: resp.StatusCode, Message: "webhook not found"}

	case resp.StatusCode == http.StatusTooManyRequests:
		return &RetryableError{Code: resp.StatusCode, Message: "rate limited"}

	case resp.StatusCode >= 500:
		return &RetryableError{Code: resp.StatusCode, Message: fmt.Sprintf("server error: %s", string(body))}

	default:
		return &PermanentError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected status: %s", string(body))}
	}
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// PermanentError indicates a permanent error that should not be retried.
type PermanentError struct {
	Code    int
	Message string
}

func (e *PermanentError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns false as permanent errors should not be retried.
func (e *PermanentError) IsRetryable() bool { return false }

// RetryableError indicates a temporary error that can be retried.
type RetryableError struct {
	Code    int
	Message string
}

func (e *RetryableError) Error() string {
	if e.Code > 0 {
		return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("mattermost error: %s", e.Message)
}

// IsRetryable returns true as these errors are temporary.
func (e *RetryableError) IsRetryable() bool { return true }
