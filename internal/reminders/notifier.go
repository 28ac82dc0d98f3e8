package reminders

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bissquit/followup/internal/domain"
)

// Message is what the dispatcher hands to the notifier for one attempt.
type Message struct {
	ReminderID     string
	IdempotencyKey string
	Type           domain.ReminderType
	ContactEmail   string
	ContactName    string
	Payload        domain.ReminderPayload
}

// MessageFor builds the message of the reminder's current attempt.
func MessageFor(r *domain.Reminder) Message {
	return Message{
		ReminderID:     r.ID,
		IdempotencyKey: r.IdempotencyKey,
		Type:           r.Type,
		ContactEmail:   r.ContactEmail,
		ContactName:    r.ContactName,
		Payload:        r.Payload,
	}
}

// Notifier delivers a reminder. Implementations pass the idempotency key to
// the downstream system so repeated sends of one attempt can be dropped there.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Notification is a rendered message for a concrete channel.
type Notification struct {
	To             string
	Subject        string
	Body           string
	IdempotencyKey string
}

// Sender delivers rendered notifications over one channel.
type Sender interface {
	Type() string
	Send(ctx context.Context, notification Notification) error
}

// ChannelNotifier renders reminders and sends them through a single channel.
type ChannelNotifier struct {
	renderer *Renderer
	sender   Sender
	to       string
}

// NewChannelNotifier creates a notifier delivering to the given recipient.
func NewChannelNotifier(renderer *Renderer, sender Sender, to string) *ChannelNotifier {
	return &ChannelNotifier{
		renderer: renderer,
		sender:   sender,
		to:       to,
	}
}

// Send implements Notifier.
func (n *ChannelNotifier) Send(ctx context.Context, msg Message) error {
	subject, body, err := n.renderer.Render(n.sender.Type(), msg)
	if err != nil {
		return NewPermanentError(fmt.Errorf("render reminder: %w", err))
	}

	return n.sender.Send(ctx, Notification{
		To:             n.to,
		Subject:        subject,
		Body:           body,
		IdempotencyKey: msg.IdempotencyKey,
	})
}

// LogSender writes notifications to the log instead of delivering them.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender creates a sender for dry runs.
func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

// Type returns the channel type.
func (s *LogSender) Type() string {
	return "log"
}

// Send logs the notification.
func (s *LogSender) Send(_ context.Context, notification Notification) error {
	s.logger.Info("reminder notification",
		"to", notification.To,
		"subject", notification.Subject,
		"idempotency_key", notification.IdempotencyKey,
	)
	return nil
}
