// Package email delivers reminders via SMTP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/bissquit/followup/internal/reminders"
)

const (
	defaultPort        = 587
	defaultDialTimeout = 10 * time.Second
)

// Config holds email sender configuration.
type Config struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUser     string
	SMTPPassword string
	FromAddress  string
	// RequireTLS fails the send when the server does not offer STARTTLS.
	RequireTLS bool
}

// Sender implements reminders.Sender over SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
	from   string
	domain string
}

// NewSender creates a new email sender.
func NewSender(config Config) (*Sender, error) {
	if config.SMTPHost == "" {
		return nil, errors.New("email sender: SMTP host is required")
	}
	from, err := mail.ParseAddress(config.FromAddress)
	if err != nil {
		return nil, fmt.Errorf("email sender: invalid from address: %w", err)
	}
	if config.SMTPPort == 0 {
		config.SMTPPort = defaultPort
	}

	var auth smtp.Auth
	if config.SMTPUser != "" && config.SMTPPassword != "" {
		auth = smtp.PlainAuth("", config.SMTPUser, config.SMTPPassword, config.SMTPHost)
	}

	domainPart := "followup.local"
	if i := strings.LastIndexByte(from.Address, '@'); i >= 0 {
		domainPart = from.Address[i+1:]
	}

	slog.Info("email sender configured",
		"smtp_host", config.SMTPHost,
		"smtp_port", config.SMTPPort,
		"from_address", from.Address,
	)

	return &Sender{
		config: config,
		auth:   auth,
		from:   from.Address,
		domain: domainPart,
	}, nil
}

// Type returns the channel type.
func (s *Sender) Type() string {
	return "email"
}

// Send delivers the notification to a single recipient. The Message-ID is
// derived from the idempotency key so that a repeated attempt is recognizable
// downstream.
func (s *Sender) Send(ctx context.Context, notification reminders.Notification) error {
	to, err := mail.ParseAddress(notification.To)
	if err != nil {
		return reminders.NewPermanentError(fmt.Errorf("invalid recipient: %w", err))
	}

	msg := s.buildMessage(to.Address, notification)
	if err := s.deliver(ctx, to.Address, msg); err != nil {
		return classify(err)
	}
	return nil
}

// MessageID returns the Message-ID header value for an idempotency key.
func (s *Sender) MessageID(idempotencyKey string) string {
	return fmt.Sprintf("<%s@%s>", idempotencyKey, s.domain)
}

func (s *Sender) buildMessage(to string, n reminders.Notification) []byte {
	var msg strings.Builder

	// Headers in deterministic order
	fmt.Fprintf(&msg, "From: %s\r\n", s.config.FromAddress)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", n.Subject))
	if n.IdempotencyKey != "" {
		fmt.Fprintf(&msg, "Message-ID: %s\r\n", s.MessageID(n.IdempotencyKey))
		fmt.Fprintf(&msg, "X-Idempotency-Key: %s\r\n", n.IdempotencyKey)
	}
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(strings.ReplaceAll(n.Body, "\n", "\r\n"))

	return []byte(msg.String())
}

func (s *Sender) deliver(ctx context.Context, to string, msg []byte) error {
	addr := net.JoinHostPort(s.config.SMTPHost, fmt.Sprint(s.config.SMTPPort))

	dialer := &net.Dialer{Timeout: defaultDialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	// The SMTP client has no context support; bound the whole exchange instead.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{
			ServerName: s.config.SMTPHost,
			MinVersion: tls.VersionTLS12,
		}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	} else if s.config.RequireTLS {
		return reminders.NewPermanentError(errors.New("smtp server does not support STARTTLS"))
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	// The message is accepted once DATA is closed; a failing QUIT does not matter.
	_ = client.Quit()
	return nil
}

// classify marks SMTP 5xx replies as permanent. Network errors and 4xx
// replies are transient.
func classify(err error) error {
	var already *reminders.RetryableError
	if errors.As(err, &already) {
		return err
	}

	var protoErr *textproto.Error
	if errors.As(err, &protoErr) {
		if protoErr.Code >= 500 && protoErr.Code != 552 {
			return reminders.NewPermanentError(err)
		}
		return reminders.NewRetryableError(err)
	}

	return reminders.NewRetryableError(err)
}
