package reminders

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Store errors.
var (
	ErrReminderNotFound     = errors.New("reminder not found")
	ErrContactNotFound      = errors.New("contact not found")
	ErrDuplicateKey         = errors.New("reminder id already exists")
	ErrActiveReminderExists = errors.New("contact already has an active reminder")
	ErrReminderNotActive    = errors.New("reminder is not active")
	ErrReminderTerminal     = errors.New("reminder is in a terminal state")
	ErrLeaseLost            = errors.New("reminder lease is no longer held")
	ErrStoreUnavailable     = errors.New("reminder store unavailable")
	ErrInvalidTransition    = errors.New("invalid reminder status transition")
)

// ErrApplyConflict is returned when an event keeps racing with concurrent writers.
var ErrApplyConflict = errors.New("event could not be applied after repeated conflicts")

// Unavailable wraps a backend error so callers can abort the current cycle.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// RetryableError wraps a send error and marks it as transient or permanent.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (e *RetryableError) Error() string {
	return e.Err.Error()
}

// IsRetryable returns whether the error is retryable.
func (e *RetryableError) IsRetryable() bool {
	return e.Retryable
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a transient send error.
func NewRetryableError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: true}
}

// NewPermanentError creates a send error that must not be retried.
func NewPermanentError(err error) *RetryableError {
	return &RetryableError{Err: err, Retryable: false}
}

// IsRetryable checks if a send error should be retried.
// Errors that don't say otherwise are treated as transient.
func IsRetryable(err error) bool {
	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}

const maxLastErrorLen = 500

var (
	urlSecrets  = regexp.MustCompile(`(https?://)[^/\s:@]+:[^/\s@]+@`)
	querySecret = regexp.MustCompile(`(?i)([?&](?:token|key|secret|signature|sig|access_token|api_key)=)[^&\s"]+`)
	kvSecret    = regexp.MustCompile(`(?i)\b(password|passwd|token|secret|authorization|api[_-]?key)(\s*[:=]\s*)("[^"]*"|\S+)`)
	hookPath    = regexp.MustCompile(`(/hooks/)[A-Za-z0-9]+`)
)

// Redact strips credentials and tokens from an error message.
func Redact(msg string) string {
	msg = urlSecrets.ReplaceAllString(msg, "${1}[redacted]@")
	msg = querySecret.ReplaceAllString(msg, "${1}[redacted]")
	msg = kvSecret.ReplaceAllString(msg, "${1}${2}[redacted]")
	msg = hookPath.ReplaceAllString(msg, "${1}[redacted]")
	return msg
}

// describeFailure renders the lastError value for a failed send.
func describeFailure(err error) string {
	class := "transient"
	if !IsRetryable(err) {
		class = "permanent"
	}
	msg := Redact(strings.TrimSpace(err.Error()))
	return class + ": " + truncateRunes(msg, maxLastErrorLen)
}
