package reminders

import (
	"fmt"
	"slices"
	"time"

	"github.com/bissquit/followup/internal/domain"
)

// RetryPolicy decides what happens to a reminder after a delivery attempt.
type RetryPolicy struct {
	MaxAttempts int
	// Backoff[i] is the delay after failed attempt i+1.
	Backoff []time.Duration
}

// DefaultRetryPolicy returns the standard schedule: 5m, 30m, 4h, then abandon.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		Backoff:     []time.Duration{5 * time.Minute, 30 * time.Minute, 240 * time.Minute},
	}
}

// Validate checks that every retried attempt has a delay.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be positive, got %d", p.MaxAttempts)
	}
	if len(p.Backoff) < p.MaxAttempts-1 {
		return fmt.Errorf("backoff schedule has %d entries, need %d", len(p.Backoff), p.MaxAttempts-1)
	}
	for i, d := range p.Backoff {
		if d <= 0 {
			return fmt.Errorf("backoff entry %d must be positive", i)
		}
	}
	return nil
}

// BackoffFor returns the delay after the given failed attempt (1-based).
func (p RetryPolicy) BackoffFor(attempt int) time.Duration {
	if len(p.Backoff) == 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(p.Backoff) {
		return p.Backoff[len(p.Backoff)-1]
	}
	return p.Backoff[attempt-1]
}

// Outcome is the result of one claimed delivery attempt.
type Outcome struct {
	Owner   string
	Attempt int
	// Err is nil on success.
	Err error
	At  time.Time
}

// Succeeded reports whether the attempt delivered the reminder.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Apply transitions r according to the outcome.
// Terminal reminders are never touched. A failure only counts while the
// caller still holds the lease for the attempt it claimed; a success is
// accepted on any active reminder because the message is already out.
func (p RetryPolicy) Apply(r *domain.Reminder, o Outcome) error {
	if r.Status.IsTerminal() {
		return ErrReminderTerminal
	}

	if o.Succeeded() {
		key := domain.IdempotencyKey(r.ID, o.Attempt)
		if !slices.Contains(r.SentKeys, key) {
			r.SentKeys = append(r.SentKeys, key)
		}
		sentAt := o.At
		r.Status = domain.ReminderStatusSent
		r.SentAt = &sentAt
		r.LastError = ""
		r.LockOwner = ""
		r.LockExpiresAt = nil
		return nil
	}

	if r.Status != domain.ReminderStatusSending || r.LockOwner != o.Owner || r.AttemptCount != o.Attempt {
		return ErrLeaseLost
	}

	r.LastError = describeFailure(o.Err)
	r.LockOwner = ""
	r.LockExpiresAt = nil

	if !IsRetryable(o.Err) || r.AttemptCount >= p.MaxAttempts {
		r.Status = domain.ReminderStatusAbandoned
		return nil
	}

	r.Status = domain.ReminderStatusFailed
	r.NextAttemptAt = o.At.Add(p.BackoffFor(r.AttemptCount))
	return nil
}

// Claim transitions an eligible reminder to sending under the given lease.
func Claim(r *domain.Reminder, owner string, now time.Time, lease time.Duration) {
	expires := now.Add(lease)
	r.Status = domain.ReminderStatusSending
	r.LockOwner = owner
	r.LockExpiresAt = &expires
	r.AttemptCount++
	r.IdempotencyKey = domain.IdempotencyKey(r.ID, r.AttemptCount)
}

// Claimable reports whether r may be claimed at now.
func Claimable(r *domain.Reminder, now time.Time) bool {
	switch r.Status {
	case domain.ReminderStatusQueued, domain.ReminderStatusFailed:
		if r.NextAttemptAt.After(now) {
			return false
		}
		return r.LockExpiresAt == nil || r.LockExpiresAt.Before(now)
	case domain.ReminderStatusSending:
		return LeaseExpired(r, now)
	default:
		return false
	}
}

// LeaseExpired reports whether a sending reminder was left behind by its owner.
func LeaseExpired(r *domain.Reminder, now time.Time) bool {
	return r.Status == domain.ReminderStatusSending && r.LockExpiresAt != nil && r.LockExpiresAt.Before(now)
}

// Supersede cancels an active reminder into the given terminal status, regardless of its lease.
func Supersede(r *domain.Reminder, status domain.ReminderStatus, reason string) error {
	if status != domain.ReminderStatusAbandoned && status != domain.ReminderStatusResolved {
		return fmt.Errorf("supersede into %q: %w", status, ErrInvalidTransition)
	}
	if !r.Status.IsActive() {
		return ErrReminderNotActive
	}
	r.Status = status
	r.LastError = reason
	r.LockOwner = ""
	r.LockExpiresAt = nil
	return nil
}
