package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// DispatcherConfig contains dispatcher configuration.
type DispatcherConfig struct {
	BatchSize     int
	LeaseDuration time.Duration
	// SendTimeout bounds a notifier call and must be shorter than LeaseDuration.
	SendTimeout  time.Duration
	StoreTimeout time.Duration
	// RateLimit caps sends per second. Zero disables the limit.
	RateLimit float64
}

// DefaultDispatcherConfig returns default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:     50,
		LeaseDuration: 5 * time.Minute,
		SendTimeout:   30 * time.Second,
		StoreTimeout:  10 * time.Second,
	}
}

// Validate checks the timing constraints between lease and calls.
func (c DispatcherConfig) Validate() error {
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	}
	if c.SendTimeout <= 0 || c.StoreTimeout <= 0 {
		return errors.New("send and store timeouts must be positive")
	}
	if c.SendTimeout+c.StoreTimeout >= c.LeaseDuration {
		return fmt.Errorf("lease duration %s must exceed send timeout %s plus store timeout %s",
			c.LeaseDuration, c.SendTimeout, c.StoreTimeout)
	}
	return nil
}

// Dispatch outcomes for a single claimed reminder.
const (
	OutcomeSent         = "sent"
	OutcomeDeduplicated = "deduplicated"
	OutcomeRetry        = "retry"
	OutcomeAbandoned    = "abandoned"
	OutcomeDiscarded    = "discarded"
	OutcomeInterrupted  = "interrupted"
	OutcomeError        = "error"
)

// DispatchResult summarizes one poll cycle.
type DispatchResult struct {
	Owner        string `json:"owner"`
	Claimed      int    `json:"claimed"`
	Sent         int    `json:"sent"`
	Deduplicated int    `json:"deduplicated"`
	Retried      int    `json:"retried"`
	Abandoned    int    `json:"abandoned"`
	Discarded    int    `json:"discarded"`
	Interrupted  int    `json:"interrupted"`
	Errors       int    `json:"errors"`
}

func (r *DispatchResult) add(outcome string) {
	switch outcome {
	case OutcomeSent:
		r.Sent++
	case OutcomeDeduplicated:
		r.Deduplicated++
	case OutcomeRetry:
		r.Retried++
	case OutcomeAbandoned:
		r.Abandoned++
	case OutcomeDiscarded:
		r.Discarded++
	case OutcomeInterrupted:
		r.Interrupted++
	default:
		r.Errors++
	}
}

// Dispatcher runs the claim-send-record cycle. It keeps no state between
// cycles, so any number of dispatchers may run at once against one store.
type Dispatcher struct {
	config   DispatcherConfig
	store    Store
	notifier Notifier
	limiter  *rate.Limiter
	clock    func() time.Time
	hostname string
}

// NewDispatcher creates a new reminder dispatcher.
func NewDispatcher(config DispatcherConfig, store Store, notifier Notifier) *Dispatcher {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "dispatcher"
	}

	d := &Dispatcher{
		config:   config,
		store:    store,
		notifier: notifier,
		clock:    time.Now,
		hostname: hostname,
	}
	if config.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}
	return d
}

// SetClock replaces the time source. Used by tests.
func (d *Dispatcher) SetClock(clock func() time.Time) {
	d.clock = clock
}

// Dispatch runs one poll cycle. It only returns an error when the store is
// unavailable; per-reminder failures are recorded on the reminders.
func (d *Dispatcher) Dispatch(ctx context.Context) (result DispatchResult, err error) {
	defer func() { recordRun("dispatch", err) }()

	owner := fmt.Sprintf("%s/%s", d.hostname, uuid.NewString())
	result.Owner = owner

	claimCtx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	claimed, err := d.store.ClaimDue(claimCtx, ClaimRequest{
		Now:   d.clock(),
		Limit: d.config.BatchSize,
		Owner: owner,
		Lease: d.config.LeaseDuration,
	})
	cancel()
	if err != nil {
		slog.Error("failed to claim due reminders", "owner", owner, "error", err)
		return result, fmt.Errorf("claim due reminders: %w", err)
	}

	SortForDispatch(claimed)
	result.Claimed = len(claimed)
	recordClaimed(len(claimed))

	for _, r := range claimed {
		outcome, err := d.process(ctx, owner, r)
		if err != nil {
			slog.Error("dispatch cycle aborted", "owner", owner, "reminder_id", r.ID, "error", err)
			return result, err
		}
		recordDispatchOutcome(outcome)
		result.add(outcome)
	}

	if result.Claimed > 0 {
		slog.Info("dispatch run finished",
			"owner", owner,
			"claimed", result.Claimed,
			"sent", result.Sent,
			"deduplicated", result.Deduplicated,
			"retried", result.Retried,
			"abandoned", result.Abandoned,
			"discarded", result.Discarded,
		)
	}

	return result, nil
}

// process delivers one claimed reminder. The returned error is only set
// when the store is unavailable and the cycle must stop.
func (d *Dispatcher) process(ctx context.Context, owner string, r *domain.Reminder) (string, error) {
	logger := slog.With(
		"reminder_id", r.ID,
		"contact", r.ContactEmail,
		"type", r.Type,
		"attempt", r.AttemptCount,
	)

	if ctx.Err() != nil {
		// The lease expires and another cycle picks the reminder up.
		return OutcomeInterrupted, nil
	}

	current, err := d.get(ctx, r.ID)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return "", err
		}
		logger.Error("failed to re-read claimed reminder", "error", err)
		return OutcomeError, nil
	}
	if current.Status != domain.ReminderStatusSending || current.LockOwner != owner {
		logger.Info("reminder changed after claim, skipping", "status", current.Status)
		return OutcomeDiscarded, nil
	}

	if current.AlreadySent() {
		logger.Info("idempotency key already delivered, skipping send", "idempotency_key", current.IdempotencyKey)
		return d.record(ctx, logger, r.ID, Outcome{Owner: owner, Attempt: r.AttemptCount, At: d.clock()}, OutcomeDeduplicated)
	}

	if !d.leaseCoversSend(current) {
		logger.Warn("lease too close to expiry, leaving reminder for another cycle", "lock_expires_at", current.LockExpiresAt)
		return OutcomeInterrupted, nil
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return OutcomeInterrupted, nil
		}
		if !d.leaseCoversSend(current) {
			logger.Warn("lease expired while rate limited", "lock_expires_at", current.LockExpiresAt)
			return OutcomeInterrupted, nil
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	start := time.Now()
	sendErr := d.notifier.Send(sendCtx, MessageFor(current))
	cancel()
	recordSendDuration(time.Since(start))

	if sendErr != nil {
		logger.Warn("send failed",
			"retryable", IsRetryable(sendErr),
			"error", Redact(sendErr.Error()),
		)
	}

	outcome := Outcome{Owner: owner, Attempt: r.AttemptCount, Err: sendErr, At: d.clock()}
	return d.record(ctx, logger, r.ID, outcome, OutcomeSent)
}

func (d *Dispatcher) record(ctx context.Context, logger *slog.Logger, id string, outcome Outcome, onSuccess string) (string, error) {
	// Persist the outcome even if the caller is shutting down.
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.StoreTimeout)
	defer cancel()

	stored, err := d.store.RecordOutcome(storeCtx, id, outcome)
	switch {
	case errors.Is(err, ErrReminderTerminal), errors.Is(err, ErrLeaseLost):
		logger.Warn("outcome discarded", "reason", err)
		return OutcomeDiscarded, nil
	case errors.Is(err, ErrStoreUnavailable):
		return "", err
	case err != nil:
		logger.Error("failed to record outcome", "error", err)
		return OutcomeError, nil
	}

	switch stored.Status {
	case domain.ReminderStatusSent:
		logger.Debug("reminder delivered")
		return onSuccess, nil
	case domain.ReminderStatusFailed:
		logger.Info("reminder scheduled for retry", "next_attempt", stored.NextAttemptAt)
		return OutcomeRetry, nil
	case domain.ReminderStatusAbandoned:
		logger.Warn("reminder abandoned", "last_error", stored.LastError)
		return OutcomeAbandoned, nil
	default:
		return OutcomeError, nil
	}
}

// leaseCoversSend reports whether the lease outlives a full send. Items late
// in a batch may already be reclaimable by another dispatcher.
func (d *Dispatcher) leaseCoversSend(r *domain.Reminder) bool {
	if r.LockExpiresAt == nil {
		return false
	}
	return r.LockExpiresAt.After(d.clock().Add(d.config.SendTimeout))
}

func (d *Dispatcher) get(ctx context.Context, id string) (*domain.Reminder, error) {
	storeCtx, cancel := context.WithTimeout(ctx, d.config.StoreTimeout)
	defer cancel()
	return d.store.Get(storeCtx, id)
}
