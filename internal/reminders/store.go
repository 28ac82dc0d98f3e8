// Package reminders implements the reminder lifecycle: deciding when a
// follow-up reminder should exist for a contact and delivering it exactly
// once through a lease-based dispatcher.
package reminders

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/bissquit/followup/internal/domain"
)

// Store is the durable reminder table. Every method must be safe for
// concurrent callers in different processes; all coordination between
// dispatchers happens through conditional updates in the store.
type Store interface {
	// Insert adds a new reminder. Fails with ErrDuplicateKey if the id exists
	// and with ErrActiveReminderExists if the contact already has an active reminder.
	Insert(ctx context.Context, r *domain.Reminder) error
	Get(ctx context.Context, id string) (*domain.Reminder, error)
	// FindActiveByContact returns the contact's active reminder, or nil if there is none.
	FindActiveByContact(ctx context.Context, contactEmail string) (*domain.Reminder, error)
	// ClaimDue atomically moves up to req.Limit eligible reminders to sending
	// and returns them ordered by priority, then next attempt time.
	ClaimDue(ctx context.Context, req ClaimRequest) ([]*domain.Reminder, error)
	// RecordOutcome applies the result of a claimed attempt and returns the stored reminder.
	RecordOutcome(ctx context.Context, id string, outcome Outcome) (*domain.Reminder, error)
	// Supersede moves an active reminder to a terminal status even while it is leased.
	Supersede(ctx context.Context, id string, status domain.ReminderStatus, reason string) error
	List(ctx context.Context, filter ListFilter) ([]*domain.Reminder, error)
	Stats(ctx context.Context) (*QueueStats, error)
}

// ContactStore persists contacts and their latest activity.
type ContactStore interface {
	GetContact(ctx context.Context, email string) (*domain.Contact, error)
	// UpsertContact merges activity into the contact, creating it if needed.
	// Timestamps only move forward, so replays and reordering are harmless.
	UpsertContact(ctx context.Context, activity domain.ContactActivity, at time.Time) (*domain.Contact, error)
}

// InboxStore is a durable queue of normalized events waiting for enrichment.
type InboxStore interface {
	// EnqueueEvents stores events, skipping ids that were already stored.
	// Returns the number of newly stored events.
	EnqueueEvents(ctx context.Context, source string, events []domain.Event, at time.Time) (int, error)
	// ClaimEvents leases up to req.Limit pending events of a source, oldest first.
	ClaimEvents(ctx context.Context, source string, req ClaimRequest) ([]domain.Event, error)
	// AckEvents marks events as processed. Only the lease owner may ack.
	AckEvents(ctx context.Context, owner string, ids []string, at time.Time) error
}

// ClaimRequest describes a lease acquisition.
type ClaimRequest struct {
	Now   time.Time
	Limit int
	Owner string
	Lease time.Duration
}

// ListFilter narrows reminder listings.
type ListFilter struct {
	Status       domain.ReminderStatus
	ContactEmail string
	Limit        int
}

// QueueStats contains reminder counts by status.
type QueueStats struct {
	Queued    int64 `json:"queued"`
	Sending   int64 `json:"sending"`
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Abandoned int64 `json:"abandoned"`
	Resolved  int64 `json:"resolved"`
}

// Add increments the counter for a status.
func (s *QueueStats) Add(status domain.ReminderStatus, n int64) {
	switch status {
	case domain.ReminderStatusQueued:
		s.Queued += n
	case domain.ReminderStatusSending:
		s.Sending += n
	case domain.ReminderStatusSent:
		s.Sent += n
	case domain.ReminderStatusFailed:
		s.Failed += n
	case domain.ReminderStatusAbandoned:
		s.Abandoned += n
	case domain.ReminderStatusResolved:
		s.Resolved += n
	}
}

// DefaultListLimit caps listings without an explicit limit.
const DefaultListLimit = 100

// SortForDispatch orders reminders by priority, then oldest due first.
func SortForDispatch(items []*domain.Reminder) {
	slices.SortStableFunc(items, func(a, b *domain.Reminder) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		if c := a.NextAttemptAt.Compare(b.NextAttemptAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
