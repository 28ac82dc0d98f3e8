package reminders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/normalize"
)

// ErrInvalidSignal is returned when a raw signal cannot be normalized.
var ErrInvalidSignal = errors.New("invalid signal")

// EventQueue accepts normalized events for the next enrich run.
type EventQueue interface {
	Enqueue(ctx context.Context, events []domain.Event) (int, error)
}

// IngestResult reports what an ingest call stored.
type IngestResult struct {
	Received int `json:"received"`
	Events   int `json:"events"`
	Enqueued int `json:"enqueued"`
}

// Service is the application facade used by the HTTP API and the CLI.
type Service struct {
	store      Store
	contacts   ContactStore
	queue      EventQueue
	normalizer *normalize.Normalizer
	enricher   *Enricher
	dispatcher *Dispatcher
	clock      func() time.Time
}

// NewService creates a new reminders service.
func NewService(
	store Store,
	contacts ContactStore,
	queue EventQueue,
	normalizer *normalize.Normalizer,
	enricher *Enricher,
	dispatcher *Dispatcher,
) *Service {
	return &Service{
		store:      store,
		contacts:   contacts,
		queue:      queue,
		normalizer: normalizer,
		enricher:   enricher,
		dispatcher: dispatcher,
		clock:      time.Now,
	}
}

// IngestEmails normalizes raw emails and queues the resulting events.
// The batch is rejected as a whole if any record is malformed.
func (s *Service) IngestEmails(ctx context.Context, raws []normalize.RawEmail) (IngestResult, error) {
	var events []domain.Event
	for i, raw := range raws {
		evs, err := s.normalizer.Email(raw)
		if err != nil {
			return IngestResult{}, fmt.Errorf("%w: email %d: %w", ErrInvalidSignal, i, err)
		}
		events = append(events, evs...)
	}
	return s.enqueue(ctx, len(raws), events)
}

// IngestMeetings normalizes raw meetings and queues the resulting events.
func (s *Service) IngestMeetings(ctx context.Context, raws []normalize.RawMeeting) (IngestResult, error) {
	now := s.clock()
	var events []domain.Event
	for i, raw := range raws {
		evs, err := s.normalizer.Meeting(raw, now)
		if err != nil {
			return IngestResult{}, fmt.Errorf("%w: meeting %d: %w", ErrInvalidSignal, i, err)
		}
		events = append(events, evs...)
	}
	return s.enqueue(ctx, len(raws), events)
}

func (s *Service) enqueue(ctx context.Context, received int, events []domain.Event) (IngestResult, error) {
	n, err := s.queue.Enqueue(ctx, events)
	if err != nil {
		return IngestResult{}, err
	}
	return IngestResult{Received: received, Events: len(events), Enqueued: n}, nil
}

// RunEnrich runs one enrichment cycle.
func (s *Service) RunEnrich(ctx context.Context) (EnrichResult, error) {
	return s.enricher.Enrich(ctx)
}

// RunDispatch runs one dispatch cycle.
func (s *Service) RunDispatch(ctx context.Context) (DispatchResult, error) {
	return s.dispatcher.Dispatch(ctx)
}

// ListReminders returns reminders matching the filter.
func (s *Service) ListReminders(ctx context.Context, filter ListFilter) ([]*domain.Reminder, error) {
	if filter.Limit <= 0 || filter.Limit > DefaultListLimit {
		filter.Limit = DefaultListLimit
	}
	filter.ContactEmail = domain.NormalizeEmail(filter.ContactEmail)
	return s.store.List(ctx, filter)
}

// GetReminder returns a reminder by id.
func (s *Service) GetReminder(ctx context.Context, id string) (*domain.Reminder, error) {
	return s.store.Get(ctx, id)
}

// ResolveReminder marks an active reminder as handled by the user.
// Delivery already in flight is not interrupted, but its outcome is discarded.
func (s *Service) ResolveReminder(ctx context.Context, id string) (*domain.Reminder, error) {
	if err := s.store.Supersede(ctx, id, domain.ReminderStatusResolved, domain.ReasonUserResolved); err != nil {
		return nil, err
	}
	recordReminderCancelled(string(domain.ReminderStatusResolved), domain.ReasonUserResolved)
	return s.store.Get(ctx, id)
}

// GetContact returns a contact by email.
func (s *Service) GetContact(ctx context.Context, email string) (*domain.Contact, error) {
	return s.contacts.GetContact(ctx, domain.NormalizeEmail(email))
}

// Stats returns reminder counts by status.
func (s *Service) Stats(ctx context.Context) (*QueueStats, error) {
	return s.store.Stats(ctx)
}
