package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/google/uuid"
)

// Source is a named adapter producing canonical events. Events are acked
// once they have been applied, so unacked events are produced again later.
type Source interface {
	Name() string
	ProduceEvents(ctx context.Context) ([]domain.Event, error)
	Ack(ctx context.Context, ids []string) error
}

// maxApplyAttempts bounds re-resolution after a concurrent writer won.
const maxApplyAttempts = 3

// EnrichResult summarizes one enrichment run.
type EnrichResult struct {
	Events   int `json:"events"`
	Created  int `json:"created"`
	Replaced int `json:"replaced"`
	Resolved int `json:"resolved"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Enricher runs the resolver over newly observed events and applies its decisions.
type Enricher struct {
	sources  []Source
	resolver *Resolver
	store    Store
	contacts ContactStore
	clock    func() time.Time
	newID    func() string
}

// NewEnricher creates an enricher over the given sources.
func NewEnricher(resolver *Resolver, store Store, contacts ContactStore, sources ...Source) *Enricher {
	return &Enricher{
		sources:  sources,
		resolver: resolver,
		store:    store,
		contacts: contacts,
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Enricher) SetClock(clock func() time.Time) {
	e.clock = clock
}

// Enrich drains all sources once. It is safe to run concurrently with
// itself and with dispatchers; only store unavailability aborts the run.
func (e *Enricher) Enrich(ctx context.Context) (result EnrichResult, err error) {
	defer func() { recordRun("enrich", err) }()

	for _, src := range e.sources {
		if err := e.drain(ctx, src, &result); err != nil {
			return result, fmt.Errorf("source %s: %w", src.Name(), err)
		}
	}

	if result.Events > 0 {
		slog.Info("enrich run finished",
			"events", result.Events,
			"created", result.Created,
			"replaced", result.Replaced,
			"resolved", result.Resolved,
			"skipped", result.Skipped,
			"failed", result.Failed,
		)
	}
	return result, nil
}

func (e *Enricher) drain(ctx context.Context, src Source, result *EnrichResult) error {
	events, err := src.ProduceEvents(ctx)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			return err
		}
		slog.Error("failed to produce events", "source", src.Name(), "error", err)
		return nil
	}
	if len(events) == 0 {
		return nil
	}

	slices.SortStableFunc(events, func(a, b domain.Event) int {
		return a.OccurredAt().Compare(b.OccurredAt())
	})

	applied := make([]string, 0, len(events))
	for _, ev := range events {
		result.Events++
		action, err := e.Apply(ctx, ev)
		if err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return err
			}
			result.Failed++
			slog.Error("failed to apply event",
				"source", src.Name(),
				"event_id", ev.EventID(),
				"contact", ev.Contact(),
				"error", err,
			)
			continue
		}

		recordEventProcessed(src.Name(), action.Kind)
		switch action.Kind {
		case ActionCreate:
			result.Created++
		case ActionReplace:
			result.Replaced++
		case ActionResolve:
			result.Resolved++
		default:
			result.Skipped++
		}
		applied = append(applied, ev.EventID())
	}

	if len(applied) > 0 {
		if err := src.Ack(ctx, applied); err != nil {
			// Unacked events are produced again and resolve to no-ops.
			slog.Error("failed to ack events", "source", src.Name(), "count", len(applied), "error", err)
			if errors.Is(err, ErrStoreUnavailable) {
				return err
			}
		}
	}
	return nil
}

// Apply resolves one event against the current state of its contact and
// executes the decision. When a concurrent writer changes the contact's
// active reminder in between, the event is resolved again.
func (e *Enricher) Apply(ctx context.Context, ev domain.Event) (Action, error) {
	email := domain.NormalizeEmail(ev.Contact())

	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		contact, err := e.contacts.GetContact(ctx, email)
		if err != nil && !errors.Is(err, ErrContactNotFound) {
			return Action{}, fmt.Errorf("get contact: %w", err)
		}

		active, err := e.store.FindActiveByContact(ctx, email)
		if err != nil {
			return Action{}, fmt.Errorf("find active reminder: %w", err)
		}

		action := e.resolver.Resolve(contact, ev, active)

		err = e.execute(ctx, ev, action)
		if errors.Is(err, ErrActiveReminderExists) || errors.Is(err, ErrReminderNotActive) {
			slog.Debug("concurrent update, resolving event again",
				"event_id", ev.EventID(),
				"contact", email,
				"attempt", attempt,
			)
			continue
		}
		if err != nil {
			return Action{}, err
		}

		if email != "" {
			if _, err := e.contacts.UpsertContact(ctx, domain.ActivityFor(ev), e.clock()); err != nil {
				return Action{}, fmt.Errorf("update contact: %w", err)
			}
		}
		return action, nil
	}

	return Action{}, ErrApplyConflict
}

func (e *Enricher) execute(ctx context.Context, ev domain.Event, action Action) error {
	switch action.Kind {
	case ActionCreate:
		return e.create(ctx, ev, action)

	case ActionReplace:
		if err := e.store.Supersede(ctx, action.TargetID, domain.ReminderStatusAbandoned, domain.ReasonSuperseded); err != nil {
			return fmt.Errorf("supersede %s: %w", action.TargetID, err)
		}
		recordReminderCancelled(string(domain.ReminderStatusAbandoned), domain.ReasonSuperseded)
		return e.create(ctx, ev, action)

	case ActionResolve:
		if err := e.store.Supersede(ctx, action.TargetID, domain.ReminderStatusResolved, action.Reason); err != nil {
			return fmt.Errorf("resolve %s: %w", action.TargetID, err)
		}
		recordReminderCancelled(string(domain.ReminderStatusResolved), action.Reason)
		slog.Info("reminder resolved", "reminder_id", action.TargetID, "contact", ev.Contact(), "reason", action.Reason)
		return nil

	default:
		return nil
	}
}

func (e *Enricher) create(ctx context.Context, ev domain.Event, action Action) error {
	r := domain.NewReminder(e.newID(), ev.Contact(), contactName(ev), action.Type, action.Payload, e.clock())
	if err := e.store.Insert(ctx, r); err != nil {
		return fmt.Errorf("insert reminder: %w", err)
	}
	recordReminderCreated(string(r.Type))
	slog.Info("reminder created",
		"reminder_id", r.ID,
		"contact", r.ContactEmail,
		"type", r.Type,
		"replaces", action.TargetID,
	)
	return nil
}

func contactName(ev domain.Event) string {
	switch e := ev.(type) {
	case *domain.EmailEvent:
		return e.ContactName
	case *domain.MeetingEvent:
		return e.ContactName
	}
	return ""
}
