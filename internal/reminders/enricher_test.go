package reminders_test

import (
	"context"
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type enrichFixture struct {
	store    reminders.Store
	contacts reminders.ContactStore
	source   *sliceSource
	enricher *reminders.Enricher
	clock    *testClock
}

func newEnrichFixture(t *testing.T) *enrichFixture {
	t.Helper()
	store := newStore(t)
	clock := newTestClock()
	source := &sliceSource{}
	resolver := reminders.NewResolver(reminders.ResolverConfig{
		SelfAddresses:   []string{"me@mycompany.com"},
		ExcludedDomains: []string{"mycompany.com"},
	})

	e := reminders.NewEnricher(resolver, store, store, source)
	e.SetClock(clock.Now)

	return &enrichFixture{store: store, contacts: store, source: source, enricher: e, clock: clock}
}

func (f *enrichFixture) enrich(t *testing.T, events ...domain.Event) reminders.EnrichResult {
	t.Helper()
	f.source.Push(events...)
	result, err := f.enricher.Enrich(context.Background())
	require.NoError(t, err)
	return result
}

func (f *enrichFixture) active(t *testing.T, contact string) *domain.Reminder {
	t.Helper()
	r, err := f.store.FindActiveByContact(context.Background(), contact)
	require.NoError(t, err)
	return r
}

func (f *enrichFixture) all(t *testing.T, contact string) []*domain.Reminder {
	t.Helper()
	items, err := f.store.List(context.Background(), reminders.ListFilter{ContactEmail: contact})
	require.NoError(t, err)
	return items
}

func emailIn(id, contact, subject, thread string, at time.Time) *domain.EmailEvent {
	return &domain.EmailEvent{
		ID:           id,
		ContactEmail: contact,
		ContactName:  "Contact",
		Direction:    domain.DirectionReceived,
		Subject:      subject,
		ThreadID:     thread,
		At:           at,
	}
}

func emailOut(id, contact, subject string, at time.Time) *domain.EmailEvent {
	return &domain.EmailEvent{
		ID:           id,
		ContactEmail: contact,
		Direction:    domain.DirectionSent,
		Subject:      subject,
		At:           at,
	}
}

func meeting(id, contact string, at time.Time) *domain.MeetingEvent {
	return &domain.MeetingEvent{
		ID:                   id,
		ContactEmail:         contact,
		Title:                "Intro call",
		MeetingStart:         at,
		IsPast:               true,
		ExternalParticipants: []string{contact},
	}
}

// Meeting, then an email from the same contact, then the user resolves it.
func TestEnricher_MeetingThenEmail(t *testing.T) {
	f := newEnrichFixture(t)
	const john = "john@client.com"

	result := f.enrich(t, meeting("m1", john, start.Add(-2*time.Hour)))
	assert.Equal(t, 1, result.Created)

	first := f.active(t, john)
	require.NotNil(t, first)
	assert.Equal(t, domain.ReminderTypeMeetingFollowup, first.Type)
	assert.Equal(t, 2, first.Priority)

	f.clock.Advance(time.Hour)
	result = f.enrich(t, emailIn("e1", john, "Next steps", "t-1", start.Add(30*time.Minute)))
	assert.Equal(t, 1, result.Replaced)

	second := f.active(t, john)
	require.NotNil(t, second)
	assert.Equal(t, domain.ReminderTypeEmailResponse, second.Type)
	assert.Equal(t, 1, second.Priority)

	old := getReminder(t, f.store, first.ID)
	assert.Equal(t, domain.ReminderStatusAbandoned, old.Status)
	assert.Equal(t, domain.ReasonSuperseded, old.LastError)

	require.NoError(t, f.store.Supersede(context.Background(), second.ID, domain.ReminderStatusResolved, domain.ReasonUserResolved))
	assert.Nil(t, f.active(t, john))

	// Replaying the same signals creates nothing new.
	result = f.enrich(t,
		meeting("m1", john, start.Add(-2*time.Hour)),
		emailIn("e1", john, "Next steps", "t-1", start.Add(30*time.Minute)),
	)
	assert.Equal(t, 2, result.Skipped)
	assert.Nil(t, f.active(t, john))
	assert.Len(t, f.all(t, john), 2)
}

// A new contact emails and the user replies.
func TestEnricher_EmailThenReply(t *testing.T) {
	f := newEnrichFixture(t)
	const sarah = "sarah@startup.io"

	f.enrich(t, emailIn("e1", sarah, "Question", "t-1", start))

	items := f.all(t, sarah)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReminderTypeEmailResponse, items[0].Type)
	assert.Equal(t, 1, items[0].Priority)
	assert.Equal(t, domain.ReminderStatusQueued, items[0].Status)

	result := f.enrich(t, emailOut("s1", sarah, "Re: Question", start.Add(time.Hour)))
	assert.Equal(t, 1, result.Resolved)

	r := getReminder(t, f.store, items[0].ID)
	assert.Equal(t, domain.ReminderStatusResolved, r.Status)
	assert.Equal(t, domain.ReasonUserResponded, r.LastError)
	assert.Empty(t, r.SentKeys)

	contact, err := f.contacts.GetContact(context.Background(), sarah)
	require.NoError(t, err)
	require.NotNil(t, contact.LastOutboundAt)
	assert.True(t, start.Add(time.Hour).Equal(*contact.LastOutboundAt))
}

// A meeting with a contact who never emails is delivered.
func TestEnricher_MeetingDelivered(t *testing.T) {
	f := newEnrichFixture(t)
	const mike = "mike@partner.org"

	f.enrich(t, meeting("m1", mike, start.Add(-time.Hour)))

	notifier := &mockNotifier{}
	d := reminders.NewDispatcher(dispatcherConfig(), f.store, notifier)
	d.SetClock(f.clock.Now)

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	items := f.all(t, mike)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReminderTypeMeetingFollowup, items[0].Type)
	assert.Equal(t, domain.ReminderStatusSent, items[0].Status)
	require.Len(t, notifier.Sent(), 1)
	assert.Equal(t, mike, notifier.Sent()[0].ContactEmail)
}

func TestEnricher_MeetingNeverPreemptsEmail(t *testing.T) {
	f := newEnrichFixture(t)
	const x = "x@client.com"

	f.enrich(t, emailIn("e1", x, "Pricing", "t-1", start))
	result := f.enrich(t, meeting("m1", x, start.Add(time.Hour)))
	assert.Equal(t, 1, result.Skipped)

	items := f.all(t, x)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReminderTypeEmailResponse, items[0].Type)
}

func TestEnricher_DuplicateThread(t *testing.T) {
	f := newEnrichFixture(t)
	const x = "x@client.com"

	f.enrich(t, emailIn("e1", x, "Pricing", "t-1", start))
	result := f.enrich(t, emailIn("e2", x, "Re: Pricing", "t-1", start.Add(time.Minute)))
	assert.Equal(t, 1, result.Skipped)
	assert.Len(t, f.all(t, x), 1)
}

func TestEnricher_OrdersEventsWithinBatch(t *testing.T) {
	f := newEnrichFixture(t)
	const x = "x@client.com"

	// The reply arrives in the batch before the email it answers.
	f.enrich(t,
		emailOut("s1", x, "Re: Pricing", start.Add(time.Hour)),
		emailIn("e1", x, "Pricing", "t-1", start),
	)

	items := f.all(t, x)
	require.Len(t, items, 1)
	assert.Equal(t, domain.ReminderStatusResolved, items[0].Status)
	assert.Equal(t, []string{"e1", "s1"}, f.source.acked)
}

func TestEnricher_IgnoresExcludedContacts(t *testing.T) {
	f := newEnrichFixture(t)

	result := f.enrich(t, emailIn("e1", "colleague@mycompany.com", "Lunch?", "t-1", start))
	assert.Equal(t, 1, result.Skipped)

	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, reminders.QueueStats{}, *stats)
}

func TestEnricher_SingleActiveUnderRandomSequences(t *testing.T) {
	contacts := []string{"a@x.com", "b@x.com", "c@x.com"}
	rng := rand.New(rand.NewPCG(1, 2))

	for round := range 5 {
		f := newEnrichFixture(t)
		at := start

		for i := range 60 {
			contact := contacts[rng.IntN(len(contacts))]
			at = at.Add(time.Duration(rng.IntN(90)) * time.Minute)
			id := fmt.Sprintf("%d-%d", round, i)

			var ev domain.Event
			switch rng.IntN(3) {
			case 0:
				ev = emailIn(id, contact, fmt.Sprintf("Topic %d", rng.IntN(3)), fmt.Sprintf("t-%d", rng.IntN(3)), at)
			case 1:
				ev = emailOut(id, contact, "Re: Topic", at)
			default:
				ev = meeting(id, contact, at)
			}
			f.enrich(t, ev)

			for _, c := range contacts {
				active := 0
				for _, r := range f.all(t, c) {
					if r.Status.IsActive() {
						active++
					}
				}
				require.LessOrEqual(t, active, 1, "round %d event %d contact %s", round, i, c)
			}
		}
	}
}

func TestEnricher_StoreUnavailableAbortsRun(t *testing.T) {
	store := unavailableStore{newStore(t)}
	source := &sliceSource{}
	source.Push(emailIn("e1", "a@x.com", "Hi", "t-1", start))

	e := reminders.NewEnricher(reminders.NewResolver(reminders.ResolverConfig{}), store, store, source)

	_, err := e.Enrich(context.Background())
	assert.ErrorIs(t, err, reminders.ErrStoreUnavailable)
	assert.Empty(t, source.acked)
}
