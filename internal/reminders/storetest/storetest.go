// Package storetest holds behaviour tests shared by every reminder store
// backend. Backends call Run from their own _test.go files.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// Backend is a store implementing every persistence interface.
type Backend interface {
	reminders.Store
	reminders.ContactStore
	reminders.InboxStore
}

// Factory returns an empty backend configured with Policy.
type Factory func(t *testing.T) Backend

// Policy is the retry policy backends must be created with.
var Policy = reminders.RetryPolicy{
	MaxAttempts: 3,
	Backoff:     []time.Duration{time.Minute, 10 * time.Minute},
}

// ReminderColumns is the persisted reminder record, in column order.
var ReminderColumns = []string{
	"id", "contact_email", "contact_name", "type", "priority", "status",
	"next_attempt_at", "lock_owner", "lock_expires_at", "attempt_count",
	"last_error", "idempotency_key", "sent_keys",
	"subject", "preview", "deep_link", "fallback_query",
	"created_at", "sent_at",
}

// AssertReminderColumns checks that a backend's reminders table holds
// exactly the persisted record fields.
func AssertReminderColumns(t *testing.T, columns []string) {
	t.Helper()
	assert.ElementsMatch(t, ReminderColumns, columns)
}

var base = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

const lease = 5 * time.Minute

// Run executes the conformance suite against backends produced by newBackend.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Backend)
	}{
		{"InsertAndGet", testInsertAndGet},
		{"InsertDuplicateID", testInsertDuplicateID},
		{"SingleActivePerContact", testSingleActivePerContact},
		{"FindActiveByContact", testFindActiveByContact},
		{"ClaimOrdering", testClaimOrdering},
		{"ClaimRespectsLease", testClaimRespectsLease},
		{"ClaimAbandonsExhaustedLease", testClaimAbandonsExhaustedLease},
		{"OutcomeSuccess", testOutcomeSuccess},
		{"OutcomeRetryableFailure", testOutcomeRetryableFailure},
		{"OutcomePermanentFailure", testOutcomePermanentFailure},
		{"OutcomeLastAttempt", testOutcomeLastAttempt},
		{"OutcomeLeaseLost", testOutcomeLeaseLost},
		{"OutcomeTerminalSticky", testOutcomeTerminalSticky},
		{"Supersede", testSupersede},
		{"ListAndStats", testListAndStats},
		{"UpsertContact", testUpsertContact},
		{"InboxDedupe", testInboxDedupe},
		{"InboxLease", testInboxLease},
		{"ConcurrentClaims", testConcurrentClaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newBackend(t))
		})
	}
}

func newReminder(id, contact string, typ domain.ReminderType, at time.Time) *domain.Reminder {
	return domain.NewReminder(id, contact, "Contact "+id, typ, domain.ReminderPayload{
		Subject:       "Subject " + id,
		Preview:       "preview",
		DeepLink:      "https://mail.example.com/thread/" + id,
		FallbackQuery: "from:" + contact,
	}, at)
}

func insert(t *testing.T, s Backend, rems ...*domain.Reminder) {
	t.Helper()
	for _, rem := range rems {
		require.NoError(t, s.Insert(context.Background(), rem))
	}
}

func claim(t *testing.T, s Backend, owner string, now time.Time, limit int) []*domain.Reminder {
	t.Helper()
	claimed, err := s.ClaimDue(context.Background(), reminders.ClaimRequest{
		Now:   now,
		Limit: limit,
		Owner: owner,
		Lease: lease,
	})
	require.NoError(t, err)
	return claimed
}

func ids(items []*domain.Reminder) []string {
	out := make([]string, 0, len(items))
	for _, rem := range items {
		out = append(out, rem.ID)
	}
	return out
}

func testInsertAndGet(t *testing.T, s Backend) {
	ctx := context.Background()
	rem := newReminder("r1", "Alice@Example.com", domain.ReminderTypeEmailResponse, base)
	insert(t, s, rem)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", got.ContactEmail)
	assert.Equal(t, domain.ReminderStatusQueued, got.Status)
	assert.Equal(t, 1, got.Priority)
	assert.Equal(t, rem.Payload, got.Payload)
	assert.Equal(t, "r1-0", got.IdempotencyKey)
	assert.Empty(t, got.SentKeys)
	assert.Nil(t, got.LockExpiresAt)
	assert.True(t, base.Equal(got.NextAttemptAt))

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, reminders.ErrReminderNotFound)
}

func testInsertDuplicateID(t *testing.T, s Backend) {
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))

	err := s.Insert(context.Background(), newReminder("r1", "b@example.com", domain.ReminderTypeEmailResponse, base))
	assert.ErrorIs(t, err, reminders.ErrDuplicateKey)
}

func testSingleActivePerContact(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))

	err := s.Insert(ctx, newReminder("r2", "A@example.com", domain.ReminderTypeMeetingFollowup, base))
	assert.ErrorIs(t, err, reminders.ErrActiveReminderExists)

	require.NoError(t, s.Supersede(ctx, "r1", domain.ReminderStatusAbandoned, domain.ReasonSuperseded))
	assert.NoError(t, s.Insert(ctx, newReminder("r2", "a@example.com", domain.ReminderTypeMeetingFollowup, base)))
}

func testFindActiveByContact(t *testing.T, s Backend) {
	ctx := context.Background()

	got, err := s.FindActiveByContact(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)

	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))

	got, err = s.FindActiveByContact(ctx, " A@Example.COM ")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "r1", got.ID)

	require.NoError(t, s.Supersede(ctx, "r1", domain.ReminderStatusResolved, domain.ReasonUserResponded))
	got, err = s.FindActiveByContact(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testClaimOrdering(t *testing.T, s Backend) {
	insert(t, s,
		newReminder("meeting-old", "m1@example.com", domain.ReminderTypeMeetingFollowup, base.Add(-2*time.Hour)),
		newReminder("email-new", "e1@example.com", domain.ReminderTypeEmailResponse, base.Add(-time.Minute)),
		newReminder("email-old", "e2@example.com", domain.ReminderTypeEmailResponse, base.Add(-time.Hour)),
		newReminder("future", "f@example.com", domain.ReminderTypeEmailResponse, base.Add(time.Hour)),
	)

	claimed := claim(t, s, "w1", base, 10)
	assert.Equal(t, []string{"email-old", "email-new", "meeting-old"}, ids(claimed))

	for _, rem := range claimed {
		assert.Equal(t, domain.ReminderStatusSending, rem.Status)
		assert.Equal(t, "w1", rem.LockOwner)
		assert.Equal(t, 1, rem.AttemptCount)
		assert.Equal(t, rem.ID+"-1", rem.IdempotencyKey)
		require.NotNil(t, rem.LockExpiresAt)
		assert.True(t, base.Add(lease).Equal(*rem.LockExpiresAt))
	}

	assert.Empty(t, claim(t, s, "w2", base, 10))
}

func testClaimRespectsLease(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))

	require.Len(t, claim(t, s, "w1", base, 1), 1)
	assert.Empty(t, claim(t, s, "w2", base.Add(lease-time.Second), 1))

	reclaimed := claim(t, s, "w2", base.Add(lease+time.Second), 1)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "w2", reclaimed[0].LockOwner)
	assert.Equal(t, 2, reclaimed[0].AttemptCount)
	assert.Equal(t, "r1-2", reclaimed[0].IdempotencyKey)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "w2", got.LockOwner)
}

func testClaimAbandonsExhaustedLease(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))

	now := base
	for attempt := 1; attempt <= Policy.MaxAttempts; attempt++ {
		claimed := claim(t, s, fmt.Sprintf("w%d", attempt), now, 1)
		require.Len(t, claimed, 1, "attempt %d", attempt)
		now = now.Add(lease + time.Second)
	}

	assert.Empty(t, claim(t, s, "late", now, 1))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusAbandoned, got.Status)
	assert.Equal(t, domain.ReasonLeaseExpired, got.LastError)
	assert.Equal(t, Policy.MaxAttempts, got.AttemptCount)
	assert.Empty(t, got.LockOwner)

	active, err := s.FindActiveByContact(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Nil(t, active)
}

func testOutcomeSuccess(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))
	claimed := claim(t, s, "w1", base, 1)
	require.Len(t, claimed, 1)

	sentAt := base.Add(time.Second)
	got, err := s.RecordOutcome(ctx, "r1", reminders.Outcome{Owner: "w1", Attempt: 1, At: sentAt})
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, got.Status)
	assert.Equal(t, []string{"r1-1"}, got.SentKeys)
	require.NotNil(t, got.SentAt)
	assert.True(t, sentAt.Equal(*got.SentAt))

	stored, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, stored.Status)
	assert.True(t, stored.AlreadySent())
	assert.Empty(t, stored.LockOwner)
	assert.Nil(t, stored.LockExpiresAt)
}

func testOutcomeRetryableFailure(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))
	require.Len(t, claim(t, s, "w1", base, 1), 1)

	failedAt := base.Add(time.Second)
	got, err := s.RecordOutcome(ctx, "r1", reminders.Outcome{
		Owner:   "w1",
		Attempt: 1,
		Err:     reminders.NewRetryableError(errors.New("connection reset")),
		At:      failedAt,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "connection reset")
	assert.True(t, failedAt.Add(Policy.Backoff[0]).Equal(got.NextAttemptAt))

	assert.Empty(t, claim(t, s, "w2", failedAt.Add(Policy.Backoff[0]-time.Second), 1))
	retried := claim(t, s, "w2", failedAt.Add(Policy.Backoff[0]), 1)
	require.Len(t, retried, 1)
	assert.Equal(t, 2, retried[0].AttemptCount)
	assert.Equal(t, "r1-2", retried[0].IdempotencyKey)
}

func testOutcomePermanentFailure(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))
	require.Len(t, claim(t, s, "w1", base, 1), 1)

	got, err := s.RecordOutcome(ctx, "r1", reminders.Outcome{
		Owner:   "w1",
		Attempt: 1,
		Err:     reminders.NewPermanentError(errors.New("mailbox does not exist")),
		At:      base,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusAbandoned, got.Status)
}

func testOutcomeLastAttempt(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))

	now := base
	var rem *domain.Reminder
	for attempt := 1; attempt <= Policy.MaxAttempts; attempt++ {
		claimed := claim(t, s, "w1", now, 1)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		var err error
		rem, err = s.RecordOutcome(ctx, "r1", reminders.Outcome{
			Owner:   "w1",
			Attempt: attempt,
			Err:     reminders.NewRetryableError(errors.New("timeout")),
			At:      now,
		})
		require.NoError(t, err)
		now = rem.NextAttemptAt
	}

	assert.Equal(t, domain.ReminderStatusAbandoned, rem.Status)
	assert.Equal(t, Policy.MaxAttempts, rem.AttemptCount)
}

func testOutcomeLeaseLost(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))
	require.Len(t, claim(t, s, "w1", base, 1), 1)
	require.Len(t, claim(t, s, "w2", base.Add(lease+time.Second), 1), 1)

	_, err := s.RecordOutcome(ctx, "r1", reminders.Outcome{
		Owner:   "w1",
		Attempt: 1,
		Err:     reminders.NewRetryableError(errors.New("timeout")),
		At:      base.Add(lease + 2*time.Second),
	})
	assert.ErrorIs(t, err, reminders.ErrLeaseLost)

	// The first owner's message is already out, so its success still counts.
	got, err := s.RecordOutcome(ctx, "r1", reminders.Outcome{Owner: "w1", Attempt: 1, At: base.Add(lease + 3*time.Second)})
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusSent, got.Status)
	assert.Equal(t, []string{"r1-1"}, got.SentKeys)
}

func testOutcomeTerminalSticky(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))
	require.Len(t, claim(t, s, "w1", base, 1), 1)
	require.NoError(t, s.Supersede(ctx, "r1", domain.ReminderStatusResolved, domain.ReasonUserResponded))

	_, err := s.RecordOutcome(ctx, "r1", reminders.Outcome{Owner: "w1", Attempt: 1, At: base})
	assert.ErrorIs(t, err, reminders.ErrReminderTerminal)

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusResolved, got.Status)
	assert.Empty(t, got.SentKeys)

	_, err = s.RecordOutcome(ctx, "missing", reminders.Outcome{Owner: "w1", Attempt: 1, At: base})
	assert.ErrorIs(t, err, reminders.ErrReminderNotFound)
}

func testSupersede(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s, newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base))
	require.Len(t, claim(t, s, "w1", base, 1), 1)

	require.NoError(t, s.Supersede(ctx, "r1", domain.ReminderStatusAbandoned, domain.ReasonSuperseded))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.ReminderStatusAbandoned, got.Status)
	assert.Equal(t, domain.ReasonSuperseded, got.LastError)
	assert.Empty(t, got.LockOwner)
	assert.Nil(t, got.LockExpiresAt)

	err = s.Supersede(ctx, "r1", domain.ReminderStatusResolved, domain.ReasonUserResolved)
	assert.ErrorIs(t, err, reminders.ErrReminderNotActive)

	err = s.Supersede(ctx, "missing", domain.ReminderStatusResolved, domain.ReasonUserResolved)
	assert.ErrorIs(t, err, reminders.ErrReminderNotFound)
}

func testListAndStats(t *testing.T, s Backend) {
	ctx := context.Background()
	insert(t, s,
		newReminder("r1", "a@example.com", domain.ReminderTypeEmailResponse, base),
		newReminder("r2", "b@example.com", domain.ReminderTypeEmailResponse, base.Add(time.Minute)),
		newReminder("r3", "c@example.com", domain.ReminderTypeMeetingFollowup, base.Add(2*time.Minute)),
	)
	require.NoError(t, s.Supersede(ctx, "r1", domain.ReminderStatusResolved, domain.ReasonUserResolved))

	all, err := s.List(ctx, reminders.ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r2", "r1"}, ids(all))

	queued, err := s.List(ctx, reminders.ListFilter{Status: domain.ReminderStatusQueued})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r2"}, ids(queued))

	byContact, err := s.List(ctx, reminders.ListFilter{ContactEmail: "B@example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, ids(byContact))

	limited, err := s.List(ctx, reminders.ListFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, reminders.QueueStats{Queued: 2, Resolved: 1}, *stats)
}

func testUpsertContact(t *testing.T, s Backend) {
	ctx := context.Background()

	_, err := s.GetContact(ctx, "a@example.com")
	assert.ErrorIs(t, err, reminders.ErrContactNotFound)

	c, err := s.UpsertContact(ctx, domain.ContactActivity{
		Email:     "A@Example.com",
		Name:      "Alice",
		InboundAt: base,
	}, base)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", c.Email)
	assert.Equal(t, "Alice", c.Name)
	require.NotNil(t, c.LastInboundAt)
	assert.True(t, base.Equal(*c.LastInboundAt))
	assert.Nil(t, c.LastOutboundAt)

	// Older activity never moves timestamps back and empty names keep the stored one.
	c, err = s.UpsertContact(ctx, domain.ContactActivity{
		Email:      "a@example.com",
		InboundAt:  base.Add(-time.Hour),
		OutboundAt: base.Add(time.Hour),
	}, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "Alice", c.Name)
	assert.True(t, base.Equal(*c.LastInboundAt))
	require.NotNil(t, c.LastOutboundAt)
	assert.True(t, base.Add(time.Hour).Equal(*c.LastOutboundAt))
	require.NotNil(t, c.LastActivityAt)
	assert.True(t, base.Add(time.Hour).Equal(*c.LastActivityAt))

	got, err := s.GetContact(ctx, "A@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, c.Email, got.Email)
	assert.True(t, c.LastOutboundAt.Equal(*got.LastOutboundAt))
}

func emailEvent(id, contact string, at time.Time) *domain.EmailEvent {
	return &domain.EmailEvent{
		ID:           id,
		ContactEmail: contact,
		Direction:    domain.DirectionReceived,
		Subject:      "Hello",
		ThreadID:     "t-" + id,
		At:           at,
	}
}

func testInboxDedupe(t *testing.T, s Backend) {
	ctx := context.Background()
	events := []domain.Event{
		emailEvent("e1", "a@example.com", base),
		emailEvent("e2", "b@example.com", base.Add(time.Minute)),
	}

	n, err := s.EnqueueEvents(ctx, "inbox", events, base)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.EnqueueEvents(ctx, "inbox", append(events, emailEvent("e3", "c@example.com", base)), base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Ids are scoped per source.
	n, err = s.EnqueueEvents(ctx, "other", events[:1], base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func testInboxLease(t *testing.T, s Backend) {
	ctx := context.Background()
	meeting := &domain.MeetingEvent{
		ID:                   "m1",
		ContactEmail:         "c@example.com",
		Title:                "Kickoff",
		MeetingStart:         base.Add(-time.Hour),
		IsPast:               true,
		ExternalParticipants: []string{"c@example.com"},
	}
	_, err := s.EnqueueEvents(ctx, "inbox", []domain.Event{
		emailEvent("e2", "b@example.com", base),
		meeting,
		emailEvent("e1", "a@example.com", base.Add(-2*time.Hour)),
	}, base)
	require.NoError(t, err)

	req := reminders.ClaimRequest{Now: base, Limit: 10, Owner: "w1", Lease: lease}
	events, err := s.ClaimEvents(ctx, "inbox", req)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "e1", events[0].EventID())
	assert.Equal(t, "m1", events[1].EventID())
	assert.Equal(t, "e2", events[2].EventID())

	decoded, ok := events[1].(*domain.MeetingEvent)
	require.True(t, ok)
	assert.Equal(t, "Kickoff", decoded.Title)
	assert.True(t, decoded.IsPast)
	assert.Equal(t, []string{"c@example.com"}, decoded.ExternalParticipants)

	req.Owner = "w2"
	events, err = s.ClaimEvents(ctx, "inbox", req)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Only the lease owner can ack.
	require.NoError(t, s.AckEvents(ctx, "w2", []string{"e1"}, base))
	require.NoError(t, s.AckEvents(ctx, "w1", []string{"e1", "m1"}, base))

	req.Now = base.Add(lease + time.Second)
	events, err = s.ClaimEvents(ctx, "inbox", req)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e2", events[0].EventID())
}

func testConcurrentClaims(t *testing.T, s Backend) {
	const total = 20
	for i := range total {
		insert(t, s, newReminder(fmt.Sprintf("r%02d", i), fmt.Sprintf("c%02d@example.com", i), domain.ReminderTypeEmailResponse, base))
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
	)

	g, ctx := errgroup.WithContext(context.Background())
	for w := range 4 {
		owner := fmt.Sprintf("w%d", w)
		g.Go(func() error {
			for {
				claimed, err := s.ClaimDue(ctx, reminders.ClaimRequest{Now: base, Limit: 3, Owner: owner, Lease: lease})
				if err != nil {
					return err
				}
				if len(claimed) == 0 {
					return nil
				}
				mu.Lock()
				for _, rem := range claimed {
					if prev, dup := seen[rem.ID]; dup {
						mu.Unlock()
						return fmt.Errorf("%s claimed by %s and %s", rem.ID, prev, owner)
					}
					seen[rem.ID] = owner
				}
				mu.Unlock()
			}
		})
	}

	require.NoError(t, g.Wait())
	assert.Len(t, seen, total)
}
