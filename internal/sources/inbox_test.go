package sources

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/bissquit/followup/internal/reminders/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newTestInbox(t *testing.T) *Inbox {
	t.Helper()
	store, err := sqlite.Open(":memory:", reminders.DefaultRetryPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	inbox := NewInbox(InboxConfig{BatchSize: 2, LeaseDuration: time.Minute}, store)
	inbox.SetClock(func() time.Time { return now })
	return inbox
}

func event(id string, at time.Time) domain.Event {
	return &domain.EmailEvent{
		ID:           id,
		ContactEmail: "a@example.com",
		Direction:    domain.DirectionReceived,
		Subject:      "Hi",
		At:           at,
	}
}

func TestInbox_EnqueueProduceAck(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t)

	n, err := inbox.Enqueue(ctx, []domain.Event{
		event("e3", now.Add(-time.Minute)),
		event("e1", now.Add(-3*time.Minute)),
		event("e2", now.Add(-2*time.Minute)),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	first, err := inbox.ProduceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "e1", first[0].EventID())
	assert.Equal(t, "e2", first[1].EventID())

	// Leased events are not produced again; the rest of the backlog is.
	second, err := inbox.ProduceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, "e3", second[0].EventID())

	require.NoError(t, inbox.Ack(ctx, []string{"e1", "e2", "e3"}))

	// Acked events never come back, even after the lease expires.
	inbox.SetClock(func() time.Time { return now.Add(time.Hour) })
	rest, err := inbox.ProduceEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestInbox_UnackedEventsReturnAfterLease(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t)

	_, err := inbox.Enqueue(ctx, []domain.Event{event("e1", now)})
	require.NoError(t, err)

	events, err := inbox.ProduceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	inbox.SetClock(func() time.Time { return now.Add(2 * time.Minute) })
	events, err = inbox.ProduceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "e1", events[0].EventID())

	// The latest owner acks.
	require.NoError(t, inbox.Ack(ctx, []string{"e1"}))
	events, err = inbox.ProduceEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestInbox_ForgetsExpiredLeases(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.Open(":memory:", reminders.DefaultRetryPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := InboxConfig{BatchSize: 10, LeaseDuration: time.Minute}
	crashed := NewInbox(cfg, store)
	crashed.SetClock(func() time.Time { return now })
	other := NewInbox(cfg, store)
	other.SetClock(func() time.Time { return now.Add(2 * time.Minute) })

	_, err = crashed.Enqueue(ctx, []domain.Event{event("e1", now)})
	require.NoError(t, err)

	// The first run never acks; another process takes the event over.
	events, err := crashed.ProduceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)

	events, err = other.ProduceEvents(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, other.Ack(ctx, []string{"e1"}))

	crashed.SetClock(func() time.Time { return now.Add(3 * time.Minute) })
	events, err = crashed.ProduceEvents(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)

	crashed.mu.Lock()
	assert.Empty(t, crashed.owners)
	crashed.mu.Unlock()
}

func TestInbox_EnqueueDeduplicates(t *testing.T) {
	ctx := context.Background()
	inbox := newTestInbox(t)

	n, err := inbox.Enqueue(ctx, []domain.Event{event("e1", now)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = inbox.Enqueue(ctx, []domain.Event{event("e1", now)})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = inbox.Enqueue(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, InboxName, inbox.Name())
}
