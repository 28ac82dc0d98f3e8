package reminders_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestDispatcherConfig_Validate(t *testing.T) {
	assert.NoError(t, reminders.DefaultDispatcherConfig().Validate())

	cfg := reminders.DefaultDispatcherConfig()
	cfg.SendTimeout = cfg.LeaseDuration
	assert.Error(t, cfg.Validate())

	cfg = reminders.DefaultDispatcherConfig()
	cfg.BatchSize = 0
	assert.Error(t, cfg.Validate())
}

func TestDispatcher_DeliversByPriority(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	notifier := &mockNotifier{}

	insertReminder(t, store, "meeting", "m@example.com", domain.ReminderTypeMeetingFollowup, start.Add(-time.Hour))
	insertReminder(t, store, "email", "e@example.com", domain.ReminderTypeEmailResponse, start.Add(-time.Minute))
	insertReminder(t, store, "later", "l@example.com", domain.ReminderTypeEmailResponse, start.Add(time.Hour))

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(clock.Now)

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 2, result.Sent)
	assert.NotEmpty(t, result.Owner)

	sent := notifier.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, "email", sent[0].ReminderID)
	assert.Equal(t, "email-1", sent[0].IdempotencyKey)
	assert.Equal(t, "meeting", sent[1].ReminderID)

	r := getReminder(t, store, "email")
	assert.Equal(t, domain.ReminderStatusSent, r.Status)
	assert.Equal(t, []string{"email-1"}, r.SentKeys)
	require.NotNil(t, r.SentAt)
	assert.True(t, start.Equal(*r.SentAt))

	assert.Equal(t, domain.ReminderStatusQueued, getReminder(t, store, "later").Status)
}

func TestDispatcher_SkipsAlreadySentKey(t *testing.T) {
	store := newStore(t)
	notifier := &mockNotifier{}

	// The previous process delivered attempt 1 but crashed before finishing.
	r := domain.NewReminder("r1", "a@example.com", "", domain.ReminderTypeEmailResponse, domain.ReminderPayload{}, start)
	r.SentKeys = []string{"r1-1"}
	require.NoError(t, store.Insert(context.Background(), r))

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(newTestClock().Now)

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Deduplicated)
	assert.Empty(t, notifier.Sent())

	stored := getReminder(t, store, "r1")
	assert.Equal(t, domain.ReminderStatusSent, stored.Status)
	assert.Equal(t, []string{"r1-1"}, stored.SentKeys)
}

func TestDispatcher_ConcurrentDispatchersSendOnce(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	notifier := &mockNotifier{}

	const total = 30
	for i := range total {
		insertReminder(t, store, fmt.Sprintf("r%02d", i), fmt.Sprintf("c%02d@example.com", i), domain.ReminderTypeEmailResponse, start)
	}

	cfg := dispatcherConfig()
	cfg.BatchSize = 4

	g, ctx := errgroup.WithContext(context.Background())
	for range 3 {
		d := reminders.NewDispatcher(cfg, store, notifier)
		d.SetClock(clock.Now)
		g.Go(func() error {
			for {
				result, err := d.Dispatch(ctx)
				if err != nil {
					return err
				}
				if result.Claimed == 0 {
					return nil
				}
			}
		})
	}
	require.NoError(t, g.Wait())

	keys := make(map[string]int)
	for _, msg := range notifier.Sent() {
		keys[msg.IdempotencyKey]++
	}
	assert.Len(t, keys, total)
	for key, n := range keys {
		assert.Equal(t, 1, n, "key %s", key)
	}

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(total), stats.Sent)
}

func TestDispatcher_TimeoutsFollowBackoffUntilAbandoned(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	notifier := &mockNotifier{errFn: func(reminders.Message) error {
		return fmt.Errorf("notifier: %w", context.DeadlineExceeded)
	}}

	insertReminder(t, store, "r1", "slow@example.com", domain.ReminderTypeEmailResponse, start)

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(clock.Now)

	expected := []time.Duration{5 * time.Minute, 30 * time.Minute, 240 * time.Minute}
	for i, delay := range expected {
		failedAt := clock.Now()
		result, err := d.Dispatch(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, result.Retried, "attempt %d", i+1)

		r := getReminder(t, store, "r1")
		assert.Equal(t, domain.ReminderStatusFailed, r.Status)
		assert.True(t, failedAt.Add(delay).Equal(r.NextAttemptAt), "attempt %d next attempt %s", i+1, r.NextAttemptAt)

		// Nothing is due until the backoff has elapsed.
		clock.Set(r.NextAttemptAt.Add(-time.Second))
		result, err = d.Dispatch(context.Background())
		require.NoError(t, err)
		assert.Zero(t, result.Claimed)

		clock.Set(r.NextAttemptAt)
	}

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Abandoned)

	r := getReminder(t, store, "r1")
	assert.Equal(t, domain.ReminderStatusAbandoned, r.Status)
	assert.Equal(t, 4, r.AttemptCount)
	assert.Contains(t, r.LastError, "transient")
	assert.Len(t, notifier.Sent(), 4)

	clock.Advance(24 * time.Hour)
	result, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
}

func TestDispatcher_PermanentErrorAbandons(t *testing.T) {
	store := newStore(t)
	notifier := &mockNotifier{errFn: func(reminders.Message) error {
		return reminders.NewPermanentError(errors.New("550 mailbox unavailable"))
	}}
	insertReminder(t, store, "r1", "gone@example.com", domain.ReminderTypeEmailResponse, start)

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(newTestClock().Now)

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Abandoned)

	r := getReminder(t, store, "r1")
	assert.Equal(t, domain.ReminderStatusAbandoned, r.Status)
	assert.Equal(t, 1, r.AttemptCount)
	assert.Equal(t, "permanent: 550 mailbox unavailable", r.LastError)
}

func TestDispatcher_SendTimeoutIsBounded(t *testing.T) {
	store := newStore(t)
	notifier := &mockNotifier{
		onSend: func(ctx context.Context, _ reminders.Message) { <-ctx.Done() },
		errFn: func(reminders.Message) error {
			return context.DeadlineExceeded
		},
	}
	insertReminder(t, store, "r1", "a@example.com", domain.ReminderTypeEmailResponse, start)

	cfg := dispatcherConfig()
	cfg.SendTimeout = 50 * time.Millisecond

	d := reminders.NewDispatcher(cfg, store, notifier)
	d.SetClock(newTestClock().Now)

	began := time.Now()
	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Less(t, time.Since(began), cfg.LeaseDuration)
	assert.Equal(t, 1, result.Retried)
}

func TestDispatcher_SupersedeDuringSendWins(t *testing.T) {
	store := newStore(t)
	insertReminder(t, store, "r1", "a@example.com", domain.ReminderTypeEmailResponse, start)

	notifier := &mockNotifier{onSend: func(ctx context.Context, msg reminders.Message) {
		require.NoError(t, store.Supersede(ctx, msg.ReminderID, domain.ReminderStatusResolved, domain.ReasonUserResponded))
	}}

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(newTestClock().Now)

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Discarded)

	r := getReminder(t, store, "r1")
	assert.Equal(t, domain.ReminderStatusResolved, r.Status)
	assert.Empty(t, r.SentKeys)
}

func TestDispatcher_RecoversStaleLease(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	notifier := &mockNotifier{}
	insertReminder(t, store, "r1", "a@example.com", domain.ReminderTypeEmailResponse, start)

	// A dispatcher claims the reminder and dies.
	claimed, err := store.ClaimDue(context.Background(), reminders.ClaimRequest{
		Now: start, Limit: 10, Owner: "crashed", Lease: 5 * time.Minute,
	})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(clock.Now)

	result, err := d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)

	clock.Advance(5*time.Minute + time.Second)
	result, err = d.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Sent)

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "r1-2", sent[0].IdempotencyKey)
	assert.Equal(t, domain.ReminderStatusSent, getReminder(t, store, "r1").Status)
}

func TestDispatcher_SkipsItemsWhoseLeaseRanOut(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	cfg := dispatcherConfig()

	insertReminder(t, store, "a", "a@example.com", domain.ReminderTypeEmailResponse, start.Add(-time.Minute))
	insertReminder(t, store, "b", "b@example.com", domain.ReminderTypeEmailResponse, start)

	// The first send is slow enough to outlive the batch lease.
	notifier := &mockNotifier{onSend: func(_ context.Context, msg reminders.Message) {
		if msg.ReminderID == "a" {
			clock.Advance(cfg.LeaseDuration + time.Minute)
		}
	}}

	first := reminders.NewDispatcher(cfg, store, notifier)
	first.SetClock(clock.Now)

	result, err := first.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Claimed)
	assert.Equal(t, 1, result.Sent)
	assert.Equal(t, 1, result.Interrupted)

	second := reminders.NewDispatcher(cfg, store, notifier)
	second.SetClock(clock.Now)

	result, err = second.Dispatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Sent)

	deliveries := 0
	for _, msg := range notifier.Sent() {
		if msg.ReminderID == "b" {
			deliveries++
			assert.Equal(t, "b-2", msg.IdempotencyKey)
		}
	}
	assert.Equal(t, 1, deliveries)
	assert.Equal(t, domain.ReminderStatusSent, getReminder(t, store, "b").Status)
}

func TestDispatcher_StoreUnavailableAbortsCycle(t *testing.T) {
	store := unavailableStore{newStore(t)}
	notifier := &mockNotifier{}

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	_, err := d.Dispatch(context.Background())
	assert.ErrorIs(t, err, reminders.ErrStoreUnavailable)
	assert.Empty(t, notifier.Sent())
}

func TestDispatcher_CancelledContextLeavesLease(t *testing.T) {
	store := newStore(t)
	notifier := &mockNotifier{}
	insertReminder(t, store, "r1", "a@example.com", domain.ReminderTypeEmailResponse, start)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := reminders.NewDispatcher(dispatcherConfig(), store, notifier)
	d.SetClock(newTestClock().Now)

	_, err := d.Dispatch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, notifier.Sent())
	assert.Equal(t, domain.ReminderStatusQueued, getReminder(t, store, "r1").Status)
}
