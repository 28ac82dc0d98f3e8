package reminders_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/bissquit/followup/internal/reminders/sqlite"
	"github.com/stretchr/testify/require"
)

var start = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: start}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:", reminders.DefaultRetryPolicy())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// mockNotifier records sends and fails according to errFn.
type mockNotifier struct {
	mu     sync.Mutex
	sent   []reminders.Message
	errFn  func(msg reminders.Message) error
	onSend func(ctx context.Context, msg reminders.Message)
}

func (m *mockNotifier) Send(ctx context.Context, msg reminders.Message) error {
	if m.onSend != nil {
		m.onSend(ctx, msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	if m.errFn != nil {
		return m.errFn(msg)
	}
	return nil
}

func (m *mockNotifier) Sent() []reminders.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]reminders.Message(nil), m.sent...)
}

// unavailableStore fails every call with a store outage.
type unavailableStore struct {
	*sqlite.Store
}

var errOutage = reminders.Unavailable("test", errors.New("connection refused"))

func (unavailableStore) ClaimDue(context.Context, reminders.ClaimRequest) ([]*domain.Reminder, error) {
	return nil, errOutage
}

func (unavailableStore) GetContact(context.Context, string) (*domain.Contact, error) {
	return nil, errOutage
}

// sliceSource serves a fixed list of events once and records acks.
type sliceSource struct {
	mu     sync.Mutex
	events []domain.Event
	acked  []string
}

func (s *sliceSource) Name() string { return "test" }

func (s *sliceSource) ProduceEvents(context.Context) ([]domain.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.events
	s.events = nil
	return events, nil
}

func (s *sliceSource) Ack(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *sliceSource) Push(events ...domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
}

func dispatcherConfig() reminders.DispatcherConfig {
	cfg := reminders.DefaultDispatcherConfig()
	cfg.SendTimeout = time.Second
	cfg.StoreTimeout = time.Second
	return cfg
}

func insertReminder(t *testing.T, s reminders.Store, id, contact string, typ domain.ReminderType, at time.Time) *domain.Reminder {
	t.Helper()
	r := domain.NewReminder(id, contact, "", typ, domain.ReminderPayload{Subject: "Subject " + id, FallbackQuery: "from:" + contact}, at)
	require.NoError(t, s.Insert(context.Background(), r))
	return r
}

func getReminder(t *testing.T, s reminders.Store, id string) *domain.Reminder {
	t.Helper()
	r, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}
