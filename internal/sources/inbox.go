// Package sources contains event source adapters for the enricher.
package sources

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/google/uuid"
)

// InboxName is the source name of events ingested through the API.
const InboxName = "inbox"

// InboxConfig contains inbox source configuration.
type InboxConfig struct {
	BatchSize     int
	LeaseDuration time.Duration
}

// DefaultInboxConfig returns default inbox configuration.
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		BatchSize:     500,
		LeaseDuration: 5 * time.Minute,
	}
}

// Inbox reads events from the durable inbox. Each call to ProduceEvents
// leases a batch under a fresh owner, so overlapping enrich runs never
// receive the same event while the lease holds.
type Inbox struct {
	config InboxConfig
	store  reminders.InboxStore
	clock  func() time.Time

	mu sync.Mutex
	// owners maps leased event ids to the lease that claimed them.
	owners map[string]inboxLease
}

type inboxLease struct {
	owner   string
	expires time.Time
}

// NewInbox creates an inbox source.
func NewInbox(config InboxConfig, store reminders.InboxStore) *Inbox {
	return &Inbox{
		config: config,
		store:  store,
		clock:  time.Now,
		owners: make(map[string]inboxLease),
	}
}

// SetClock replaces the time source. Used by tests.
func (s *Inbox) SetClock(clock func() time.Time) {
	s.clock = clock
}

// Name implements reminders.Source.
func (s *Inbox) Name() string {
	return InboxName
}

// ProduceEvents implements reminders.Source.
func (s *Inbox) ProduceEvents(ctx context.Context) ([]domain.Event, error) {
	hostname, _ := os.Hostname()
	owner := fmt.Sprintf("%s/%s", hostname, uuid.NewString())
	now := s.clock()
	s.pruneExpired(now)

	events, err := s.store.ClaimEvents(ctx, InboxName, reminders.ClaimRequest{
		Now:   now,
		Limit: s.config.BatchSize,
		Owner: owner,
		Lease: s.config.LeaseDuration,
	})
	if err != nil {
		return nil, fmt.Errorf("claim inbox events: %w", err)
	}

	lease := inboxLease{owner: owner, expires: now.Add(s.config.LeaseDuration)}
	s.mu.Lock()
	for _, ev := range events {
		s.owners[ev.EventID()] = lease
	}
	s.mu.Unlock()

	return events, nil
}

// pruneExpired forgets leases that can no longer be acked.
func (s *Inbox) pruneExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, lease := range s.owners {
		if !lease.expires.After(now) {
			delete(s.owners, id)
		}
	}
}

// Ack implements reminders.Source.
func (s *Inbox) Ack(ctx context.Context, ids []string) error {
	byOwner := make(map[string][]string)
	s.mu.Lock()
	for _, id := range ids {
		if lease, ok := s.owners[id]; ok {
			byOwner[lease.owner] = append(byOwner[lease.owner], id)
			delete(s.owners, id)
		}
	}
	s.mu.Unlock()

	now := s.clock()
	for owner, owned := range byOwner {
		if err := s.store.AckEvents(ctx, owner, owned, now); err != nil {
			return fmt.Errorf("ack inbox events: %w", err)
		}
	}
	return nil
}

// Enqueue stores normalized events for the next enrich run.
func (s *Inbox) Enqueue(ctx context.Context, events []domain.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	n, err := s.store.EnqueueEvents(ctx, InboxName, events, s.clock())
	if err != nil {
		return 0, fmt.Errorf("enqueue inbox events: %w", err)
	}
	return n, nil
}
