// Package normalize turns raw mail and calendar records into canonical
// per-contact events.
package normalize

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/bissquit/followup/internal/domain"
)

// Normalization errors.
var (
	ErrMissingID   = errors.New("record id is required")
	ErrMissingFrom = errors.New("sender address is required")
	ErrMissingTime = errors.New("record timestamp is required")
	ErrBadAddress  = errors.New("invalid address")
)

// RawEmail is one message as reported by a mail provider.
type RawEmail struct {
	MessageID string    `json:"message_id" validate:"required"`
	ThreadID  string    `json:"thread_id,omitempty"`
	From      string    `json:"from" validate:"required"`
	To        []string  `json:"to,omitempty"`
	Cc        []string  `json:"cc,omitempty"`
	Subject   string    `json:"subject"`
	Snippet   string    `json:"snippet,omitempty"`
	Date      time.Time `json:"date" validate:"required"`
}

// RawMeeting is one calendar event as reported by a calendar provider.
type RawMeeting struct {
	EventID   string    `json:"event_id" validate:"required"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start" validate:"required"`
	End       time.Time `json:"end" validate:"required,gtefield=Start"`
	Organizer string    `json:"organizer,omitempty"`
	Attendees []string  `json:"attendees" validate:"required,min=1"`
	Link      string    `json:"link,omitempty"`
}

// Config lists the addresses that belong to the user.
type Config struct {
	SelfAddresses   []string
	InternalDomains []string
}

// Normalizer converts raw records into events.
type Normalizer struct {
	self     map[string]struct{}
	internal map[string]struct{}
}

// New creates a normalizer.
func New(cfg Config) *Normalizer {
	n := &Normalizer{
		self:     make(map[string]struct{}, len(cfg.SelfAddresses)),
		internal: make(map[string]struct{}, len(cfg.InternalDomains)),
	}
	for _, a := range cfg.SelfAddresses {
		if a = domain.NormalizeEmail(a); a != "" {
			n.self[a] = struct{}{}
		}
	}
	for _, d := range cfg.InternalDomains {
		if d = domain.NormalizeEmail(strings.TrimPrefix(strings.TrimSpace(d), "@")); d != "" {
			n.internal[d] = struct{}{}
		}
	}
	return n
}

// Email returns one event per counterpart of the message. A message from
// the user yields a sent event for every recipient; any other message
// yields a single received event for its sender.
func (n *Normalizer) Email(raw RawEmail) ([]domain.Event, error) {
	if strings.TrimSpace(raw.MessageID) == "" {
		return nil, ErrMissingID
	}
	if raw.Date.IsZero() {
		return nil, ErrMissingTime
	}

	from, err := parseAddress(raw.From)
	if err != nil {
		return nil, fmt.Errorf("from: %w", err)
	}
	if from == nil {
		return nil, ErrMissingFrom
	}

	newEvent := func(addr *mail.Address, dir domain.Direction) *domain.EmailEvent {
		email := domain.NormalizeEmail(addr.Address)
		return &domain.EmailEvent{
			ID:           eventID(raw.MessageID, email),
			ContactEmail: email,
			ContactName:  strings.TrimSpace(addr.Name),
			Direction:    dir,
			Subject:      strings.TrimSpace(raw.Subject),
			ThreadID:     strings.TrimSpace(raw.ThreadID),
			Snippet:      raw.Snippet,
			At:           raw.Date.UTC(),
		}
	}

	if !n.isSelf(from.Address) {
		return []domain.Event{newEvent(from, domain.DirectionReceived)}, nil
	}

	recipients, err := parseAddresses(append(append([]string{}, raw.To...), raw.Cc...))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(recipients))
	events := make([]domain.Event, 0, len(recipients))
	for _, addr := range recipients {
		email := domain.NormalizeEmail(addr.Address)
		if n.isSelf(email) {
			continue
		}
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		events = append(events, newEvent(addr, domain.DirectionSent))
	}
	return events, nil
}

// Meeting returns one event per external attendee.
func (n *Normalizer) Meeting(raw RawMeeting, now time.Time) ([]domain.Event, error) {
	if strings.TrimSpace(raw.EventID) == "" {
		return nil, ErrMissingID
	}
	if raw.Start.IsZero() {
		return nil, ErrMissingTime
	}

	attendees, err := parseAddresses(append([]string{raw.Organizer}, raw.Attendees...))
	if err != nil {
		return nil, err
	}

	var external []*mail.Address
	seen := make(map[string]struct{}, len(attendees))
	for _, addr := range attendees {
		email := domain.NormalizeEmail(addr.Address)
		if _, dup := seen[email]; dup {
			continue
		}
		seen[email] = struct{}{}
		if n.isSelf(email) || n.isInternal(email) {
			continue
		}
		external = append(external, addr)
	}

	end := raw.End
	if end.IsZero() {
		end = raw.Start
	}
	isPast := !end.After(now)

	participants := make([]string, 0, len(external))
	for _, addr := range external {
		participants = append(participants, domain.NormalizeEmail(addr.Address))
	}

	events := make([]domain.Event, 0, len(external))
	for _, addr := range external {
		email := domain.NormalizeEmail(addr.Address)
		events = append(events, &domain.MeetingEvent{
			ID:                   eventID(raw.EventID, email),
			ContactEmail:         email,
			ContactName:          strings.TrimSpace(addr.Name),
			Title:                strings.TrimSpace(raw.Title),
			MeetingStart:         raw.Start.UTC(),
			IsPast:               isPast,
			ExternalParticipants: participants,
			Link:                 raw.Link,
		})
	}
	return events, nil
}

func (n *Normalizer) isSelf(email string) bool {
	_, ok := n.self[domain.NormalizeEmail(email)]
	return ok
}

func (n *Normalizer) isInternal(email string) bool {
	_, ok := n.internal[domain.Domain(email)]
	return ok
}

// eventID is the dedupe key of a derived event: the same record observed
// twice for the same contact produces the same id.
func eventID(recordID, contact string) string {
	return strings.TrimSpace(recordID) + "/" + contact
}

func parseAddress(s string) (*mail.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %w", ErrBadAddress, s, err)
	}
	return addr, nil
}

func parseAddresses(values []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(values))
	for _, v := range values {
		addr, err := parseAddress(v)
		if err != nil {
			return nil, err
		}
		if addr != nil {
			out = append(out, addr)
		}
	}
	return out, nil
}
