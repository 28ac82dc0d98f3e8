package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Direction tells who wrote an email relative to the user.
type Direction string

// Email directions.
const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)

// EventKind names the canonical event types.
type EventKind string

// Event kinds.
const (
	EventKindEmail   EventKind = "email"
	EventKindMeeting EventKind = "meeting"
)

// Event is a canonical activity signal for one contact.
type Event interface {
	EventID() string
	Kind() EventKind
	Contact() string
	OccurredAt() time.Time
}

// EmailEvent is an email exchanged with a contact.
type EmailEvent struct {
	ID           string    `json:"id"`
	ContactEmail string    `json:"contact_email"`
	ContactName  string    `json:"contact_name,omitempty"`
	Direction    Direction `json:"direction"`
	Subject      string    `json:"subject"`
	ThreadID     string    `json:"thread_id,omitempty"`
	Snippet      string    `json:"snippet,omitempty"`
	At           time.Time `json:"occurred_at"`
}

// EventID implements Event.
func (e *EmailEvent) EventID() string { return e.ID }

// Kind implements Event.
func (e *EmailEvent) Kind() EventKind { return EventKindEmail }

// Contact implements Event.
func (e *EmailEvent) Contact() string { return e.ContactEmail }

// OccurredAt implements Event.
func (e *EmailEvent) OccurredAt() time.Time { return e.At }

// MeetingEvent is a calendar meeting shared with a contact.
type MeetingEvent struct {
	ID                   string    `json:"id"`
	ContactEmail         string    `json:"contact_email"`
	ContactName          string    `json:"contact_name,omitempty"`
	Title                string    `json:"title"`
	MeetingStart         time.Time `json:"meeting_start"`
	IsPast               bool      `json:"is_past"`
	ExternalParticipants []string  `json:"external_participants"`
	Link                 string    `json:"link,omitempty"`
}

// EventID implements Event.
func (e *MeetingEvent) EventID() string { return e.ID }

// Kind implements Event.
func (e *MeetingEvent) Kind() EventKind { return EventKindMeeting }

// Contact implements Event.
func (e *MeetingEvent) Contact() string { return e.ContactEmail }

// OccurredAt implements Event.
func (e *MeetingEvent) OccurredAt() time.Time { return e.MeetingStart }

// DecodeEvent restores an event stored as JSON under its kind.
func DecodeEvent(kind EventKind, data []byte) (Event, error) {
	var ev Event
	switch kind {
	case EventKindEmail:
		ev = &EmailEvent{}
	case EventKindMeeting:
		ev = &MeetingEvent{}
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", kind, err)
	}
	return ev, nil
}
