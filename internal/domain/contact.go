package domain

import (
	"strings"
	"time"
)

// Contact is a person whose email and calendar activity is tracked.
// Contacts are created on first observed event and never deleted.
type Contact struct {
	Email          string     `json:"email"`
	Name           string     `json:"name,omitempty"`
	LastInboundAt  *time.Time `json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`
	LastMeetingAt  *time.Time `json:"last_meeting_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// ContactActivity is a single observation merged into a contact.
// Zero timestamps leave the stored value untouched.
type ContactActivity struct {
	Email      string
	Name       string
	InboundAt  time.Time
	OutboundAt time.Time
	MeetingAt  time.Time
}

// NormalizeEmail lowercases and trims an address so it can be used as a contact key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Domain returns the part of a normalized address after '@'.
func Domain(email string) string {
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}

// ActivityFor derives the contact activity recorded for an event.
func ActivityFor(ev Event) ContactActivity {
	a := ContactActivity{Email: ev.Contact()}
	switch e := ev.(type) {
	case *EmailEvent:
		a.Name = e.ContactName
		if e.Direction == DirectionSent {
			a.OutboundAt = e.At
		} else {
			a.InboundAt = e.At
		}
	case *MeetingEvent:
		a.Name = e.ContactName
		if e.IsPast {
			a.MeetingAt = e.MeetingStart
		}
	}
	return a
}
