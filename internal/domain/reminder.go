package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// ReminderType identifies the follow-up obligation a reminder tracks.
type ReminderType string

// Reminder types.
const (
	ReminderTypeEmailResponse   ReminderType = "email-response"
	ReminderTypeMeetingFollowup ReminderType = "meeting-followup"
)

// Priority returns the dispatch priority of the type. Lower is more urgent.
func (t ReminderType) Priority() int {
	switch t {
	case ReminderTypeEmailResponse:
		return 1
	case ReminderTypeMeetingFollowup:
		return 2
	default:
		return 99
	}
}

// Valid reports whether t is a known reminder type.
func (t ReminderType) Valid() bool {
	return t == ReminderTypeEmailResponse || t == ReminderTypeMeetingFollowup
}

// ReminderStatus represents the lifecycle state of a reminder.
type ReminderStatus string

// Reminder statuses.
const (
	ReminderStatusQueued    ReminderStatus = "queued"
	ReminderStatusSending   ReminderStatus = "sending"
	ReminderStatusSent      ReminderStatus = "sent"
	ReminderStatusFailed    ReminderStatus = "failed"
	ReminderStatusAbandoned ReminderStatus = "abandoned"
	ReminderStatusResolved  ReminderStatus = "resolved" // answered by the user before delivery
)

// AllReminderStatuses lists every status in lifecycle order.
var AllReminderStatuses = []ReminderStatus{
	ReminderStatusQueued,
	ReminderStatusSending,
	ReminderStatusSent,
	ReminderStatusFailed,
	ReminderStatusAbandoned,
	ReminderStatusResolved,
}

// IsTerminal reports whether no further transition is allowed.
func (s ReminderStatus) IsTerminal() bool {
	switch s {
	case ReminderStatusSent, ReminderStatusAbandoned, ReminderStatusResolved:
		return true
	default:
		return false
	}
}

// IsActive reports whether the reminder still counts as the contact's active reminder.
func (s ReminderStatus) IsActive() bool {
	switch s {
	case ReminderStatusQueued, ReminderStatusSending, ReminderStatusFailed:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s ReminderStatus) Valid() bool {
	return slices.Contains(AllReminderStatuses, s)
}

// Well-known lastError values for cancellations.
const (
	ReasonSuperseded    = "superseded"
	ReasonUserResponded = "user-responded"
	ReasonUserResolved  = "user-resolved"
	ReasonLeaseExpired  = "lease-expired"
)

// ReminderPayload is the denormalized rendering data of a reminder.
// It is fixed at creation and never changes across retries.
type ReminderPayload struct {
	Subject       string `json:"subject"`
	Preview       string `json:"preview"`
	DeepLink      string `json:"deep_link"`
	FallbackQuery string `json:"fallback_query"`
}

// Reminder tracks one follow-up obligation for one contact. The payload
// fields are flattened into the record, both in storage and in JSON.
type Reminder struct {
	ID             string          `json:"id"`
	ContactEmail   string          `json:"contact_email"`
	ContactName    string          `json:"contact_name"`
	Type           ReminderType    `json:"type"`
	Priority       int             `json:"priority"`
	Status         ReminderStatus  `json:"status"`
	NextAttemptAt  time.Time       `json:"next_attempt_at"`
	LockOwner      string          `json:"lock_owner,omitempty"`
	LockExpiresAt  *time.Time      `json:"lock_expires_at,omitempty"`
	AttemptCount   int             `json:"attempt_count"`
	LastError      string          `json:"last_error,omitempty"`
	IdempotencyKey string          `json:"idempotency_key"`
	SentKeys       []string        `json:"sent_keys"`
	Payload        ReminderPayload `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
}

// NewReminder builds a queued reminder that is eligible for dispatch at now.
func NewReminder(id, contactEmail, contactName string, t ReminderType, payload ReminderPayload, now time.Time) *Reminder {
	return &Reminder{
		ID:             id,
		ContactEmail:   NormalizeEmail(contactEmail),
		ContactName:    contactName,
		Type:           t,
		Priority:       t.Priority(),
		Status:         ReminderStatusQueued,
		NextAttemptAt:  now,
		IdempotencyKey: IdempotencyKey(id, 0),
		SentKeys:       []string{},
		Payload:        payload,
		CreatedAt:      now,
	}
}

// IdempotencyKey returns the delivery key for the given attempt of a reminder.
func IdempotencyKey(id string, attempt int) string {
	return fmt.Sprintf("%s-%d", id, attempt)
}

// AlreadySent reports whether the current idempotency key was confirmed delivered.
func (r *Reminder) AlreadySent() bool {
	return slices.Contains(r.SentKeys, r.IdempotencyKey)
}

// Clone returns a deep copy of r.
func (r *Reminder) Clone() *Reminder {
	c := *r
	c.SentKeys = slices.Clone(r.SentKeys)
	if r.LockExpiresAt != nil {
		t := *r.LockExpiresAt
		c.LockExpiresAt = &t
	}
	if r.SentAt != nil {
		t := *r.SentAt
		c.SentAt = &t
	}
	return &c
}

type reminderJSON Reminder

// MarshalJSON flattens the payload into the reminder object.
func (r Reminder) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		reminderJSON
		ReminderPayload
	}{reminderJSON(r), r.Payload})
}

// UnmarshalJSON reads a reminder with flattened payload fields.
func (r *Reminder) UnmarshalJSON(data []byte) error {
	v := struct {
		*reminderJSON
		*ReminderPayload
	}{(*reminderJSON)(r), &r.Payload}
	return json.Unmarshal(data, &v)
}
