package reminders

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bissquit/followup/internal/domain"
	"golang.org/x/text/cases"
)

// ActionKind is the decision the resolver makes for an event.
type ActionKind string

// Resolver actions.
const (
	ActionNoOp    ActionKind = "noop"
	ActionCreate  ActionKind = "create"
	ActionReplace ActionKind = "replace"
	ActionResolve ActionKind = "resolve" // the user answered; close the active reminder
)

// Action is the outcome of resolving one event against a contact's state.
type Action struct {
	Kind ActionKind
	// Type and Payload describe the reminder to create (create, replace).
	Type    domain.ReminderType
	Payload domain.ReminderPayload
	// TargetID is the active reminder that is replaced or resolved.
	TargetID string
	Reason   string
}

// ResolverConfig is the immutable policy input of the resolver.
type ResolverConfig struct {
	SelfAddresses     []string
	ExcludedAddresses []string
	ExcludedDomains   []string
	// MailLinkTemplate builds the deep link of an email thread; "{thread}" is replaced.
	MailLinkTemplate string
}

// DefaultMailLinkTemplate opens a thread in Gmail.
const DefaultMailLinkTemplate = "https://mail.google.com/mail/u/0/#all/{thread}"

const previewLimit = 200

// Resolver decides whether an event creates, replaces, resolves or ignores
// the single active reminder of a contact. It is a pure function of its
// inputs.
type Resolver struct {
	self     map[string]struct{}
	excluded map[string]struct{}
	domains  map[string]struct{}
	mailLink string
}

// NewResolver creates a resolver from its configuration.
func NewResolver(cfg ResolverConfig) *Resolver {
	r := &Resolver{
		self:     toSet(cfg.SelfAddresses),
		excluded: toSet(cfg.ExcludedAddresses),
		domains:  toSet(cfg.ExcludedDomains),
		mailLink: cfg.MailLinkTemplate,
	}
	if r.mailLink == "" {
		r.mailLink = DefaultMailLinkTemplate
	}
	return r
}

// Resolve decides what to do with ev. contact and active may be nil.
func (r *Resolver) Resolve(contact *domain.Contact, ev domain.Event, active *domain.Reminder) Action {
	email := domain.NormalizeEmail(ev.Contact())
	if email == "" {
		return noop("missing contact")
	}
	if r.ignored(email) {
		return noop("contact excluded")
	}

	switch e := ev.(type) {
	case *domain.EmailEvent:
		if e.Direction == domain.DirectionSent {
			return r.resolveSent(e, active)
		}
		return r.resolveReceived(contact, e, active)
	case *domain.MeetingEvent:
		return r.resolveMeeting(contact, e, active)
	default:
		return noop(fmt.Sprintf("unsupported event %T", ev))
	}
}

func (r *Resolver) resolveReceived(contact *domain.Contact, e *domain.EmailEvent, active *domain.Reminder) Action {
	if contact != nil {
		if contact.LastOutboundAt != nil && !e.At.After(*contact.LastOutboundAt) {
			return noop("already answered")
		}
		if contact.LastInboundAt != nil && !e.At.After(*contact.LastInboundAt) {
			return noop("already observed")
		}
	}

	payload := r.emailPayload(e)

	if active == nil {
		return Action{Kind: ActionCreate, Type: domain.ReminderTypeEmailResponse, Payload: payload, Reason: "email received"}
	}

	switch active.Type {
	case domain.ReminderTypeMeetingFollowup:
		return Action{
			Kind:     ActionReplace,
			Type:     domain.ReminderTypeEmailResponse,
			Payload:  payload,
			TargetID: active.ID,
			Reason:   domain.ReasonSuperseded,
		}
	case domain.ReminderTypeEmailResponse:
		if r.sameThread(active, e) {
			return noop("duplicate thread")
		}
		return Action{
			Kind:     ActionReplace,
			Type:     domain.ReminderTypeEmailResponse,
			Payload:  payload,
			TargetID: active.ID,
			Reason:   domain.ReasonSuperseded,
		}
	default:
		return noop("unknown active reminder type")
	}
}

func (r *Resolver) resolveSent(_ *domain.EmailEvent, active *domain.Reminder) Action {
	if active == nil || active.Type != domain.ReminderTypeEmailResponse {
		return noop("nothing to resolve")
	}
	return Action{Kind: ActionResolve, TargetID: active.ID, Reason: domain.ReasonUserResponded}
}

func (r *Resolver) resolveMeeting(contact *domain.Contact, e *domain.MeetingEvent, active *domain.Reminder) Action {
	if !e.IsPast {
		return noop("meeting not over")
	}
	if len(e.ExternalParticipants) == 0 {
		return noop("no external participants")
	}
	if contact != nil && contact.LastMeetingAt != nil && !e.MeetingStart.After(*contact.LastMeetingAt) {
		return noop("meeting already tracked")
	}
	if active != nil {
		return noop("active reminder exists")
	}
	return Action{
		Kind:    ActionCreate,
		Type:    domain.ReminderTypeMeetingFollowup,
		Payload: r.meetingPayload(e),
		Reason:  "meeting ended",
	}
}

func (r *Resolver) ignored(email string) bool {
	if _, ok := r.self[email]; ok {
		return true
	}
	if _, ok := r.excluded[email]; ok {
		return true
	}
	_, ok := r.domains[domain.Domain(email)]
	return ok
}

// sameThread reports whether an email belongs to the conversation the active
// reminder was created for, by thread link or by normalized subject.
func (r *Resolver) sameThread(active *domain.Reminder, e *domain.EmailEvent) bool {
	if e.ThreadID != "" && active.Payload.DeepLink == r.threadLink(e.ThreadID) {
		return true
	}
	return NormalizeSubject(active.Payload.Subject) == NormalizeSubject(e.Subject)
}

func (r *Resolver) threadLink(threadID string) string {
	if threadID == "" {
		return ""
	}
	return strings.ReplaceAll(r.mailLink, "{thread}", url.PathEscape(threadID))
}

func (r *Resolver) emailPayload(e *domain.EmailEvent) domain.ReminderPayload {
	subject := strings.TrimSpace(e.Subject)
	if subject == "" {
		subject = "(no subject)"
	}
	query := fmt.Sprintf("from:%s", domain.NormalizeEmail(e.ContactEmail))
	if s := searchSubject(e.Subject); s != "" {
		query += fmt.Sprintf(" subject:%q", s)
	}
	return domain.ReminderPayload{
		Subject:       subject,
		Preview:       truncateRunes(strings.Join(strings.Fields(e.Snippet), " "), previewLimit),
		DeepLink:      r.threadLink(e.ThreadID),
		FallbackQuery: query,
	}
}

func (r *Resolver) meetingPayload(e *domain.MeetingEvent) domain.ReminderPayload {
	email := domain.NormalizeEmail(e.ContactEmail)
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = "meeting"
	}
	who := e.ContactName
	if who == "" {
		who = email
	}
	return domain.ReminderPayload{
		Subject:       "Follow up: " + title,
		Preview:       fmt.Sprintf("You met %s on %s", who, e.MeetingStart.UTC().Format("Jan 2, 2006 15:04 UTC")),
		DeepLink:      e.Link,
		FallbackQuery: fmt.Sprintf("from:%s OR to:%s", email, email),
	}
}

var replyPrefix = regexp.MustCompile(`(?i)^\s*((re|fwd?|aw|wg)\s*(\[\d+\])?\s*:\s*)+`)

// NormalizeSubject reduces a subject to a thread key: reply and forward
// prefixes are stripped, whitespace collapsed and case folded.
func NormalizeSubject(subject string) string {
	s := replyPrefix.ReplaceAllString(subject, "")
	s = strings.Join(strings.Fields(s), " ")
	return cases.Fold().String(s)
}

func searchSubject(subject string) string {
	s := replyPrefix.ReplaceAllString(subject, "")
	s = strings.ReplaceAll(s, `"`, "")
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "…"
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = domain.NormalizeEmail(strings.TrimPrefix(strings.TrimSpace(v), "@"))
		if v != "" {
			set[v] = struct{}{}
		}
	}
	return set
}

func noop(reason string) Action {
	return Action{Kind: ActionNoOp, Reason: reason}
}
