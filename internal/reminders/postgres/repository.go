// Package postgres provides the PostgreSQL implementation of the reminder,
// contact and inbox stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	uniqueViolation      = "23505"
	activeContactIndex   = "reminders_active_contact_idx"
	reminderColumns      = `id, contact_email, contact_name, type, priority, status, next_attempt_at, lock_owner, lock_expires_at, attempt_count, last_error, idempotency_key, sent_keys, subject, preview, deep_link, fallback_query, created_at, sent_at`
	contactColumns       = `email, name, last_inbound_at, last_outbound_at, last_meeting_at, last_activity_at, created_at, updated_at`
	activeStatusesClause = `status IN ('queued', 'sending', 'failed')`
)

// Repository implements reminders.Store, reminders.ContactStore and
// reminders.InboxStore using PostgreSQL.
type Repository struct {
	db     *pgxpool.Pool
	policy reminders.RetryPolicy
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool, policy reminders.RetryPolicy) *Repository {
	return &Repository{db: db, policy: policy}
}

// Insert creates a new reminder.
func (r *Repository) Insert(ctx context.Context, rem *domain.Reminder) error {
	query := `
		INSERT INTO reminders (` + reminderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.Exec(ctx, query,
		rem.ID,
		rem.ContactEmail,
		rem.ContactName,
		rem.Type,
		rem.Priority,
		rem.Status,
		rem.NextAttemptAt,
		rem.LockOwner,
		rem.LockExpiresAt,
		rem.AttemptCount,
		rem.LastError,
		rem.IdempotencyKey,
		sentKeys(rem.SentKeys),
		rem.Payload.Subject,
		rem.Payload.Preview,
		rem.Payload.DeepLink,
		rem.Payload.FallbackQuery,
		rem.CreatedAt,
		rem.SentAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			if pgErr.ConstraintName == activeContactIndex {
				return reminders.ErrActiveReminderExists
			}
			return reminders.ErrDuplicateKey
		}
		return wrapErr("insert reminder", err)
	}
	return nil
}

// Get retrieves a reminder by ID.
func (r *Repository) Get(ctx context.Context, id string) (*domain.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1`
	rem, err := scanReminder(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminders.ErrReminderNotFound
	}
	if err != nil {
		return nil, wrapErr("get reminder", err)
	}
	return rem, nil
}

// FindActiveByContact returns the contact's active reminder or nil.
func (r *Repository) FindActiveByContact(ctx context.Context, contactEmail string) (*domain.Reminder, error) {
	query := `SELECT ` + reminderColumns + ` FROM reminders WHERE contact_email = $1 AND ` + activeStatusesClause
	rem, err := scanReminder(r.db.QueryRow(ctx, query, domain.NormalizeEmail(contactEmail)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find active reminder", err)
	}
	return rem, nil
}

// ClaimDue abandons stale leases that used up their attempts, then leases
// up to req.Limit eligible reminders. Rows locked by a concurrent claimer
// are skipped, so two dispatchers never receive the same reminder.
func (r *Repository) ClaimDue(ctx context.Context, req reminders.ClaimRequest) ([]*domain.Reminder, error) {
	var claimed []*domain.Reminder

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		abandon := `
			UPDATE reminders
			SET status = 'abandoned', last_error = $3, lock_owner = '', lock_expires_at = NULL
			WHERE status = 'sending' AND lock_expires_at < $1 AND attempt_count >= $2
		`
		tag, err := tx.Exec(ctx, abandon, req.Now, r.policy.MaxAttempts, domain.ReasonLeaseExpired)
		if err != nil {
			return fmt.Errorf("abandon expired leases: %w", err)
		}
		if n := tag.RowsAffected(); n > 0 {
			reminders.RecordLeaseExpired(n)
		}

		claim := `
			WITH due AS (
				SELECT id FROM reminders
				WHERE (status IN ('queued', 'failed') AND next_attempt_at <= $1)
				   OR (status = 'sending' AND lock_expires_at < $1 AND attempt_count < $2)
				ORDER BY priority, next_attempt_at, id
				LIMIT $3
				FOR UPDATE SKIP LOCKED
			)
			UPDATE reminders AS r
			SET status = 'sending',
				lock_owner = $4,
				lock_expires_at = $5,
				attempt_count = r.attempt_count + 1,
				idempotency_key = r.id || '-' || (r.attempt_count + 1)::text
			FROM due
			WHERE r.id = due.id
			RETURNING ` + prefixed("r.", reminderColumns)

		rows, err := tx.Query(ctx, claim, req.Now, r.policy.MaxAttempts, req.Limit, req.Owner, req.Now.Add(req.Lease))
		if err != nil {
			return fmt.Errorf("claim reminders: %w", err)
		}
		claimed, err = collectReminders(rows)
		return err
	})
	if err != nil {
		return nil, wrapErr("claim due", err)
	}

	reminders.SortForDispatch(claimed)
	return claimed, nil
}

// RecordOutcome applies a delivery outcome under a row lock.
func (r *Repository) RecordOutcome(ctx context.Context, id string, outcome reminders.Outcome) (*domain.Reminder, error) {
	return r.mutate(ctx, "record outcome", id, func(rem *domain.Reminder) error {
		return r.policy.Apply(rem, outcome)
	})
}

// Supersede moves an active reminder to a terminal status.
func (r *Repository) Supersede(ctx context.Context, id string, status domain.ReminderStatus, reason string) error {
	_, err := r.mutate(ctx, "supersede", id, func(rem *domain.Reminder) error {
		return reminders.Supersede(rem, status, reason)
	})
	return err
}

// mutate reads a reminder with FOR UPDATE, applies fn and writes back the
// mutable columns. Domain errors from fn are returned unchanged.
func (r *Repository) mutate(ctx context.Context, op, id string, fn func(*domain.Reminder) error) (*domain.Reminder, error) {
	var result *domain.Reminder
	var domainErr error

	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		query := `SELECT ` + reminderColumns + ` FROM reminders WHERE id = $1 FOR UPDATE`
		rem, err := scanReminder(tx.QueryRow(ctx, query, id))
		if errors.Is(err, pgx.ErrNoRows) {
			domainErr = reminders.ErrReminderNotFound
			return nil
		}
		if err != nil {
			return err
		}

		if err := fn(rem); err != nil {
			domainErr = err
			return nil
		}

		update := `
			UPDATE reminders
			SET status = $2, next_attempt_at = $3, lock_owner = $4, lock_expires_at = $5,
				attempt_count = $6, last_error = $7, idempotency_key = $8, sent_keys = $9,
				sent_at = $10
			WHERE id = $1
		`
		if _, err := tx.Exec(ctx, update,
			rem.ID,
			rem.Status,
			rem.NextAttemptAt,
			rem.LockOwner,
			rem.LockExpiresAt,
			rem.AttemptCount,
			rem.LastError,
			rem.IdempotencyKey,
			sentKeys(rem.SentKeys),
			rem.SentAt,
		); err != nil {
			return err
		}
		result = rem
		return nil
	})
	if err != nil {
		return nil, wrapErr(op, err)
	}
	if domainErr != nil {
		return nil, domainErr
	}
	return result, nil
}

// List returns reminders matching the filter, newest first.
func (r *Repository) List(ctx context.Context, filter reminders.ListFilter) ([]*domain.Reminder, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		args = append(args, filter.Status)
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ContactEmail != "" {
		args = append(args, domain.NormalizeEmail(filter.ContactEmail))
		conditions = append(conditions, fmt.Sprintf("contact_email = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = reminders.DefaultListLimit
	}
	args = append(args, limit)

	query := `SELECT ` + reminderColumns + ` FROM reminders`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, id LIMIT $%d`, len(args))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("list reminders", err)
	}
	items, err := collectReminders(rows)
	if err != nil {
		return nil, wrapErr("list reminders", err)
	}
	return items, nil
}

// Stats returns reminder counts by status.
func (r *Repository) Stats(ctx context.Context) (*reminders.QueueStats, error) {
	rows, err := r.db.Query(ctx, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
	if err != nil {
		return nil, wrapErr("reminder stats", err)
	}
	defer rows.Close()

	stats := &reminders.QueueStats{}
	for rows.Next() {
		var status domain.ReminderStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapErr("scan reminder stats", err)
		}
		stats.Add(status, count)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate reminder stats", err)
	}
	return stats, nil
}

// GetContact retrieves a contact by email.
func (r *Repository) GetContact(ctx context.Context, email string) (*domain.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE email = $1`
	contact, err := scanContact(r.db.QueryRow(ctx, query, domain.NormalizeEmail(email)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reminders.ErrContactNotFound
	}
	if err != nil {
		return nil, wrapErr("get contact", err)
	}
	return contact, nil
}

// UpsertContact merges activity into a contact. Timestamps only move forward.
func (r *Repository) UpsertContact(ctx context.Context, activity domain.ContactActivity, at time.Time) (*domain.Contact, error) {
	inbound := nullTime(activity.InboundAt)
	outbound := nullTime(activity.OutboundAt)
	meeting := nullTime(activity.MeetingAt)

	query := `
		INSERT INTO contacts (email, name, last_inbound_at, last_outbound_at, last_meeting_at, last_activity_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, GREATEST($3, $4, $5), $6, $6)
		ON CONFLICT (email) DO UPDATE SET
			name             = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE contacts.name END,
			last_inbound_at  = GREATEST(contacts.last_inbound_at, EXCLUDED.last_inbound_at),
			last_outbound_at = GREATEST(contacts.last_outbound_at, EXCLUDED.last_outbound_at),
			last_meeting_at  = GREATEST(contacts.last_meeting_at, EXCLUDED.last_meeting_at),
			last_activity_at = GREATEST(contacts.last_activity_at, EXCLUDED.last_activity_at),
			updated_at       = EXCLUDED.updated_at
		RETURNING ` + contactColumns

	contact, err := scanContact(r.db.QueryRow(ctx, query,
		domain.NormalizeEmail(activity.Email),
		strings.TrimSpace(activity.Name),
		inbound,
		outbound,
		meeting,
		at,
	))
	if err != nil {
		return nil, wrapErr("upsert contact", err)
	}
	return contact, nil
}

// EnqueueEvents stores events, ignoring ids already present for the source.
func (r *Repository) EnqueueEvents(ctx context.Context, source string, events []domain.Event, at time.Time) (int, error) {
	batch := &pgx.Batch{}
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("encode event %s: %w", ev.EventID(), err)
		}
		batch.Queue(`
			INSERT INTO inbox_events (source, id, kind, contact_email, occurred_at, payload, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (source, id) DO NOTHING
		`, source, ev.EventID(), ev.Kind(), domain.NormalizeEmail(ev.Contact()), ev.OccurredAt(), payload, at)
	}

	results := r.db.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	inserted := 0
	for range events {
		tag, err := results.Exec()
		if err != nil {
			return inserted, wrapErr("enqueue events", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ClaimEvents leases pending events of a source, oldest first.
func (r *Repository) ClaimEvents(ctx context.Context, source string, req reminders.ClaimRequest) ([]domain.Event, error) {
	query := `
		WITH pending AS (
			SELECT source, id FROM inbox_events
			WHERE source = $1 AND processed_at IS NULL
			  AND (lock_expires_at IS NULL OR lock_expires_at < $2)
			ORDER BY occurred_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE inbox_events AS e
		SET lock_owner = $4, lock_expires_at = $5
		FROM pending
		WHERE e.source = pending.source AND e.id = pending.id
		RETURNING e.kind, e.payload, e.occurred_at, e.id
	`
	rows, err := r.db.Query(ctx, query, source, req.Now, req.Limit, req.Owner, req.Now.Add(req.Lease))
	if err != nil {
		return nil, wrapErr("claim events", err)
	}
	defer rows.Close()

	var events []domain.Event
	for rows.Next() {
		var (
			kind       domain.EventKind
			payload    []byte
			occurredAt time.Time
			id         string
		)
		if err := rows.Scan(&kind, &payload, &occurredAt, &id); err != nil {
			return nil, wrapErr("scan event", err)
		}
		ev, err := domain.DecodeEvent(kind, payload)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", id, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("iterate events", err)
	}

	// UPDATE ... RETURNING does not keep the CTE order.
	slices.SortStableFunc(events, func(a, b domain.Event) int {
		if c := a.OccurredAt().Compare(b.OccurredAt()); c != 0 {
			return c
		}
		return strings.Compare(a.EventID(), b.EventID())
	})
	return events, nil
}

// AckEvents marks events leased by owner as processed.
func (r *Repository) AckEvents(ctx context.Context, owner string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE inbox_events
		SET processed_at = $3, lock_owner = '', lock_expires_at = NULL
		WHERE lock_owner = $1 AND id = ANY($2) AND processed_at IS NULL
	`
	if _, err := r.db.Exec(ctx, query, owner, ids, at); err != nil {
		return wrapErr("ack events", err)
	}
	return nil
}

func scanReminder(row pgx.Row) (*domain.Reminder, error) {
	var rem domain.Reminder
	err := row.Scan(
		&rem.ID,
		&rem.ContactEmail,
		&rem.ContactName,
		&rem.Type,
		&rem.Priority,
		&rem.Status,
		&rem.NextAttemptAt,
		&rem.LockOwner,
		&rem.LockExpiresAt,
		&rem.AttemptCount,
		&rem.LastError,
		&rem.IdempotencyKey,
		&rem.SentKeys,
		&rem.Payload.Subject,
		&rem.Payload.Preview,
		&rem.Payload.DeepLink,
		&rem.Payload.FallbackQuery,
		&rem.CreatedAt,
		&rem.SentAt,
	)
	if err != nil {
		return nil, err
	}
	if rem.SentKeys == nil {
		rem.SentKeys = []string{}
	}
	return &rem, nil
}

func collectReminders(rows pgx.Rows) ([]*domain.Reminder, error) {
	defer rows.Close()

	var items []*domain.Reminder
	for rows.Next() {
		rem, err := scanReminder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		items = append(items, rem)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminders: %w", err)
	}
	return items, nil
}

func scanContact(row pgx.Row) (*domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(
		&c.Email,
		&c.Name,
		&c.LastInboundAt,
		&c.LastOutboundAt,
		&c.LastMeetingAt,
		&c.LastActivityAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = prefix + p
	}
	return strings.Join(parts, ", ")
}

func sentKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// wrapErr marks connection-level failures as store unavailability so the
// current cycle is aborted rather than retried row by row.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			return reminders.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if pgconn.Timeout(err) || isConnectError(err) {
		return reminders.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isConnectError(err error) bool {
	var connectErr *pgconn.ConnectError
	return errors.As(err, &connectErr) || errors.Is(err, pgx.ErrTxClosed) || strings.Contains(err.Error(), "conn closed")
}
