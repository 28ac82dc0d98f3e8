// Package sqlite provides a single-file SQLite implementation of the
// reminder, contact and inbox stores for local use and tests.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bissquit/followup/internal/domain"
	"github.com/bissquit/followup/internal/reminders"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	reminderColumns = `id, contact_email, contact_name, type, priority, status, next_attempt_at, lock_owner, lock_expires_at, attempt_count, last_error, idempotency_key, sent_keys, subject, preview, deep_link, fallback_query, created_at, sent_at`
	contactColumns  = `email, name, last_inbound_at, last_outbound_at, last_meeting_at, last_activity_at, created_at, updated_at`
)

// Store implements reminders.Store, reminders.ContactStore and
// reminders.InboxStore on SQLite.
type Store struct {
	db     *sql.DB
	policy reminders.RetryPolicy
}

// Open opens (or creates) the database file at path and runs pending
// migrations. Pass ":memory:" for an in-memory database.
func Open(path string, policy reminders.RetryPolicy) (*Store, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		// Writers take the lock when the transaction starts, so two
		// processes never both read a row as claimable.
		dsn = path + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode = WAL", "PRAGMA foreign_keys = ON"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &Store{db: db, policy: policy}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DBStats returns connection pool statistics.
func (s *Store) DBStats() sql.DBStats {
	return s.db.Stats()
}

// migrate applies embedded migrations that have not been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		err = s.inTx(context.Background(), func(tx *sql.Tx) error {
			if _, err := tx.Exec(string(content)); err != nil {
				return fmt.Errorf("applying migration %d: %w", version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
				return fmt.Errorf("recording migration %d: %w", version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	return nil
}

// Insert creates a new reminder.
func (s *Store) Insert(ctx context.Context, rem *domain.Reminder) error {
	keys, err := encodeKeys(rem.SentKeys)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reminders (`+reminderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rem.ID,
		domain.NormalizeEmail(rem.ContactEmail),
		rem.ContactName,
		string(rem.Type),
		rem.Priority,
		string(rem.Status),
		toMillis(rem.NextAttemptAt),
		rem.LockOwner,
		nullMillis(rem.LockExpiresAt),
		rem.AttemptCount,
		rem.LastError,
		rem.IdempotencyKey,
		keys,
		rem.Payload.Subject,
		rem.Payload.Preview,
		rem.Payload.DeepLink,
		rem.Payload.FallbackQuery,
		toMillis(rem.CreatedAt),
		nullMillis(rem.SentAt),
	)
	if err != nil {
		msg := err.Error()
		switch {
		case strings.Contains(msg, "UNIQUE constraint failed: reminders.contact_email"):
			return reminders.ErrActiveReminderExists
		case strings.Contains(msg, "UNIQUE constraint failed: reminders.id"):
			return reminders.ErrDuplicateKey
		}
		return wrapErr("insert reminder", err)
	}
	return nil
}

// Get retrieves a reminder by ID.
func (s *Store) Get(ctx context.Context, id string) (*domain.Reminder, error) {
	rem, err := scanReminder(s.db.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminders.ErrReminderNotFound
	}
	if err != nil {
		return nil, wrapErr("get reminder", err)
	}
	return rem, nil
}

// FindActiveByContact returns the contact's active reminder or nil.
func (s *Store) FindActiveByContact(ctx context.Context, contactEmail string) (*domain.Reminder, error) {
	rem, err := scanReminder(s.db.QueryRowContext(ctx, `
		SELECT `+reminderColumns+` FROM reminders
		WHERE contact_email = ? AND status IN ('queued', 'sending', 'failed')`,
		domain.NormalizeEmail(contactEmail),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrapErr("find active reminder", err)
	}
	return rem, nil
}

// ClaimDue abandons stale leases without attempts left, then leases up to
// req.Limit eligible reminders inside one write transaction.
func (s *Store) ClaimDue(ctx context.Context, req reminders.ClaimRequest) ([]*domain.Reminder, error) {
	now := toMillis(req.Now)
	var claimed []*domain.Reminder

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE reminders
			SET status = 'abandoned', last_error = ?, lock_owner = '', lock_expires_at = NULL
			WHERE status = 'sending' AND lock_expires_at < ? AND attempt_count >= ?`,
			domain.ReasonLeaseExpired, now, s.policy.MaxAttempts,
		)
		if err != nil {
			return fmt.Errorf("abandon expired leases: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reminders.RecordLeaseExpired(n)
		}

		rows, err := tx.QueryContext(ctx, `
			SELECT `+reminderColumns+` FROM reminders
			WHERE (status IN ('queued', 'failed') AND next_attempt_at <= ?)
			   OR (status = 'sending' AND lock_expires_at < ? AND attempt_count < ?)
			ORDER BY priority, next_attempt_at, id
			LIMIT ?`,
			now, now, s.policy.MaxAttempts, req.Limit,
		)
		if err != nil {
			return fmt.Errorf("select due reminders: %w", err)
		}
		due, err := collectReminders(rows)
		if err != nil {
			return err
		}

		for _, rem := range due {
			if !reminders.Claimable(rem, req.Now) {
				continue
			}
			prev := rem.Clone()
			reminders.Claim(rem, req.Owner, req.Now, req.Lease)
			ok, err := writeBack(ctx, tx, prev, rem)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, rem)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("claim due", err)
	}

	reminders.SortForDispatch(claimed)
	return claimed, nil
}

// RecordOutcome applies a delivery outcome.
func (s *Store) RecordOutcome(ctx context.Context, id string, outcome reminders.Outcome) (*domain.Reminder, error) {
	return s.mutate(ctx, "record outcome", id, func(rem *domain.Reminder) error {
		return s.policy.Apply(rem, outcome)
	})
}

// Supersede moves an active reminder to a terminal status.
func (s *Store) Supersede(ctx context.Context, id string, status domain.ReminderStatus, reason string) error {
	_, err := s.mutate(ctx, "supersede", id, func(rem *domain.Reminder) error {
		return reminders.Supersede(rem, status, reason)
	})
	return err
}

func (s *Store) mutate(ctx context.Context, op, id string, fn func(*domain.Reminder) error) (*domain.Reminder, error) {
	var result *domain.Reminder
	var domainErr error

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rem, err := scanReminder(tx.QueryRowContext(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			domainErr = reminders.ErrReminderNotFound
			return nil
		}
		if err != nil {
			return err
		}

		prev := rem.Clone()
		if err := fn(rem); err != nil {
			domainErr = err
			return nil
		}

		ok, err := writeBack(ctx, tx, prev, rem)
		if err != nil {
			return err
		}
		if !ok {
			domainErr = reminders.ErrLeaseLost
			return nil
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

// writeBack stores the mutable columns of rem if the row still matches prev.
func writeBack(ctx context.Context, tx *sql.Tx, prev, rem *domain.Reminder) (bool, error) {
	keys, err := encodeKeys(rem.SentKeys)
	if err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE reminders
		SET status = ?, next_attempt_at = ?, lock_owner = ?, lock_expires_at = ?, attempt_count = ?,
			last_error = ?, idempotency_key = ?, sent_keys = ?, sent_at = ?
		WHERE id = ? AND status = ? AND attempt_count = ? AND lock_owner = ?`,
		string(rem.Status),
		toMillis(rem.NextAttemptAt),
		rem.LockOwner,
		nullMillis(rem.LockExpiresAt),
		rem.AttemptCount,
		rem.LastError,
		rem.IdempotencyKey,
		keys,
		nullMillis(rem.SentAt),
		rem.ID,
		string(prev.Status),
		prev.AttemptCount,
		prev.LockOwner,
	)
	if err != nil {
		return false, fmt.Errorf("update reminder: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update reminder: %w", err)
	}
	return n == 1, nil
}

// List returns reminders matching the filter, newest first.
func (s *Store) List(ctx context.Context, filter reminders.ListFilter) ([]*domain.Reminder, error) {
	var (
		conditions []string
		args       []any
	)
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.ContactEmail != "" {
		conditions = append(conditions, "contact_email = ?")
		args = append(args, domain.NormalizeEmail(filter.ContactEmail))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = reminders.DefaultListLimit
	}

	query := `SELECT ` + reminderColumns + ` FROM reminders`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
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
func (s *Store) Stats(ctx context.Context) (*reminders.QueueStats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
	if err != nil {
		return nil, wrapErr("reminder stats", err)
	}
	defer func() { _ = rows.Close() }()

	stats := &reminders.QueueStats{}
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, wrapErr("scan reminder stats", err)
		}
		stats.Add(domain.ReminderStatus(status), count)
	}
	return stats, rows.Err()
}

// GetContact retrieves a contact by email.
func (s *Store) GetContact(ctx context.Context, email string) (*domain.Contact, error) {
	c, err := scanContact(s.db.QueryRowContext(ctx, `SELECT `+contactColumns+` FROM contacts WHERE email = ?`, domain.NormalizeEmail(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reminders.ErrContactNotFound
	}
	if err != nil {
		return nil, wrapErr("get contact", err)
	}
	return c, nil
}

// UpsertContact merges activity into a contact. Timestamps only move forward.
func (s *Store) UpsertContact(ctx context.Context, activity domain.ContactActivity, at time.Time) (*domain.Contact, error) {
	inbound := nullMillis(timePtr(activity.InboundAt))
	outbound := nullMillis(timePtr(activity.OutboundAt))
	meeting := nullMillis(timePtr(activity.MeetingAt))
	latest := latestMillis(inbound, outbound, meeting)

	// SQLite's multi-argument MAX returns NULL if any argument is NULL,
	// hence the COALESCE around every column.
	c, err := scanContact(s.db.QueryRowContext(ctx, `
		INSERT INTO contacts (`+contactColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (email) DO UPDATE SET
			name             = CASE WHEN excluded.name <> '' THEN excluded.name ELSE contacts.name END,
			last_inbound_at  = NULLIF(MAX(COALESCE(contacts.last_inbound_at, 0), COALESCE(excluded.last_inbound_at, 0)), 0),
			last_outbound_at = NULLIF(MAX(COALESCE(contacts.last_outbound_at, 0), COALESCE(excluded.last_outbound_at, 0)), 0),
			last_meeting_at  = NULLIF(MAX(COALESCE(contacts.last_meeting_at, 0), COALESCE(excluded.last_meeting_at, 0)), 0),
			last_activity_at = NULLIF(MAX(COALESCE(contacts.last_activity_at, 0), COALESCE(excluded.last_activity_at, 0)), 0),
			updated_at       = excluded.updated_at
		RETURNING `+contactColumns,
		domain.NormalizeEmail(activity.Email),
		strings.TrimSpace(activity.Name),
		inbound,
		outbound,
		meeting,
		latest,
		toMillis(at),
		toMillis(at),
	))
	if err != nil {
		return nil, wrapErr("upsert contact", err)
	}
	return c, nil
}

// EnqueueEvents stores events, ignoring ids already present for the source.
func (s *Store) EnqueueEvents(ctx context.Context, source string, events []domain.Event, at time.Time) (int, error) {
	inserted := 0
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, ev := range events {
			payload, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event %s: %w", ev.EventID(), err)
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO inbox_events (source, id, kind, contact_email, occurred_at, payload, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT (source, id) DO NOTHING`,
				source, ev.EventID(), string(ev.Kind()), domain.NormalizeEmail(ev.Contact()),
				toMillis(ev.OccurredAt()), string(payload), toMillis(at),
			)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, wrapErr("enqueue events", err)
	}
	return inserted, nil
}

// ClaimEvents leases pending events of a source, oldest first.
func (s *Store) ClaimEvents(ctx context.Context, source string, req reminders.ClaimRequest) ([]domain.Event, error) {
	now := toMillis(req.Now)
	var events []domain.Event

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			SELECT id, kind, payload FROM inbox_events
			WHERE source = ? AND processed_at IS NULL
			  AND (lock_expires_at IS NULL OR lock_expires_at < ?)
			ORDER BY occurred_at, id
			LIMIT ?`,
			source, now, req.Limit,
		)
		if err != nil {
			return err
		}

		var ids []string
		for rows.Next() {
			var id, kind, payload string
			if err := rows.Scan(&id, &kind, &payload); err != nil {
				_ = rows.Close()
				return err
			}
			ev, err := domain.DecodeEvent(domain.EventKind(kind), []byte(payload))
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("event %s: %w", id, err)
			}
			ids = append(ids, id)
			events = append(events, ev)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE inbox_events SET lock_owner = ?, lock_expires_at = ?
				WHERE source = ? AND id = ?`,
				req.Owner, toMillis(req.Now.Add(req.Lease)), source, id,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("claim events", err)
	}
	return events, nil
}

// AckEvents marks events leased by owner as processed.
func (s *Store) AckEvents(ctx context.Context, owner string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `
				UPDATE inbox_events
				SET processed_at = ?, lock_owner = '', lock_expires_at = NULL
				WHERE lock_owner = ? AND id = ? AND processed_at IS NULL`,
				toMillis(at), owner, id,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("ack events", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReminder(row scanner) (*domain.Reminder, error) {
	var (
		rem                    domain.Reminder
		typ, status            string
		nextAttempt, createdAt int64
		lockExpires, sentAt    sql.NullInt64
		keys                   string
	)
	err := row.Scan(
		&rem.ID,
		&rem.ContactEmail,
		&rem.ContactName,
		&typ,
		&rem.Priority,
		&status,
		&nextAttempt,
		&rem.LockOwner,
		&lockExpires,
		&rem.AttemptCount,
		&rem.LastError,
		&rem.IdempotencyKey,
		&keys,
		&rem.Payload.Subject,
		&rem.Payload.Preview,
		&rem.Payload.DeepLink,
		&rem.Payload.FallbackQuery,
		&createdAt,
		&sentAt,
	)
	if err != nil {
		return nil, err
	}

	rem.Type = domain.ReminderType(typ)
	rem.Status = domain.ReminderStatus(status)
	rem.NextAttemptAt = fromMillis(nextAttempt)
	rem.CreatedAt = fromMillis(createdAt)
	rem.LockExpiresAt = fromNullMillis(lockExpires)
	rem.SentAt = fromNullMillis(sentAt)

	if err := json.Unmarshal([]byte(keys), &rem.SentKeys); err != nil {
		return nil, fmt.Errorf("decode sent keys of %s: %w", rem.ID, err)
	}
	if rem.SentKeys == nil {
		rem.SentKeys = []string{}
	}
	return &rem, nil
}

func collectReminders(rows *sql.Rows) ([]*domain.Reminder, error) {
	defer func() { _ = rows.Close() }()

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

func scanContact(row scanner) (*domain.Contact, error) {
	var (
		c                                  domain.Contact
		inbound, outbound, meeting, latest sql.NullInt64
		createdAt, updatedAt               int64
	)
	if err := row.Scan(&c.Email, &c.Name, &inbound, &outbound, &meeting, &latest, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.LastInboundAt = fromNullMillis(inbound)
	c.LastOutboundAt = fromNullMillis(outbound)
	c.LastMeetingAt = fromNullMillis(meeting)
	c.LastActivityAt = fromNullMillis(latest)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return &c, nil
}

func encodeKeys(sentKeys []string) (string, error) {
	keys, err := json.Marshal(nonNil(sentKeys))
	if err != nil {
		return "", fmt.Errorf("encode sent keys: %w", err)
	}
	return string(keys), nil
}

func nonNil(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func latestMillis(values ...sql.NullInt64) sql.NullInt64 {
	var out sql.NullInt64
	for _, v := range values {
		if v.Valid && (!out.Valid || v.Int64 > out.Int64) {
			out = v
		}
	}
	return out
}

// wrapErr marks failures that leave the database unusable as store
// unavailability.
func wrapErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := err.Error()
	if errors.Is(err, sql.ErrConnDone) ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "unable to open database") ||
		strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "sql: database is closed") {
		return reminders.Unavailable(op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
