package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when an email id has no record.
	ErrNotFound = errors.New("email not found")
	// ErrNotClaimable is returned when a claim loses the compare-and-swap:
	// the email is terminal, exhausted, or leased by another worker.
	ErrNotClaimable = errors.New("email not claimable")
	// ErrStaleState is returned when a status update finds the row no longer
	// in the state the caller committed it to.
	ErrStaleState = errors.New("email state changed underneath update")
)

const emailColumns = `
	id, message_id, COALESCE(api_key_id::text, ''),
	to_email, from_email, COALESCE(from_name, ''), subject,
	COALESCE(body_html, ''), COALESCE(body_text, ''), COALESCE(reply_to, ''),
	status, attempts, max_attempts, COALESCE(last_error, ''),
	metadata, tags,
	created_at, queued_at, sent_at, delivered_at, failed_at, lease_expires_at`

// Store is the durable record of emails and their append-only event log,
// backed by Postgres. Every mutation commits the status change and its paired
// event in a single transaction.
type Store struct {
	pool *pgxpool.Pool
}

// New builds a Store on top of an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func scanEmail(row pgx.Row) (*Email, error) {
	var e Email
	err := row.Scan(
		&e.ID, &e.MessageID, &e.APIKeyID,
		&e.To, &e.From, &e.FromName, &e.Subject,
		&e.BodyHTML, &e.BodyText, &e.ReplyTo,
		&e.Status, &e.Attempts, &e.MaxAttempts, &e.LastError,
		&e.Metadata, &e.Tags,
		&e.CreatedAt, &e.QueuedAt, &e.SentAt, &e.DeliveredAt, &e.FailedAt, &e.LeaseExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

// CreateEmail inserts a new email in status queued together with its created
// event, in one transaction.
func (s *Store) CreateEmail(ctx context.Context, e *Email) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.emails(
			id, message_id, api_key_id, to_email, from_email, from_name,
			subject, body_html, body_text, reply_to,
			status, attempts, max_attempts, metadata, tags, created_at)
		VALUES ($1,$2,NULLIF($3,'')::uuid,$4,$5,NULLIF($6,''),
			$7,NULLIF($8,''),NULLIF($9,''),NULLIF($10,''),
			'queued',0,$11,$12,$13,now())`,
		e.ID, e.MessageID, e.APIKeyID, e.To, e.From, e.FromName,
		e.Subject, e.BodyHTML, e.BodyText, e.ReplyTo,
		e.MaxAttempts, e.Metadata, e.Tags,
	)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type, details)
		VALUES ($1, $2, $3)`,
		e.ID, EventCreated, map[string]any{"source": "api"},
	)
	if err != nil {
		return fmt.Errorf("insert created event: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkQueued stamps queued_at and appends the queued event after the work
// item has been published.
func (s *Store) MarkQueued(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE postroom.emails
		SET queued_at = COALESCE(queued_at, now())
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update queued_at: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type)
		VALUES ($1, $2)`, id, EventQueued)
	if err != nil {
		return fmt.Errorf("insert queued event: %w", err)
	}

	return tx.Commit(ctx)
}

// GetEmail fetches the authoritative state of one email by id.
func (s *Store) GetEmail(ctx context.Context, id string) (*Email, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+emailColumns+` FROM postroom.emails WHERE id = $1`, id)
	return scanEmail(row)
}

// GetEmailByMessageID fetches one email by its externally visible message id,
// scoped to the owning API key.
func (s *Store) GetEmailByMessageID(ctx context.Context, messageID, apiKeyID string) (*Email, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+emailColumns+`
		 FROM postroom.emails
		 WHERE message_id = $1 AND api_key_id = $2::uuid`, messageID, apiKeyID)
	return scanEmail(row)
}

// ListEmails returns a page of emails for an API key, newest first, with an
// optional status filter, plus the unpaged total.
func (s *Store) ListEmails(ctx context.Context, apiKeyID, status string, limit, offset int) ([]*Email, int, error) {
	var total int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM postroom.emails
		WHERE api_key_id = $1::uuid AND ($2 = '' OR status = $2)`,
		apiKeyID, status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count emails: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+emailColumns+`
		FROM postroom.emails
		WHERE api_key_id = $1::uuid AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4`,
		apiKeyID, status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	var out []*Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// ListEvents returns the full event history of an email in commit order.
// Ordering is by the BIGSERIAL id, not created_at, so events sharing a
// timestamp keep their commit sequence.
func (s *Store) ListEvents(ctx context.Context, emailID string) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email_id, event_type, COALESCE(provider, ''), details, created_at
		FROM postroom.email_events
		WHERE email_id = $1
		ORDER BY id ASC`, emailID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.EmailID, &ev.EventType, &ev.Provider, &ev.Details, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ClaimAttempt is the compare-and-swap that starts one delivery attempt: it
// moves the email out of queued (or reclaims an expired sending lease),
// increments attempts, stamps a fresh lease, and appends the attempt event,
// all in one transaction. Exactly one worker can win the claim; losers get
// ErrNotClaimable and must re-read the row to find out why.
func (s *Store) ClaimAttempt(ctx context.Context, id string, lease time.Duration) (*Email, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		UPDATE postroom.emails
		SET status = 'sending',
		    attempts = attempts + 1,
		    lease_expires_at = now() + make_interval(secs => $2)
		WHERE id = $1
		  AND attempts < max_attempts
		  AND (status = 'queued'
		       OR (status = 'sending' AND lease_expires_at < now()))
		RETURNING `+emailColumns,
		id, lease.Seconds(),
	)
	e, err := scanEmail(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotClaimable
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type, details)
		VALUES ($1, $2, $3)`,
		id, EventAttempt, map[string]any{"attempt": e.Attempts},
	)
	if err != nil {
		return nil, fmt.Errorf("insert attempt event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// MarkSent commits a successful attempt: terminal sent status, sent_at, and
// the paired sent event.
func (s *Store) MarkSent(ctx context.Context, id, provider string, details map[string]any) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE postroom.emails
		SET status = 'sent', sent_at = now(), last_error = NULL, lease_expires_at = NULL
		WHERE id = $1 AND status = 'sending'`, id)
	if err != nil {
		return fmt.Errorf("update sent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleState
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type, provider, details)
		VALUES ($1, $2, $3, $4)`,
		id, EventSent, provider, details,
	)
	if err != nil {
		return fmt.Errorf("insert sent event: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkRetryable commits a failed attempt that still has retries left: back to
// queued, last_error recorded, attempt_failed event appended.
func (s *Store) MarkRetryable(ctx context.Context, id string, attempt int, provider, sendErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	ct, err := tx.Exec(ctx, `
		UPDATE postroom.emails
		SET status = 'queued', last_error = $2, lease_expires_at = NULL
		WHERE id = $1 AND status = 'sending'`, id, sendErr)
	if err != nil {
		return fmt.Errorf("update retryable: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrStaleState
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type, provider, details)
		VALUES ($1, $2, $3, $4)`,
		id, EventAttemptFailed, provider,
		map[string]any{"error": sendErr, "attempt": attempt},
	)
	if err != nil {
		return fmt.Errorf("insert attempt_failed event: %w", err)
	}

	return tx.Commit(ctx)
}

// AppendAttemptFailed records a failed attempt without changing status. Used
// when the failure also exhausts the budget and the terminal transition
// follows immediately.
func (s *Store) AppendAttemptFailed(ctx context.Context, id string, attempt int, provider, sendErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE postroom.emails SET last_error = $2 WHERE id = $1`, id, sendErr); err != nil {
		return fmt.Errorf("update last_error: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type, provider, details)
		VALUES ($1, $2, $3, $4)`,
		id, EventAttemptFailed, provider,
		map[string]any{"error": sendErr, "attempt": attempt},
	)
	if err != nil {
		return fmt.Errorf("insert attempt_failed event: %w", err)
	}

	return tx.Commit(ctx)
}

// MarkFailed commits the terminal failure: failed status, failed_at,
// last_error retained, failed event summarizing total attempts.
func (s *Store) MarkFailed(ctx context.Context, id, provider, lastErr string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts int
	err = tx.QueryRow(ctx, `
		UPDATE postroom.emails
		SET status = 'failed', failed_at = now(), last_error = $2, lease_expires_at = NULL
		WHERE id = $1 AND status NOT IN ('sent', 'failed', 'delivered')
		RETURNING attempts`, id, lastErr,
	).Scan(&attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleState
		}
		return fmt.Errorf("update failed: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO postroom.email_events(email_id, event_type, provider, details)
		VALUES ($1, $2, NULLIF($3, ''), $4)`,
		id, EventFailed, provider,
		map[string]any{"error": lastErr, "attempts": attempts},
	)
	if err != nil {
		return fmt.Errorf("insert failed event: %w", err)
	}

	return tx.Commit(ctx)
}

// DeleteEmail removes an email and its events. The FK has no cascade: cleanup
// is explicit and ordered, events first. Not exercised by the delivery path.
func (s *Store) DeleteEmail(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM postroom.email_events WHERE email_id = $1`, id); err != nil {
		return fmt.Errorf("delete events: %w", err)
	}

	ct, err := tx.Exec(ctx, `DELETE FROM postroom.emails WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete email: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}

	return tx.Commit(ctx)
}

// RecordDeadLetter keeps an audit row for a dead-lettered work item.
// Best-effort from the worker's point of view.
func (s *Store) RecordDeadLetter(ctx context.Context, emailID, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO postroom.dead_letters(email_id, reason)
		VALUES (NULLIF($1, '')::uuid, $2)`, emailID, reason)
	return err
}

// Healthy pings the database. The worker uses it to tell a store outage apart
// from a poison message.
func (s *Store) Healthy(ctx context.Context) error {
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctxPing)
}
