// Package outbox drains persisted send-now work items into the mail
// gateway. Every item references a history record by id; the worker
// re-renders the message from the record's pinned template so a retry days
// later still produces the body the trainee was meant to get.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Work item states.
const (
	StatusPending = "PENDING"
	StatusSent    = "SENT"
	StatusFailed  = "FAILED"
)

// Message is one persisted send-now work item.
type Message struct {
	ID             int64          `db:"id"`
	NotificationID string         `db:"notification_id"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	NextAttemptAt  time.Time      `db:"next_attempt_at"`
	LastError      sql.NullString `db:"last_error"`
	CreatedAt      time.Time      `db:"created_at"`
	ProcessedAt    sql.NullTime   `db:"processed_at"`
}

// Store reads and writes outbox work items.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Store on the given pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Insert upserts a PENDING item for the notification, due immediately.
// Re-inserting an already processed notification re-opens it with a fresh
// attempt budget; that is what a manual resend is.
func (s *Store) Insert(ctx context.Context, notificationID string, now time.Time) error {
	const q = `INSERT INTO outbox_messages
			(notification_id, status, attempts, next_attempt_at, created_at)
		VALUES (?, 'PENDING', 0, ?, UTC_TIMESTAMP(3))
		ON DUPLICATE KEY UPDATE
			status = 'PENDING',
			attempts = 0,
			next_attempt_at = VALUES(next_attempt_at),
			last_error = NULL,
			processed_at = NULL`

	if _, err := s.db.ExecContext(ctx, q, notificationID, now.UTC()); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", notificationID, err)
	}
	return nil
}

// Due returns PENDING items whose next attempt time has passed.
func (s *Store) Due(ctx context.Context, now time.Time, limit int) ([]Message, error) {
	const q = `SELECT id, notification_id, status, attempts, next_attempt_at, last_error, created_at, processed_at
		FROM outbox_messages
		WHERE status = 'PENDING' AND next_attempt_at <= ?
		ORDER BY next_attempt_at LIMIT ?`

	var msgs []Message
	if err := s.db.SelectContext(ctx, &msgs, q, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("outbox: list due: %w", err)
	}
	return msgs, nil
}

// Get returns the item for the notification, or nil.
func (s *Store) Get(ctx context.Context, notificationID string) (*Message, error) {
	const q = `SELECT id, notification_id, status, attempts, next_attempt_at, last_error, created_at, processed_at
		FROM outbox_messages WHERE notification_id = ?`

	var msg Message
	err := s.db.GetContext(ctx, &msg, q, notificationID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbox: get %s: %w", notificationID, err)
	}
	return &msg, nil
}

// MarkSent closes the item after a successful submission.
func (s *Store) MarkSent(ctx context.Context, id int64) error {
	const q = `UPDATE outbox_messages
		SET status = 'SENT', last_error = NULL, processed_at = UTC_TIMESTAMP(3)
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("outbox: mark sent %d: %w", id, err)
	}
	return nil
}

// MarkRetry records a failed attempt and pushes the next one out.
func (s *Store) MarkRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr error) error {
	const q = `UPDATE outbox_messages
		SET attempts = ?, next_attempt_at = ?, last_error = ?
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, attempts, nextAt.UTC(), lastErr.Error(), id); err != nil {
		return fmt.Errorf("outbox: mark retry %d: %w", id, err)
	}
	return nil
}

// MarkFailed closes the item after the attempt budget is exhausted.
func (s *Store) MarkFailed(ctx context.Context, id int64, attempts int, lastErr error) error {
	const q = `UPDATE outbox_messages
		SET status = 'FAILED', attempts = ?, last_error = ?, processed_at = UTC_TIMESTAMP(3)
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, q, attempts, lastErr.Error(), id); err != nil {
		return fmt.Errorf("outbox: mark failed %d: %w", id, err)
	}
	return nil
}
