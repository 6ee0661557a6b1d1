// Package scheduler persists future notification deliveries in MySQL and
// fires them through a single registered handler. Entries are keyed by job
// id; re-scheduling a job replaces its payload and fire time (last writer
// wins). Claiming an entry flips it PENDING to FIRING atomically, so at most
// one worker fires a given job even with several replicas polling.
package scheduler

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Entry states.
const (
	StatePending = "PENDING"
	StateFiring  = "FIRING"
	StateDone    = "DONE"
)

// Entry is one persisted schedule row.
type Entry struct {
	JobID      string          `db:"job_id"`
	Payload    json.RawMessage `db:"payload"`
	FireAt     time.Time       `db:"fire_at"`
	State      string          `db:"state"`
	WindowSecs int64           `db:"window_secs"`
	LastError  sql.NullString  `db:"last_error"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

// Window returns the entry's acceptable lateness.
func (e Entry) Window() time.Duration {
	return time.Duration(e.WindowSecs) * time.Second
}

// Store reads and writes schedule entries.
type Store struct {
	db *sqlx.DB
}

// NewStore creates a Store on the given pool.
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Schedule upserts a PENDING entry for the job. An existing entry with the
// same job id is replaced regardless of its state, so a finished job can be
// scheduled again.
func (s *Store) Schedule(ctx context.Context, jobID string, payload any, fireAt time.Time, window time.Duration) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("scheduler: marshal payload for %s: %w", jobID, err)
	}

	const q = `INSERT INTO schedule_jobs
			(job_id, payload, fire_at, state, window_secs, created_at, updated_at)
		VALUES (?, ?, ?, 'PENDING', ?, UTC_TIMESTAMP(3), UTC_TIMESTAMP(3))
		ON DUPLICATE KEY UPDATE
			payload = VALUES(payload),
			fire_at = VALUES(fire_at),
			window_secs = VALUES(window_secs),
			state = 'PENDING',
			last_error = NULL,
			updated_at = UTC_TIMESTAMP(3)`

	if _, err := s.db.ExecContext(ctx, q, jobID, body, fireAt.UTC(), int64(window/time.Second)); err != nil {
		return fmt.Errorf("scheduler: schedule %s: %w", jobID, err)
	}
	return nil
}

// Remove deletes the job's entry while it is still PENDING. Removing a fired
// or unknown job is a no-op.
func (s *Store) Remove(ctx context.Context, jobID string) error {
	const q = `DELETE FROM schedule_jobs WHERE job_id = ? AND state = 'PENDING'`
	if _, err := s.db.ExecContext(ctx, q, jobID); err != nil {
		return fmt.Errorf("scheduler: remove %s: %w", jobID, err)
	}
	return nil
}

// Pending reports whether the job has an open entry (PENDING or mid-fire).
func (s *Store) Pending(ctx context.Context, jobID string) (bool, error) {
	const q = `SELECT COUNT(*) FROM schedule_jobs WHERE job_id = ? AND state IN ('PENDING', 'FIRING')`
	var n int
	if err := s.db.GetContext(ctx, &n, q, jobID); err != nil {
		return false, fmt.Errorf("scheduler: check %s: %w", jobID, err)
	}
	return n > 0, nil
}

// ListPending returns all PENDING entries ordered by fire time.
func (s *Store) ListPending(ctx context.Context) ([]Entry, error) {
	const q = `SELECT job_id, payload, fire_at, state, window_secs, last_error, created_at, updated_at
		FROM schedule_jobs WHERE state = 'PENDING' ORDER BY fire_at`
	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, q); err != nil {
		return nil, fmt.Errorf("scheduler: list pending: %w", err)
	}
	return entries, nil
}

// due returns PENDING entries whose fire time has passed.
func (s *Store) due(ctx context.Context, now time.Time, limit int) ([]Entry, error) {
	const q = `SELECT job_id, payload, fire_at, state, window_secs, last_error, created_at, updated_at
		FROM schedule_jobs WHERE state = 'PENDING' AND fire_at <= ? ORDER BY fire_at LIMIT ?`
	var entries []Entry
	if err := s.db.SelectContext(ctx, &entries, q, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("scheduler: list due: %w", err)
	}
	return entries, nil
}

// claim flips the entry PENDING to FIRING. It returns false when another
// worker claimed the job first or the entry was replaced meanwhile.
func (s *Store) claim(ctx context.Context, jobID string) (bool, error) {
	const q = `UPDATE schedule_jobs SET state = 'FIRING', updated_at = UTC_TIMESTAMP(3)
		WHERE job_id = ? AND state = 'PENDING'`
	res, err := s.db.ExecContext(ctx, q, jobID)
	if err != nil {
		return false, fmt.Errorf("scheduler: claim %s: %w", jobID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("scheduler: claim %s: %w", jobID, err)
	}
	return n == 1, nil
}

// complete marks a FIRING entry DONE, recording the handler failure if any.
// When the entry was re-scheduled while firing it stays PENDING untouched.
func (s *Store) complete(ctx context.Context, jobID string, fireErr error) error {
	var lastError sql.NullString
	if fireErr != nil {
		lastError = sql.NullString{String: fireErr.Error(), Valid: true}
	}

	const q = `UPDATE schedule_jobs SET state = 'DONE', last_error = ?, updated_at = UTC_TIMESTAMP(3)
		WHERE job_id = ? AND state = 'FIRING'`
	if _, err := s.db.ExecContext(ctx, q, lastError, jobID); err != nil {
		return fmt.Errorf("scheduler: complete %s: %w", jobID, err)
	}
	return nil
}

// recoverStuck returns FIRING entries older than the cutoff to PENDING.
// Such entries belong to workers that crashed mid-fire; re-running them is
// safe because fire handlers are idempotent on (jobID, fireAt).
func (s *Store) recoverStuck(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `UPDATE schedule_jobs SET state = 'PENDING', updated_at = UTC_TIMESTAMP(3)
		WHERE state = 'FIRING' AND updated_at < ?`
	res, err := s.db.ExecContext(ctx, q, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("scheduler: recover stuck entries: %w", err)
	}
	return res.RowsAffected()
}
