package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ErrMissedWindow is recorded on entries that came due with no acceptable
// lateness left. The reconciliation sweep turns their history rows into
// failures.
var ErrMissedWindow = errors.New("scheduler: fire time missed outside window")

// HandleFunc executes one due job. Implementations must be idempotent on
// (jobID, fireAt): crash recovery can fire the same entry twice.
type HandleFunc func(ctx context.Context, jobID string, payload []byte) error

const (
	defaultPoll  = 10 * time.Second
	defaultBatch = 50
	fireTimeout  = 30 * time.Second
	stuckAfter   = 5 * time.Minute
)

// Worker polls the store and fires due entries.
type Worker struct {
	store    *Store
	handle   HandleFunc
	log      zerolog.Logger
	poll     time.Duration
	batch    int
	now      func() time.Time
	lastBeat atomic.Int64
}

// NewWorker creates a Worker firing due entries through handle.
func NewWorker(store *Store, handle HandleFunc, log zerolog.Logger) *Worker {
	return &Worker{
		store:  store,
		handle: handle,
		log:    log,
		poll:   defaultPoll,
		batch:  defaultBatch,
		now:    time.Now,
	}
}

// Run polls until the context is cancelled. The first tick runs immediately
// so entries missed during downtime are picked up at startup.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		w.tick(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Alive reports whether the worker polled recently. It is false until the
// first tick, so health probes fail during a hung startup.
func (w *Worker) Alive() bool {
	beat := w.lastBeat.Load()
	if beat == 0 {
		return false
	}
	return time.Since(time.Unix(0, beat)) < 3*w.poll
}

func (w *Worker) tick(ctx context.Context) {
	now := w.now().UTC()
	w.lastBeat.Store(now.UnixNano())

	if n, err := w.store.recoverStuck(ctx, now.Add(-stuckAfter)); err != nil {
		w.log.Error().Err(err).Msg("recover stuck schedule entries")
	} else if n > 0 {
		w.log.Warn().Int64("entries", n).Msg("recovered stuck schedule entries")
	}

	entries, err := w.store.due(ctx, now, w.batch)
	if err != nil {
		w.log.Error().Err(err).Msg("list due schedule entries")
		return
	}

	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		w.fire(ctx, e, now)
	}
}

// fire claims and executes one due entry. Entries with a zero window that
// come due further in the past than one poll interval are dropped instead of
// fired; entries with a window are always fired, however late.
func (w *Worker) fire(ctx context.Context, e Entry, now time.Time) {
	claimed, err := w.store.claim(ctx, e.JobID)
	if err != nil {
		w.log.Error().Err(err).Str("job_id", e.JobID).Msg("claim schedule entry")
		return
	}
	if !claimed {
		return
	}

	lateness := now.Sub(e.FireAt)
	if e.WindowSecs == 0 && lateness > w.poll {
		w.log.Warn().
			Str("job_id", e.JobID).
			Dur("lateness", lateness).
			Msg("dropping schedule entry fired outside window")
		w.completeEntry(ctx, e.JobID, ErrMissedWindow)
		return
	}

	fctx, cancel := context.WithTimeout(ctx, fireTimeout)
	err = w.handle(fctx, e.JobID, e.Payload)
	cancel()

	if err != nil {
		w.log.Error().Err(err).Str("job_id", e.JobID).Msg("schedule fire failed")
	} else {
		w.log.Info().Str("job_id", e.JobID).Time("fire_at", e.FireAt).Msg("schedule fired")
	}
	w.completeEntry(ctx, e.JobID, err)
}

func (w *Worker) completeEntry(ctx context.Context, jobID string, fireErr error) {
	if err := w.store.complete(ctx, jobID, fireErr); err != nil {
		w.log.Error().Err(err).Str("job_id", jobID).Msg("complete schedule entry")
	}
}
