package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tis/notifications/internal/platform/broadcast"
)

// ErrInvalidTransition is returned when a status change is not permitted
// from the record's current status.
var ErrInvalidTransition = errors.New("history: invalid status transition")

// Service is the only writer of history records. Every mutation emits a
// lifecycle event; broadcast failures are logged and never fail the
// mutation.
type Service struct {
	repo Repository
	pub  broadcast.Publisher
	log  zerolog.Logger
	now  func() time.Time
}

// NewService creates the history service.
func NewService(repo Repository, pub broadcast.Publisher, log zerolog.Logger) *Service {
	return &Service{repo: repo, pub: pub, log: log, now: time.Now}
}

// Save persists the record, assigning an id when absent, and broadcasts it.
func (s *Service) Save(ctx context.Context, rec *Record) (*Record, error) {
	if err := s.repo.Save(ctx, rec); err != nil {
		return nil, err
	}
	s.broadcast(ctx, rec)
	return rec, nil
}

// GetByID returns the record, or nil when unknown.
func (s *Service) GetByID(ctx context.Context, id primitive.ObjectID) (*Record, error) {
	return s.repo.FindByID(ctx, id)
}

// GetForTrainee returns the trainee's record, or nil when the id is unknown
// or owned by someone else.
func (s *Service) GetForTrainee(ctx context.Context, id primitive.ObjectID, personID string) (*Record, error) {
	return s.repo.FindByIDAndPerson(ctx, id, personID)
}

// ListForTrainee returns the trainee's records newest first.
func (s *Service) ListForTrainee(ctx context.Context, personID string) ([]Record, error) {
	return s.repo.FindAllByPerson(ctx, personID)
}

// FindScheduled returns the unique open schedule for the logical job, or
// nil.
func (s *Service) FindScheduled(ctx context.Context, personID, refType, refID, notificationType string) (*Record, error) {
	return s.repo.FindScheduled(ctx, personID, refType, refID, notificationType)
}

// ScheduledByRef returns every open schedule for the referenced entity and
// notification type, regardless of recipient.
func (s *Service) ScheduledByRef(ctx context.Context, refType, refID, notificationType string) ([]Record, error) {
	return s.repo.FindScheduledByRef(ctx, refType, refID, notificationType)
}

// Delivered returns a record for the logical job and channel that already
// left the open-schedule state, or nil. Planners use it to avoid repeating
// a notification that was already sent, read or failed.
func (s *Service) Delivered(ctx context.Context, personID, refType, refID, notificationType, channel string) (*Record, error) {
	return s.repo.FindDelivered(ctx, personID, refType, refID, notificationType, channel)
}

// ScheduledBefore returns SCHEDULED records due before the cutoff; the
// reconciliation sweep compares them against open scheduler entries.
func (s *Service) ScheduledBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	return s.repo.FindScheduledBefore(ctx, cutoff)
}

// TouchRetry stamps the record's last outbox attempt.
func (s *Service) TouchRetry(ctx context.Context, id primitive.ObjectID) error {
	return s.repo.TouchRetry(ctx, id, s.now().UTC())
}

// UpdateStatus transitions the record, returning the updated record. A
// repeated status is an idempotent no-op. Unknown ids yield (nil, nil).
func (s *Service) UpdateStatus(ctx context.Context, id primitive.ObjectID, to, detail string) (*Record, error) {
	rec, err := s.repo.FindByID(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.transition(ctx, rec, to, detail)
}

// UpdateStatusForTrainee is UpdateStatus scoped to records the trainee owns.
func (s *Service) UpdateStatusForTrainee(ctx context.Context, id primitive.ObjectID, personID, to string) (*Record, error) {
	rec, err := s.repo.FindByIDAndPerson(ctx, id, personID)
	if err != nil || rec == nil {
		return nil, err
	}
	return s.transition(ctx, rec, to, "")
}

func (s *Service) transition(ctx context.Context, rec *Record, to, detail string) (*Record, error) {
	if rec.Status == to {
		return rec, nil
	}
	if !CanTransition(rec.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, rec.Status, to)
	}

	updated, err := s.repo.CompareAndSetStatus(ctx, rec.ID, rec.Status, to, detail, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if updated == nil {
		// Lost a race. A concurrent identical transition still counts as
		// done; anything else is a conflict.
		cur, err := s.repo.FindByID(ctx, rec.ID)
		if err != nil || cur == nil {
			return cur, err
		}
		if cur.Status == to {
			return cur, nil
		}
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur.Status, to)
	}

	s.broadcast(ctx, updated)
	return updated, nil
}

// Delete removes the trainee's record, emitting a synthetic DELETED event
// with an emptied template before removal.
func (s *Service) Delete(ctx context.Context, id primitive.ObjectID, personID string) error {
	rec, err := s.repo.FindByIDAndPerson(ctx, id, personID)
	if err != nil || rec == nil {
		return err
	}

	tombstone := *rec
	tombstone.Status = StatusDeleted
	tombstone.StatusDetail = ""
	tombstone.SentAt = s.now().UTC()
	tombstone.Template = Template{}
	s.broadcast(ctx, &tombstone)

	return s.repo.Delete(ctx, id, personID)
}

func (s *Service) broadcast(ctx context.Context, rec *Record) {
	if err := s.pub.Publish(ctx, rec.ID.Hex(), rec.Status, rec); err != nil {
		s.log.Error().Err(err).
			Str("history_id", rec.ID.Hex()).
			Str("status", rec.Status).
			Msg("lifecycle broadcast failed")
	}
}
