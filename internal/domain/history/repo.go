package history

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Repository defines the persistence interface for history records.
//
// Lookups that find nothing return (nil, nil); datastore failures are the
// only errors.
type Repository interface {
	// Save writes the record, assigning an id when absent. Saving the same
	// id twice replaces the record.
	Save(ctx context.Context, rec *Record) error
	FindByID(ctx context.Context, id primitive.ObjectID) (*Record, error)
	FindByIDAndPerson(ctx context.Context, id primitive.ObjectID, personID string) (*Record, error)
	// FindAllByPerson returns the person's records newest first.
	FindAllByPerson(ctx context.Context, personID string) ([]Record, error)
	// FindScheduled returns the unique open SCHEDULED record for the
	// logical job, or nil.
	FindScheduled(ctx context.Context, personID, refType, refID, notificationType string) (*Record, error)
	// FindScheduledByRef returns every open SCHEDULED record for the
	// referenced entity and notification type, regardless of recipient.
	FindScheduledByRef(ctx context.Context, refType, refID, notificationType string) ([]Record, error)
	// FindDelivered returns a record for the logical job and channel that
	// already left the open-schedule state (sent, read, archived or
	// failed), or nil.
	FindDelivered(ctx context.Context, personID, refType, refID, notificationType, channel string) (*Record, error)
	// FindScheduledBefore returns SCHEDULED records whose fire time is
	// before the cutoff.
	FindScheduledBefore(ctx context.Context, cutoff time.Time) ([]Record, error)
	// CompareAndSetStatus moves the record from one status to another
	// atomically, maintaining readAt, and returns the updated record. It
	// returns (nil, nil) when the record is missing or no longer in the
	// expected status.
	CompareAndSetStatus(ctx context.Context, id primitive.ObjectID, from, to, detail string, at time.Time) (*Record, error)
	// TouchRetry records an outbox delivery attempt.
	TouchRetry(ctx context.Context, id primitive.ObjectID, at time.Time) error
	// Delete removes the person's record.
	Delete(ctx context.Context, id primitive.ObjectID, personID string) error
}
