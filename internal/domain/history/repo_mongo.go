package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection is the Mongo collection holding history records.
const Collection = "History"

type repoMongo struct {
	coll *mongo.Collection
}

// NewRepository creates the Mongo-backed Repository.
func NewRepository(db *mongo.Database) Repository {
	return &repoMongo{coll: db.Collection(Collection)}
}

// EnsureIndexes creates the indexes the read paths depend on: the trainee
// listing, the unique-open-schedule lookup, and the orphan sweep.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(Collection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "recipient.id", Value: 1}}},
		{Keys: bson.D{
			{Key: "recipient.id", Value: 1},
			{Key: "tisReference.type", Value: 1},
			{Key: "tisReference.id", Value: 1},
			{Key: "type", Value: 1},
			{Key: "status", Value: 1},
		}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "sentAt", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("history: create indexes: %w", err)
	}
	return nil
}

func (r *repoMongo) Save(ctx context.Context, rec *Record) error {
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.coll.ReplaceOne(ctx, bson.M{"_id": rec.ID}, rec, opts); err != nil {
		return fmt.Errorf("history: save %s: %w", rec.ID.Hex(), err)
	}
	return nil
}

func (r *repoMongo) FindByID(ctx context.Context, id primitive.ObjectID) (*Record, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *repoMongo) FindByIDAndPerson(ctx context.Context, id primitive.ObjectID, personID string) (*Record, error) {
	return r.findOne(ctx, bson.M{"_id": id, "recipient.id": personID})
}

func (r *repoMongo) findOne(ctx context.Context, filter bson.M) (*Record, error) {
	var rec Record
	err := r.coll.FindOne(ctx, filter).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: find: %w", err)
	}
	return &rec, nil
}

func (r *repoMongo) FindAllByPerson(ctx context.Context, personID string) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "sentAt", Value: -1}})
	cur, err := r.coll.Find(ctx, bson.M{"recipient.id": personID}, opts)
	if err != nil {
		return nil, fmt.Errorf("history: list for %s: %w", personID, err)
	}

	var recs []Record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("history: decode list for %s: %w", personID, err)
	}
	return recs, nil
}

func (r *repoMongo) FindScheduled(ctx context.Context, personID, refType, refID, notificationType string) (*Record, error) {
	return r.findOne(ctx, bson.M{
		"recipient.id":      personID,
		"tisReference.type": refType,
		"tisReference.id":   refID,
		"type":              notificationType,
		"status":            StatusScheduled,
	})
}

func (r *repoMongo) FindScheduledByRef(ctx context.Context, refType, refID, notificationType string) ([]Record, error) {
	cur, err := r.coll.Find(ctx, bson.M{
		"tisReference.type": refType,
		"tisReference.id":   refID,
		"type":              notificationType,
		"status":            StatusScheduled,
	})
	if err != nil {
		return nil, fmt.Errorf("history: list scheduled for %s/%s: %w", refType, refID, err)
	}

	var recs []Record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("history: decode scheduled for %s/%s: %w", refType, refID, err)
	}
	return recs, nil
}

func (r *repoMongo) FindDelivered(ctx context.Context, personID, refType, refID, notificationType, channel string) (*Record, error) {
	return r.findOne(ctx, bson.M{
		"recipient.id":      personID,
		"recipient.type":    channel,
		"tisReference.type": refType,
		"tisReference.id":   refID,
		"type":              notificationType,
		"status":            bson.M{"$nin": bson.A{StatusScheduled, StatusDeleted}},
	})
}

func (r *repoMongo) FindScheduledBefore(ctx context.Context, cutoff time.Time) ([]Record, error) {
	cur, err := r.coll.Find(ctx, bson.M{
		"status": StatusScheduled,
		"sentAt": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, fmt.Errorf("history: list scheduled: %w", err)
	}

	var recs []Record
	if err := cur.All(ctx, &recs); err != nil {
		return nil, fmt.Errorf("history: decode scheduled: %w", err)
	}
	return recs, nil
}

func (r *repoMongo) CompareAndSetStatus(ctx context.Context, id primitive.ObjectID, from, to, detail string, at time.Time) (*Record, error) {
	set := bson.M{"status": to}
	unset := bson.M{}

	if detail != "" {
		set["statusDetail"] = detail
	} else {
		unset["statusDetail"] = ""
	}
	if to == StatusRead {
		set["readAt"] = at
	} else {
		unset["readAt"] = ""
	}
	// Leaving SCHEDULED turns the intended fire time into the actual send
	// time. Later transitions keep it.
	if from == StatusScheduled && (to == StatusSent || to == StatusUnread) {
		set["sentAt"] = at
	}

	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var rec Record
	err := r.coll.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": from}, update, opts).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("history: transition %s: %w", id.Hex(), err)
	}
	return &rec, nil
}

func (r *repoMongo) TouchRetry(ctx context.Context, id primitive.ObjectID, at time.Time) error {
	_, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"lastRetry": at}})
	if err != nil {
		return fmt.Errorf("history: touch retry %s: %w", id.Hex(), err)
	}
	return nil
}

func (r *repoMongo) Delete(ctx context.Context, id primitive.ObjectID, personID string) error {
	_, err := r.coll.DeleteOne(ctx, bson.M{"_id": id, "recipient.id": personID})
	if err != nil {
		return fmt.Errorf("history: delete %s: %w", id.Hex(), err)
	}
	return nil
}
