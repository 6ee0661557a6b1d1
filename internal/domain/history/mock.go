package history

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryRepository is an in-memory Repository for tests, mirroring the Mongo
// implementation's contract, including the compare-and-set semantics.
type MemoryRepository struct {
	mu   sync.Mutex
	recs map[primitive.ObjectID]*Record

	// SaveErr, when set, is returned by every Save call.
	SaveErr error
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{recs: make(map[primitive.ObjectID]*Record)}
}

// Save stores a copy of the record, assigning an id when absent.
func (m *MemoryRepository) Save(_ context.Context, rec *Record) error {
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.ID.IsZero() {
		rec.ID = primitive.NewObjectID()
	}
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

// FindByID returns a copy of the record, or nil.
func (m *MemoryRepository) FindByID(_ context.Context, id primitive.ObjectID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

// FindByIDAndPerson returns the record when owned by the person, or nil.
func (m *MemoryRepository) FindByIDAndPerson(_ context.Context, id primitive.ObjectID, personID string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok && rec.Recipient.ID == personID {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

// FindAllByPerson returns the person's records newest first.
func (m *MemoryRepository) FindAllByPerson(_ context.Context, personID string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.recs {
		if rec.Recipient.ID == personID {
			out = append(out, *rec)
		}
	}
	// Newest first, matching the Mongo sort.
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].SentAt.After(out[i].SentAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

// FindScheduled returns the unique open schedule for the logical job, or nil.
func (m *MemoryRepository) FindScheduled(_ context.Context, personID, refType, refID, notificationType string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.Status == StatusScheduled &&
			rec.Recipient.ID == personID &&
			rec.TisReference.Type == refType &&
			rec.TisReference.ID == refID &&
			rec.Type == notificationType {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// FindScheduledByRef returns every open schedule for the referenced entity
// and notification type.
func (m *MemoryRepository) FindScheduledByRef(_ context.Context, refType, refID, notificationType string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.recs {
		if rec.Status == StatusScheduled &&
			rec.TisReference.Type == refType &&
			rec.TisReference.ID == refID &&
			rec.Type == notificationType {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// FindDelivered returns a record for the logical job and channel that
// already left the open-schedule state, or nil.
func (m *MemoryRepository) FindDelivered(_ context.Context, personID, refType, refID, notificationType, channel string) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.Status != StatusScheduled && rec.Status != StatusDeleted &&
			rec.Recipient.ID == personID &&
			rec.Recipient.Channel == channel &&
			rec.TisReference.Type == refType &&
			rec.TisReference.ID == refID &&
			rec.Type == notificationType {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

// FindScheduledBefore returns SCHEDULED records due before the cutoff.
func (m *MemoryRepository) FindScheduledBefore(_ context.Context, cutoff time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.recs {
		if rec.Status == StatusScheduled && rec.SentAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	return out, nil
}

// CompareAndSetStatus transitions the record when its status matches from.
func (m *MemoryRepository) CompareAndSetStatus(_ context.Context, id primitive.ObjectID, from, to, detail string, at time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok || rec.Status != from {
		return nil, nil
	}
	rec.Status = to
	rec.StatusDetail = detail
	if to == StatusRead {
		rec.ReadAt = &at
	} else {
		rec.ReadAt = nil
	}
	if from == StatusScheduled && (to == StatusSent || to == StatusUnread) {
		rec.SentAt = at
	}
	cp := *rec
	return &cp, nil
}

// TouchRetry stamps the record's last retry time.
func (m *MemoryRepository) TouchRetry(_ context.Context, id primitive.ObjectID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok {
		rec.LastRetry = &at
	}
	return nil
}

// Delete removes the record when owned by the person.
func (m *MemoryRepository) Delete(_ context.Context, id primitive.ObjectID, personID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok && rec.Recipient.ID == personID {
		delete(m.recs, id)
	}
	return nil
}
