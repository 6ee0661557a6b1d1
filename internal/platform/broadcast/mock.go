package broadcast

import (
	"context"
	"errors"
	"sync"
)

// Event records a single published lifecycle event.
type Event struct {
	RecordID string
	Status   string
	Payload  any
}

// MockPublisher is a test double for Publisher.
type MockPublisher struct {
	mu         sync.Mutex
	events     []Event
	ShouldFail bool
	FailError  string
}

// Publish records the event and optionally returns an error.
func (m *MockPublisher) Publish(_ context.Context, recordID, status string, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, Event{RecordID: recordID, Status: status, Payload: payload})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Events returns a copy of recorded events in publish order.
func (m *MockPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}
