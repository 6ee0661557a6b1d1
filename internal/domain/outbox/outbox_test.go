package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tis/notifications/internal/domain/history"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/broadcast"
	"github.com/tis/notifications/internal/platform/mail"
	"github.com/tis/notifications/internal/platform/metrics"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(sqlx.NewDb(db, "sqlmock")), mock
}

func TestStore_Insert_Upserts(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO outbox_messages").
		WithArgs("65f0c0ffee", now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := store.Insert(context.Background(), "65f0c0ffee", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestStore_Due_FiltersPending(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "notification_id", "status", "attempts", "next_attempt_at", "last_error", "created_at", "processed_at",
	}).AddRow(int64(7), "65f0c0ffee", StatusPending, 1, now.Add(-time.Minute), "boom", now.Add(-time.Hour), nil)

	mock.ExpectQuery("SELECT id, notification_id, .* WHERE status = 'PENDING' AND next_attempt_at <=").
		WithArgs(now, batchSize).
		WillReturnRows(rows)

	msgs, err := store.Due(context.Background(), now, batchSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].NotificationID != "65f0c0ffee" || msgs[0].Attempts != 1 {
		t.Errorf("unexpected messages: %+v", msgs)
	}
}

// memStore is an in-memory store for worker tests.
type memStore struct {
	mu     sync.Mutex
	items  map[string]*Message
	nextID int64
}

func newMemStore() *memStore {
	return &memStore{items: make(map[string]*Message)}
}

func (m *memStore) Insert(_ context.Context, notificationID string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.items[notificationID]; ok {
		msg.Status = StatusPending
		msg.Attempts = 0
		msg.NextAttemptAt = now
		return nil
	}
	m.nextID++
	m.items[notificationID] = &Message{
		ID:             m.nextID,
		NotificationID: notificationID,
		Status:         StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
	return nil
}

func (m *memStore) Get(_ context.Context, notificationID string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.items[notificationID]; ok {
		cp := *msg
		return &cp, nil
	}
	return nil, nil
}

func (m *memStore) Due(_ context.Context, now time.Time, limit int) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.items {
		if msg.Status == StatusPending && !msg.NextAttemptAt.After(now) && len(out) < limit {
			out = append(out, *msg)
		}
	}
	return out, nil
}

func (m *memStore) byID(id int64) *Message {
	for _, msg := range m.items {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func (m *memStore) MarkSent(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg := m.byID(id); msg != nil {
		msg.Status = StatusSent
	}
	return nil
}

func (m *memStore) MarkRetry(_ context.Context, id int64, attempts int, nextAt time.Time, lastErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg := m.byID(id); msg != nil {
		msg.Attempts = attempts
		msg.NextAttemptAt = nextAt
		msg.LastError.String, msg.LastError.Valid = lastErr.Error(), true
	}
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id int64, attempts int, lastErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg := m.byID(id); msg != nil {
		msg.Status = StatusFailed
		msg.Attempts = attempts
		msg.LastError.String, msg.LastError.Valid = lastErr.Error(), true
	}
	return nil
}

type stubRenderer struct {
	subject, body string
	err           error
}

func (r stubRenderer) Render(string, string, string, map[string]any) (string, string, error) {
	return r.subject, r.body, r.err
}

type recordingWaker struct {
	mu     sync.Mutex
	queues []string
}

func (w *recordingWaker) Publish(_ context.Context, queue string, _ any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.queues = append(w.queues, queue)
	return nil
}

type workerFixture struct {
	worker  *Worker
	store   *memStore
	repo    *history.MemoryRepository
	history *history.Service
	mailer  *mail.MockGateway
	wake    *recordingWaker
}

func newWorkerFixture(t *testing.T, renderer Renderer) *workerFixture {
	t.Helper()
	repo := history.NewMemoryRepository()
	hist := history.NewService(repo, &broadcast.MockPublisher{}, zerolog.Nop())
	store := newMemStore()
	mailer := &mail.MockGateway{}
	wake := &recordingWaker{}
	w := NewWorker(store, hist, renderer, mailer, wake, metrics.New(prometheus.NewRegistry()), zerolog.Nop())
	w.now = func() time.Time { return time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC) }
	return &workerFixture{worker: w, store: store, repo: repo, history: hist, mailer: mailer, wake: wake}
}

func scheduledEmail(t *testing.T, f *workerFixture) *history.Record {
	t.Helper()
	rec := &history.Record{
		Type:         "PROGRAMME_UPDATED_WEEK_0",
		TisReference: tis.Reference{Type: tis.RefTypeProgrammeMembership, ID: "pm-1"},
		Recipient:    history.Recipient{ID: "p-9", Channel: history.ChannelEmail, Contact: "doc@nhs.net"},
		Template:     history.Template{Name: "programme-updated-week-0", Version: "v1.0.0"},
		Status:       history.StatusScheduled,
		SentAt:       time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if _, err := f.history.Save(context.Background(), rec); err != nil {
		t.Fatalf("seed history: %v", err)
	}
	return rec
}

func TestWorker_SendsAndMarksSent(t *testing.T) {
	f := newWorkerFixture(t, stubRenderer{subject: "Your programme", body: "<p>hello</p>"})
	rec := scheduledEmail(t, f)

	if err := f.worker.Enqueue(context.Background(), rec.ID.Hex()); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(f.wake.queues) != 1 || f.wake.queues[0] != WakeQueue {
		t.Errorf("expected one wake-up on %s, got %v", WakeQueue, f.wake.queues)
	}

	f.worker.drain(context.Background())

	calls := f.mailer.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 mail, got %d", len(calls))
	}
	if calls[0].To != "doc@nhs.net" || calls[0].Subject != "Your programme" || calls[0].NotificationID != rec.ID.Hex() {
		t.Errorf("unexpected mail: %+v", calls[0])
	}

	item, _ := f.store.Get(context.Background(), rec.ID.Hex())
	if item.Status != StatusSent {
		t.Errorf("expected outbox item SENT, got %s", item.Status)
	}
	got, _ := f.repo.FindByID(context.Background(), rec.ID)
	if got.Status != history.StatusSent {
		t.Errorf("expected history SENT, got %s", got.Status)
	}
}

func TestWorker_RetriesWithBackoff(t *testing.T) {
	f := newWorkerFixture(t, stubRenderer{subject: "s", body: "b"})
	f.mailer.ShouldFail = true
	f.mailer.FailError = "throttled"
	rec := scheduledEmail(t, f)

	f.worker.Enqueue(context.Background(), rec.ID.Hex())
	f.worker.drain(context.Background())

	item, _ := f.store.Get(context.Background(), rec.ID.Hex())
	if item.Status != StatusPending || item.Attempts != 1 {
		t.Fatalf("expected pending retry with 1 attempt, got %+v", item)
	}
	wantNext := f.worker.now().Add(retryBase)
	if !item.NextAttemptAt.Equal(wantNext) {
		t.Errorf("expected next attempt at %v, got %v", wantNext, item.NextAttemptAt)
	}

	got, _ := f.repo.FindByID(context.Background(), rec.ID)
	if got.Status != history.StatusScheduled {
		t.Errorf("expected history to stay SCHEDULED, got %s", got.Status)
	}
	if got.LastRetry == nil {
		t.Error("expected last retry to be stamped")
	}
}

func TestWorker_ExhaustedAttemptsFailRecord(t *testing.T) {
	f := newWorkerFixture(t, stubRenderer{subject: "s", body: "b"})
	f.mailer.ShouldFail = true
	f.mailer.FailError = "mailbox gone"
	rec := scheduledEmail(t, f)

	f.worker.Enqueue(context.Background(), rec.ID.Hex())
	f.store.items[rec.ID.Hex()].Attempts = maxAttempts - 1

	f.worker.drain(context.Background())

	item, _ := f.store.Get(context.Background(), rec.ID.Hex())
	if item.Status != StatusFailed {
		t.Fatalf("expected outbox item FAILED, got %s", item.Status)
	}
	got, _ := f.repo.FindByID(context.Background(), rec.ID)
	if got.Status != history.StatusFailed || got.StatusDetail != "mailbox gone" {
		t.Errorf("expected FAILED with provider error, got %s %q", got.Status, got.StatusDetail)
	}
}

func TestWorker_RenderFailureFailsImmediately(t *testing.T) {
	f := newWorkerFixture(t, stubRenderer{err: errors.New("template missing")})
	rec := scheduledEmail(t, f)

	f.worker.Enqueue(context.Background(), rec.ID.Hex())
	f.worker.drain(context.Background())

	if len(f.mailer.Calls()) != 0 {
		t.Error("expected no mail submission")
	}
	item, _ := f.store.Get(context.Background(), rec.ID.Hex())
	if item.Status != StatusFailed {
		t.Errorf("expected outbox item FAILED, got %s", item.Status)
	}
	got, _ := f.repo.FindByID(context.Background(), rec.ID)
	if got.Status != history.StatusFailed {
		t.Errorf("expected history FAILED, got %s", got.Status)
	}
}

func TestWorker_ObsoleteRecordClosesItem(t *testing.T) {
	f := newWorkerFixture(t, stubRenderer{subject: "s", body: "b"})
	rec := scheduledEmail(t, f)

	f.worker.Enqueue(context.Background(), rec.ID.Hex())
	// Recalled before the worker got to it.
	if _, err := f.history.UpdateStatus(context.Background(), rec.ID, history.StatusDeleted, ""); err != nil {
		t.Fatalf("recall: %v", err)
	}

	f.worker.drain(context.Background())

	if len(f.mailer.Calls()) != 0 {
		t.Error("expected no mail for a recalled record")
	}
	item, _ := f.store.Get(context.Background(), rec.ID.Hex())
	if item.Status != StatusSent {
		t.Errorf("expected item closed, got %s", item.Status)
	}
}

func TestWorker_ProcessNotification_SkipsNotDue(t *testing.T) {
	f := newWorkerFixture(t, stubRenderer{subject: "s", body: "b"})
	rec := scheduledEmail(t, f)

	f.worker.Enqueue(context.Background(), rec.ID.Hex())
	f.store.items[rec.ID.Hex()].NextAttemptAt = f.worker.now().Add(time.Hour)

	if err := f.worker.ProcessNotification(context.Background(), rec.ID.Hex()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(f.mailer.Calls()) != 0 {
		t.Error("expected deferred item to stay untouched")
	}
}
