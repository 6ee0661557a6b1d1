// Package integration wires the real orchestration, history, template and
// outbox components together, replacing only the process edges (queue, mail
// provider, directory, reference data) with in-memory doubles.
package integration

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tis/notifications/internal/config"
	"github.com/tis/notifications/internal/domain/history"
	"github.com/tis/notifications/internal/domain/ltft"
	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/outbox"
	"github.com/tis/notifications/internal/domain/programme"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/broadcast"
	"github.com/tis/notifications/internal/platform/directory"
	"github.com/tis/notifications/internal/platform/mail"
	"github.com/tis/notifications/internal/platform/messaging"
	"github.com/tis/notifications/internal/platform/metrics"
	"github.com/tis/notifications/internal/platform/templates"
)

const personID = "p-9"

// schedEntry is one pending job in the in-memory scheduler.
type schedEntry struct {
	payload []byte
	fireAt  time.Time
	window  time.Duration
}

// memScheduler stands in for the MySQL-backed scheduler store.
type memScheduler struct {
	mu      sync.Mutex
	entries map[string]schedEntry
}

func newMemScheduler() *memScheduler {
	return &memScheduler{entries: make(map[string]schedEntry)}
}

func (s *memScheduler) Schedule(_ context.Context, jobID string, payload any, fireAt time.Time, window time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jobID] = schedEntry{payload: raw, fireAt: fireAt, window: window}
	return nil
}

func (s *memScheduler) Remove(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, jobID)
	return nil
}

func (s *memScheduler) Pending(_ context.Context, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[jobID]
	return ok, nil
}

func (s *memScheduler) entry(jobID string) (schedEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[jobID]
	return e, ok
}

// memOutboxStore stands in for the MySQL-backed outbox table.
type memOutboxStore struct {
	mu     sync.Mutex
	nextID int64
	items  map[string]*outbox.Message
}

func newMemOutboxStore() *memOutboxStore {
	return &memOutboxStore{items: make(map[string]*outbox.Message)}
}

func (s *memOutboxStore) Insert(_ context.Context, notificationID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[notificationID]; ok {
		existing.Status = outbox.StatusPending
		existing.Attempts = 0
		existing.NextAttemptAt = now
		return nil
	}
	s.nextID++
	s.items[notificationID] = &outbox.Message{
		ID:             s.nextID,
		NotificationID: notificationID,
		Status:         outbox.StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
	}
	return nil
}

func (s *memOutboxStore) Get(_ context.Context, notificationID string) (*outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.items[notificationID]; ok {
		cp := *msg
		return &cp, nil
	}
	return nil, nil
}

func (s *memOutboxStore) Due(_ context.Context, now time.Time, limit int) ([]outbox.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Message
	for _, msg := range s.items {
		if msg.Status == outbox.StatusPending && !msg.NextAttemptAt.After(now) {
			out = append(out, *msg)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memOutboxStore) byID(id int64) *outbox.Message {
	for _, msg := range s.items {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

func (s *memOutboxStore) MarkSent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.byID(id); msg != nil {
		msg.Status = outbox.StatusSent
	}
	return nil
}

func (s *memOutboxStore) MarkRetry(_ context.Context, id int64, attempts int, nextAt time.Time, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.byID(id); msg != nil {
		msg.Attempts = attempts
		msg.NextAttemptAt = nextAt
	}
	return nil
}

func (s *memOutboxStore) MarkFailed(_ context.Context, id int64, attempts int, _ error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg := s.byID(id); msg != nil {
		msg.Status = outbox.StatusFailed
		msg.Attempts = attempts
	}
	return nil
}

// staticContacts resolves every local office to the same support inbox.
type staticContacts struct{}

func (staticContacts) Contact(context.Context, string, string) (string, string) {
	return "england.tv@nhs.net", "email"
}

// pipeline is the assembled system under test.
type pipeline struct {
	svc    *notify.Service
	worker *outbox.Worker
	repo   *history.MemoryRepository
	sched  *memScheduler
	store  *memOutboxStore
	mailer *mail.MockGateway
	pub    *broadcast.MockPublisher
	loc    *time.Location
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}

	repo := history.NewMemoryRepository()
	pub := &broadcast.MockPublisher{}
	hist := history.NewService(repo, pub, zerolog.Nop())

	versions := make(map[string]templates.ChannelVersions, len(config.DefaultTemplateVersions))
	for k, v := range config.DefaultTemplateVersions {
		versions[k] = templates.ChannelVersions{Email: v.Email, InApp: v.InApp}
	}
	engine := templates.NewEngine(loc, versions)

	sched := newMemScheduler()
	store := newMemOutboxStore()
	mailer := &mail.MockGateway{}
	m := metrics.New(prometheus.NewRegistry())
	worker := outbox.NewWorker(store, hist, engine, mailer, nil, m, zerolog.Nop())

	svc := notify.NewService(notify.Deps{
		History:   hist,
		Scheduler: sched,
		Gate: &messaging.MockGate{
			ValidRecipients: map[string]bool{
				personID + "/EMAIL":  true,
				personID + "/IN_APP": true,
			},
			PilotPMs: map[string]bool{personID + "/pm-1": true},
		},
		Contacts: staticContacts{},
		Directory: &directory.MockLookup{
			Accounts: map[string][]string{personID: {"acc-1"}},
			Users: map[string]directory.User{
				"acc-1": {ID: "acc-1", Email: "doc@nhs.net", FamilyName: "Smith", GivenName: "Jo"},
			},
		},
		Outbox:   worker,
		Renderer: engine,
		Metrics:  m,
		Log:      zerolog.Nop(),
		Delay:    time.Hour,
	})

	return &pipeline{
		svc:    svc,
		worker: worker,
		repo:   repo,
		sched:  sched,
		store:  store,
		mailer: mailer,
		pub:    pub,
		loc:    loc,
	}
}

func (p *pipeline) records(t *testing.T) []history.Record {
	t.Helper()
	recs, err := p.repo.FindAllByPerson(context.Background(), personID)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	return recs
}

func (p *pipeline) recordOfType(t *testing.T, typ notify.NotificationType) history.Record {
	t.Helper()
	for _, rec := range p.records(t) {
		if rec.Type == string(typ) {
			return rec
		}
	}
	t.Fatalf("no %s record found", typ)
	return history.Record{}
}

func futureMembership() tis.ProgrammeMembership {
	start := time.Date(2031, 6, 2, 0, 0, 0, 0, time.UTC)
	return tis.ProgrammeMembership{
		TisID:         "pm-1",
		PersonID:      personID,
		ProgrammeName: "General Practice",
		Owner:         "Thames Valley",
		StartDate:     &start,
	}
}

// The happy path end to end: a programme event plans milestones, the
// scheduler fires one, the outbox renders and submits the email, and the
// history record lands on SENT.
func TestProgrammeEmailDelivery(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now()

	rec := programme.Reconcile(futureMembership(), now, p.loc)
	if err := p.svc.Apply(ctx, rec); err != nil {
		t.Fatalf("apply: %v", err)
	}

	// All three milestones plus the in-app creation notice should exist.
	for _, typ := range []notify.NotificationType{
		notify.TypeProgrammeWeek8, notify.TypeProgrammeWeek4, notify.TypeProgrammeWeek0,
	} {
		jobID := notify.JobID(typ, "pm-1")
		entry, ok := p.sched.entry(jobID)
		if !ok {
			t.Fatalf("no scheduler entry for %s", jobID)
		}
		open := p.recordOfType(t, typ)
		if open.Status != history.StatusScheduled {
			t.Errorf("%s record status %s, want SCHEDULED", typ, open.Status)
		}
		if !open.SentAt.Equal(entry.fireAt) {
			t.Errorf("%s record holds %v, scheduler fires at %v", typ, open.SentAt, entry.fireAt)
		}
	}
	created := p.recordOfType(t, notify.TypeProgrammeCreated)
	if created.Status != history.StatusUnread {
		t.Errorf("in-app record status %s, want UNREAD", created.Status)
	}

	// Fire the week-0 job the way the scheduler worker would.
	jobID := notify.JobID(notify.TypeProgrammeWeek0, "pm-1")
	entry, _ := p.sched.entry(jobID)
	if err := p.svc.HandleFire(ctx, jobID, entry.payload); err != nil {
		t.Fatalf("handle fire: %v", err)
	}

	week0 := p.recordOfType(t, notify.TypeProgrammeWeek0)
	if err := p.worker.ProcessNotification(ctx, week0.ID.Hex()); err != nil {
		t.Fatalf("process outbox: %v", err)
	}

	calls := p.mailer.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one email, got %d", len(calls))
	}
	msg := calls[0]
	if msg.To != "doc@nhs.net" {
		t.Errorf("email went to %s", msg.To)
	}
	if msg.NotificationID != week0.ID.Hex() {
		t.Errorf("correlation header %s, want %s", msg.NotificationID, week0.ID.Hex())
	}
	if msg.Subject == "" || !strings.Contains(msg.HTML, "General Practice") {
		t.Errorf("unexpected rendering: subject %q", msg.Subject)
	}

	final := p.recordOfType(t, notify.TypeProgrammeWeek0)
	if final.Status != history.StatusSent {
		t.Errorf("final status %s, want SENT", final.Status)
	}
	if item, _ := p.store.Get(ctx, week0.ID.Hex()); item.Status != outbox.StatusSent {
		t.Errorf("outbox item status %s, want SENT", item.Status)
	}
}

// Re-applying the same reconciliation must not duplicate records or
// scheduler entries.
func TestReapplyIsIdempotent(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now()

	rec := programme.Reconcile(futureMembership(), now, p.loc)
	if err := p.svc.Apply(ctx, rec); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	before := len(p.records(t))

	if err := p.svc.Apply(ctx, rec); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if after := len(p.records(t)); after != before {
		t.Errorf("record count grew from %d to %d", before, after)
	}
}

// An LTFT transition supersedes the reminders of earlier states: the
// submitted schedule is replaced wholesale by the unsubmitted one.
func TestLtftSupersession(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now()

	update := tis.LtftUpdate{
		PersonID: personID,
		FormRef:  "ltft_47_001",
		FormName: "My LTFT application",
		State:    tis.LtftStateSubmitted,
	}
	if err := p.svc.Apply(ctx, ltft.Reconcile(update, now)); err != nil {
		t.Fatalf("apply submitted: %v", err)
	}

	submittedJob := notify.JobID(notify.TypeLtftSubmitted, "ltft_47_001")
	if _, ok := p.sched.entry(submittedJob); !ok {
		t.Fatal("expected a submitted schedule")
	}

	update.State = tis.LtftStateUnsubmitted
	if err := p.svc.Apply(ctx, ltft.Reconcile(update, now)); err != nil {
		t.Fatalf("apply unsubmitted: %v", err)
	}

	if _, ok := p.sched.entry(submittedJob); ok {
		t.Error("submitted schedule survived the transition")
	}
	if _, ok := p.sched.entry(notify.JobID(notify.TypeLtftUnsubmitted, "ltft_47_001")); !ok {
		t.Error("expected an unsubmitted schedule")
	}

	submitted := p.recordOfType(t, notify.TypeLtftSubmitted)
	if submitted.Status != history.StatusDeleted {
		t.Errorf("submitted record status %s, want DELETED", submitted.Status)
	}
	unsubmitted := p.recordOfType(t, notify.TypeLtftUnsubmitted)
	if unsubmitted.Status != history.StatusScheduled {
		t.Errorf("unsubmitted record status %s, want SCHEDULED", unsubmitted.Status)
	}
}

// A provider bounce fails the record after delivery.
func TestBounceFailsDeliveredRecord(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now()

	if err := p.svc.Apply(ctx, programme.Reconcile(futureMembership(), now, p.loc)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	jobID := notify.JobID(notify.TypeProgrammeWeek0, "pm-1")
	entry, _ := p.sched.entry(jobID)
	if err := p.svc.HandleFire(ctx, jobID, entry.payload); err != nil {
		t.Fatalf("handle fire: %v", err)
	}
	week0 := p.recordOfType(t, notify.TypeProgrammeWeek0)
	if err := p.worker.ProcessNotification(ctx, week0.ID.Hex()); err != nil {
		t.Fatalf("process outbox: %v", err)
	}

	if err := p.svc.RecordFeedback(ctx, week0.ID.Hex(), "Bounce: Permanent - General"); err != nil {
		t.Fatalf("record feedback: %v", err)
	}

	final := p.recordOfType(t, notify.TypeProgrammeWeek0)
	if final.Status != history.StatusFailed || final.StatusDetail != "Bounce: Permanent - General" {
		t.Errorf("final record %s/%q", final.Status, final.StatusDetail)
	}
}

// Deleting the upstream entity recalls everything still scheduled.
func TestEntityDeletionRecallsSchedules(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	now := time.Now()

	if err := p.svc.Apply(ctx, programme.Reconcile(futureMembership(), now, p.loc)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	ref := tis.Reference{Type: tis.RefTypeProgrammeMembership, ID: "pm-1"}
	family := []notify.NotificationType{
		notify.TypeProgrammeCreated, notify.TypeWelcome,
		notify.TypeProgrammeWeek8, notify.TypeProgrammeWeek4, notify.TypeProgrammeWeek0,
	}
	if err := p.svc.DeleteEntity(ctx, ref, family); err != nil {
		t.Fatalf("delete entity: %v", err)
	}

	for _, typ := range family {
		if _, ok := p.sched.entry(notify.JobID(typ, "pm-1")); ok {
			t.Errorf("schedule for %s survived deletion", typ)
		}
	}
	for _, rec := range p.records(t) {
		if rec.Status == history.StatusScheduled {
			t.Errorf("record %s still SCHEDULED after deletion", rec.Type)
		}
	}
}
