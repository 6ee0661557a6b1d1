package listener

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/metrics"
	"github.com/tis/notifications/internal/platform/queue"
)

var testNow = time.Date(2029, 10, 1, 12, 0, 0, 0, time.UTC)

type deletion struct {
	ref    tis.Reference
	family []notify.NotificationType
}

type fakeNotifier struct {
	applied  []notify.Reconciliation
	deleted  []deletion
	feedback map[string]string
	err      error
}

func (f *fakeNotifier) Apply(_ context.Context, rec notify.Reconciliation) error {
	f.applied = append(f.applied, rec)
	return f.err
}

func (f *fakeNotifier) DeleteEntity(_ context.Context, ref tis.Reference, family []notify.NotificationType) error {
	f.deleted = append(f.deleted, deletion{ref: ref, family: family})
	return f.err
}

func (f *fakeNotifier) RecordFeedback(_ context.Context, notificationID, detail string) error {
	if f.feedback == nil {
		f.feedback = map[string]string{}
	}
	f.feedback[notificationID] = detail
	return f.err
}

type fakeOutbox struct {
	processed []string
	err       error
}

func (f *fakeOutbox) ProcessNotification(_ context.Context, notificationID string) error {
	f.processed = append(f.processed, notificationID)
	return f.err
}

func newTestListeners(t *testing.T) (*Listeners, *fakeNotifier, *fakeOutbox) {
	t.Helper()
	loc, err := time.LoadLocation("Europe/London")
	if err != nil {
		t.Fatalf("load zone: %v", err)
	}
	n := &fakeNotifier{}
	ob := &fakeOutbox{}
	l := New(n, ob, metrics.New(prometheus.NewRegistry()), loc, zerolog.Nop())
	l.now = func() time.Time { return testNow }
	return l, n, ob
}

func TestHandleProgrammeSaved(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{
		"traineeTisId": "p-9",
		"record": {"data": {
			"tisId": "pm-1",
			"programmeName": "General Practice",
			"managingDeanery": "Thames Valley",
			"startDate": "2030-01-01T00:00:00Z"
		}}
	}`)

	if err := l.handleProgrammeSaved(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.applied) != 1 {
		t.Fatalf("expected one reconciliation, got %d", len(n.applied))
	}
	rec := n.applied[0]
	if rec.PersonID != "p-9" || rec.Ref.ID != "pm-1" || rec.Ref.Type != tis.RefTypeProgrammeMembership {
		t.Errorf("unexpected reconciliation %+v", rec)
	}
	if len(rec.Family) != 5 {
		t.Errorf("expected the full programme family, got %v", rec.Family)
	}
	if len(rec.Plans) == 0 {
		t.Error("expected a future programme to produce plans")
	}
}

func TestHandleProgrammeSaved_MissingIDsAreRejected(t *testing.T) {
	l, n, _ := newTestListeners(t)

	err := l.handleProgrammeSaved(context.Background(), []byte(`{"record":{"data":{}}}`))
	if notify.KindOf(err) != notify.KindValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
	if len(n.applied) != 0 {
		t.Error("expected no reconciliation")
	}
}

func TestHandleProgrammeDeleted_CleansCojToo(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{"record":{"data":{"tisId":"pm-1"}}}`)
	if err := l.handleProgrammeDeleted(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(n.deleted) != 2 {
		t.Fatalf("expected programme and coj cleanup, got %d", len(n.deleted))
	}
	if n.deleted[0].ref.Type != tis.RefTypeProgrammeMembership || n.deleted[1].ref.Type != tis.RefTypeCoj {
		t.Errorf("unexpected cleanup refs %+v", n.deleted)
	}
}

func TestHandleCojSigned_RequiresSignature(t *testing.T) {
	l, _, _ := newTestListeners(t)

	body := []byte(`{"traineeTisId":"p-9","record":{"data":{"tisId":"pm-1"}}}`)
	err := l.handleCojSigned(context.Background(), body)
	if notify.KindOf(err) != notify.KindValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestHandlePlacementUpdated(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{
		"traineeTisId": "p-9",
		"record": {"data": {
			"tisId": "pl-3",
			"placementType": "In Post",
			"startDate": "2030-01-01T00:00:00Z"
		}}
	}`)
	if err := l.handlePlacementUpdated(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(n.applied) != 1 || n.applied[0].Ref.Type != tis.RefTypePlacement {
		t.Fatalf("expected a placement reconciliation, got %+v", n.applied)
	}
}

func TestHandleLtftStatus(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{
		"traineeTisId": "p-9",
		"formRef": "ltft_47_001",
		"status": {"current": {"state": "SUBMITTED", "timestamp": "2029-10-01T09:00:00Z"}},
		"content": {"name": "My LTFT application"}
	}`)
	if err := l.handleLtftStatus(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := n.applied[0]
	if rec.Ref != (tis.Reference{Type: tis.RefTypeLtft, ID: "ltft_47_001"}) {
		t.Errorf("unexpected reference %+v", rec.Ref)
	}
	if len(rec.Plans) != 1 || rec.Plans[0].Type != notify.TypeLtftSubmitted {
		t.Errorf("unexpected plans %+v", rec.Plans)
	}
}

func TestHandleLtftStatus_MissingFormRef(t *testing.T) {
	l, _, _ := newTestListeners(t)

	body := []byte(`{"traineeTisId":"p-9","status":{"current":{"state":"SUBMITTED"}}}`)
	if err := l.handleLtftStatus(context.Background(), body); notify.KindOf(err) != notify.KindValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestHandleGmcRejected_CarriesTrigger(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{
		"tisId": "p-9",
		"tisTrigger": "DETAILS_MISMATCH",
		"tisTriggerDetail": "name does not match register",
		"record": {"data": {"gmcNumber": "1234567", "gmcStatus": "Registered"}}
	}`)
	if err := l.handleGmcRejected(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	plan := n.applied[0].Plans[0]
	if plan.Type != notify.TypeGmcRejected {
		t.Errorf("unexpected type %s", plan.Type)
	}
	if plan.Variables["tisTrigger"] != "DETAILS_MISMATCH" {
		t.Errorf("unexpected variables %v", plan.Variables)
	}
}

func TestHandleAccountUpdated_PinsContact(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{"traineeTisId":"p-9","record":{"data":{"email":"new-address@nhs.net"}}}`)
	if err := l.handleAccountUpdated(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.applied[0].Plans[0].Contact != "new-address@nhs.net" {
		t.Errorf("expected the new address pinned, got %+v", n.applied[0].Plans[0])
	}
}

func TestHandleEmailFeedback_BounceUnderMailHeaders(t *testing.T) {
	l, n, _ := newTestListeners(t)

	body := []byte(`{
		"eventType": "Bounce",
		"bounce": {"bounceType": "Permanent", "bounceSubType": "General"},
		"mail": {"headers": [{"name": "NotificationId", "value": "65f0c0ffee"}]}
	}`)
	if err := l.handleEmailFeedback(context.Background(), body); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n.feedback["65f0c0ffee"] != "Bounce: Permanent - General" {
		t.Errorf("unexpected feedback %v", n.feedback)
	}
}

func TestHandleEmailFeedback_MissingHeaderIsRejected(t *testing.T) {
	l, _, _ := newTestListeners(t)

	body := []byte(`{"eventType":"Bounce","bounce":{"bounceType":"Transient","bounceSubType":"General"}}`)
	if err := l.handleEmailFeedback(context.Background(), body); notify.KindOf(err) != notify.KindValidation {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestHandleOutboxWake(t *testing.T) {
	l, _, ob := newTestListeners(t)

	if err := l.handleOutboxWake(context.Background(), []byte(`{"notificationId":"65f0c0ffee"}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ob.processed) != 1 || ob.processed[0] != "65f0c0ffee" {
		t.Errorf("expected the item processed, got %v", ob.processed)
	}
}

func TestWrap_VerdictMapping(t *testing.T) {
	l, _, _ := newTestListeners(t)

	cases := []struct {
		name string
		err  error
		want queue.Verdict
	}{
		{"success acks", nil, queue.Done},
		{"transient redelivers", notify.Transient(errors.New("mongo down")), queue.Retry},
		{"untagged redelivers", errors.New("surprise"), queue.Retry},
		{"validation dead-letters", notify.Validationf("bad event"), queue.Reject},
		{"fatal dead-letters", notify.Fatal(errors.New("template missing")), queue.Reject},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := l.wrap("q", func(context.Context, []byte) error { return tc.err })
			if got := h(context.Background(), nil); got != tc.want {
				t.Errorf("verdict %v, want %v", got, tc.want)
			}
		})
	}
}

func TestConsumers_CoverEveryFamily(t *testing.T) {
	l, _, _ := newTestListeners(t)

	consumers := l.Consumers("amqp://localhost", "tis.notifications")
	// Twelve event families plus the outbox wake-up queue.
	if len(consumers) != 13 {
		t.Errorf("expected 13 consumers, got %d", len(consumers))
	}
}
