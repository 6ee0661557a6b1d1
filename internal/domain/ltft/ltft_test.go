package ltft

import (
	"testing"
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

var testNow = time.Date(2029, 10, 1, 12, 0, 0, 0, time.UTC)

func update(state string) tis.LtftUpdate {
	ts := time.Date(2029, 10, 1, 9, 0, 0, 0, time.UTC)
	return tis.LtftUpdate{
		PersonID:  "p-9",
		FormRef:   "ltft_47_001",
		FormName:  "My LTFT application",
		State:     state,
		Timestamp: &ts,
	}
}

func TestReconcile_StateTypes(t *testing.T) {
	cases := map[string]notify.NotificationType{
		tis.LtftStateSubmitted:   notify.TypeLtftSubmitted,
		tis.LtftStateApproved:    notify.TypeLtftApproved,
		tis.LtftStateUnsubmitted: notify.TypeLtftUnsubmitted,
		tis.LtftStateWithdrawn:   notify.TypeLtftWithdrawn,
	}
	for state, want := range cases {
		t.Run(state, func(t *testing.T) {
			rec := Reconcile(update(state), testNow)
			if len(rec.Plans) != 1 {
				t.Fatalf("expected one plan, got %d", len(rec.Plans))
			}
			if rec.Plans[0].Type != want {
				t.Errorf("got %s, want %s", rec.Plans[0].Type, want)
			}
			if rec.Ref != (tis.Reference{Type: tis.RefTypeLtft, ID: "ltft_47_001"}) {
				t.Errorf("unexpected reference %+v", rec.Ref)
			}
		})
	}
}

func TestReconcile_FamilyCoversAllStates(t *testing.T) {
	// A later transition must supersede reminders of every earlier state,
	// so the whole family always rides along.
	rec := Reconcile(update(tis.LtftStateApproved), testNow)
	if len(rec.Family) != 4 {
		t.Errorf("expected the full four-state family, got %v", rec.Family)
	}
}

func TestReconcile_UnknownStateStillCleansUp(t *testing.T) {
	rec := Reconcile(update("IN_PROGRESS"), testNow)
	if rec.Excluded {
		t.Error("expected an unknown state to reconcile for cleanup")
	}
	if len(rec.Plans) != 0 {
		t.Errorf("expected no plans for an unknown state, got %d", len(rec.Plans))
	}
	if len(rec.Family) != 4 {
		t.Errorf("expected the full family for cleanup, got %v", rec.Family)
	}
}

func TestReconcile_MissingFormRefIsExcluded(t *testing.T) {
	u := update(tis.LtftStateSubmitted)
	u.FormRef = ""
	if rec := Reconcile(u, testNow); !rec.Excluded {
		t.Error("expected exclusion without a form ref")
	}
}
