// Package ltft plans the notifications for Less Than Full Time application
// status transitions. The whole LTFT family shares one reconciliation so a
// later transition on the same form supersedes any reminder still scheduled
// for an earlier state.
package ltft

import (
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// Family lists every notification type an LTFT application can own.
var Family = []notify.NotificationType{
	notify.TypeLtftSubmitted,
	notify.TypeLtftApproved,
	notify.TypeLtftUnsubmitted,
	notify.TypeLtftWithdrawn,
}

// stateTypes maps a lifecycle state onto its notification type.
var stateTypes = map[string]notify.NotificationType{
	tis.LtftStateSubmitted:   notify.TypeLtftSubmitted,
	tis.LtftStateApproved:    notify.TypeLtftApproved,
	tis.LtftStateUnsubmitted: notify.TypeLtftUnsubmitted,
	tis.LtftStateWithdrawn:   notify.TypeLtftWithdrawn,
}

// IsExcluded reports whether the transition produces no notification.
// Unknown states still reconcile: their family cleanup cancels reminders
// made obsolete by the user's action.
func IsExcluded(l tis.LtftUpdate) bool {
	return l.FormRef == ""
}

// Reconcile plans the notification for the current state and supersedes
// open schedules of every other state of the same form.
func Reconcile(l tis.LtftUpdate, _ time.Time) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeLtft, ID: l.FormRef}
	rec := notify.Reconciliation{PersonID: l.PersonID, Ref: ref, Family: Family}

	if IsExcluded(l) {
		rec.Excluded = true
		return rec
	}

	t, ok := stateTypes[l.State]
	if !ok {
		// No plan for this state; the family cleanup still runs.
		return rec
	}

	vars := map[string]any{
		"formRef":  l.FormRef,
		"formName": l.FormName,
		"state":    l.State,
	}
	if l.Timestamp != nil {
		vars["eventDate"] = *l.Timestamp
	}

	rec.Plans = append(rec.Plans, notify.PlannedNotification{
		Type:      t,
		PersonID:  l.PersonID,
		Ref:       ref,
		Variables: vars,
	})
	return rec
}
