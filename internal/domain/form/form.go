// Package form plans the notification sent when a trainee-submitted form
// changes lifecycle state.
package form

import (
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// Family lists every notification type a form update can own.
var Family = []notify.NotificationType{notify.TypeFormUpdated}

// Lifecycle states that notify the trainee. Draft saves and internal moves
// stay silent.
var notifiedStates = map[string]bool{
	"SUBMITTED":   true,
	"UNSUBMITTED": true,
	"DELETED":     true,
}

// IsExcluded reports whether the update produces no notification.
func IsExcluded(f tis.FormUpdate) bool {
	return f.FormName == "" || !notifiedStates[f.LifecycleState]
}

// Reconcile plans the immediate form-updated notification.
func Reconcile(f tis.FormUpdate, _ time.Time) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeForm, ID: f.FormName}
	rec := notify.Reconciliation{PersonID: f.PersonID, Ref: ref, Family: Family}

	if IsExcluded(f) {
		rec.Excluded = true
		return rec
	}

	vars := map[string]any{
		"formName":       f.FormName,
		"formType":       f.FormType,
		"lifecycleState": f.LifecycleState,
	}
	if f.EventDate != nil {
		vars["eventDate"] = *f.EventDate
	}

	rec.Plans = append(rec.Plans, notify.PlannedNotification{
		Type:      notify.TypeFormUpdated,
		PersonID:  f.PersonID,
		Ref:       ref,
		Variables: vars,
	})
	return rec
}
