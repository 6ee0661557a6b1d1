// Package account plans the notification sent to a trainee's new email
// address when their account contact details change.
package account

import (
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// Family lists every notification type an account update can own.
var Family = []notify.NotificationType{notify.TypeEmailUpdatedNew}

// IsExcluded reports whether the update produces no notification.
func IsExcluded(a tis.AccountUpdate) bool {
	return a.Email == ""
}

// Reconcile plans the confirmation to the new address. The plan pins the
// new email as the contact so delivery does not depend on the directory
// having caught up with the change.
func Reconcile(a tis.AccountUpdate, _ time.Time) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeAccount, ID: a.PersonID}
	rec := notify.Reconciliation{PersonID: a.PersonID, Ref: ref, Family: Family}

	if IsExcluded(a) {
		rec.Excluded = true
		return rec
	}

	rec.Plans = append(rec.Plans, notify.PlannedNotification{
		Type:     notify.TypeEmailUpdatedNew,
		PersonID: a.PersonID,
		Ref:      ref,
		Contact:  a.Email,
		Variables: map[string]any{
			"email": a.Email,
		},
	})
	return rec
}
