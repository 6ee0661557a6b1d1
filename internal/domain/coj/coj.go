// Package coj plans the confirmation sent when a trainee signs the
// Conditions of Joining of a programme membership.
package coj

import (
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// Family lists every notification type a signed CoJ can own.
var Family = []notify.NotificationType{notify.TypeCojConfirmation}

// IsExcluded reports whether the membership carries no signed CoJ.
func IsExcluded(pm tis.ProgrammeMembership) bool {
	return pm.ConditionsOfJoining == nil || pm.ConditionsOfJoining.SignedAt == nil
}

// Reconcile plans the immediate signing confirmation.
func Reconcile(pm tis.ProgrammeMembership, _ time.Time) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeCoj, ID: pm.TisID}
	rec := notify.Reconciliation{PersonID: pm.PersonID, Ref: ref, Family: Family}

	if IsExcluded(pm) {
		rec.Excluded = true
		return rec
	}

	rec.Plans = append(rec.Plans, notify.PlannedNotification{
		Type:        notify.TypeCojConfirmation,
		PersonID:    pm.PersonID,
		Ref:         ref,
		LocalOffice: pm.Owner,
		Variables: map[string]any{
			"programmeName": pm.ProgrammeName,
			"signedAt":      *pm.ConditionsOfJoining.SignedAt,
			"cojVersion":    pm.ConditionsOfJoining.Version,
		},
	})
	return rec
}
