// Package gmc plans the notifications triggered by changes to a trainee's
// GMC registration details: the confirmation of an accepted update and the
// rejection notice when TIS declines the change.
package gmc

import (
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// UpdatedFamily and RejectedFamily list the types each event family owns.
var (
	UpdatedFamily  = []notify.NotificationType{notify.TypeGmcUpdated}
	RejectedFamily = []notify.NotificationType{notify.TypeGmcRejected}
)

// ReconcileUpdated plans the confirmation of an accepted GMC change.
func ReconcileUpdated(g tis.GmcUpdate, _ time.Time) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeGmc, ID: g.PersonID}
	rec := notify.Reconciliation{PersonID: g.PersonID, Ref: ref, Family: UpdatedFamily}

	if g.GmcNumber == "" {
		rec.Excluded = true
		return rec
	}

	rec.Plans = append(rec.Plans, notify.PlannedNotification{
		Type:      notify.TypeGmcUpdated,
		PersonID:  g.PersonID,
		Ref:       ref,
		Variables: variables(g),
	})
	return rec
}

// ReconcileRejected plans the rejection notice.
func ReconcileRejected(g tis.GmcUpdate, _ time.Time) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeGmc, ID: g.PersonID}
	rec := notify.Reconciliation{PersonID: g.PersonID, Ref: ref, Family: RejectedFamily}

	vars := variables(g)
	vars["tisTrigger"] = g.TisTrigger
	vars["tisTriggerDetail"] = g.TisTriggerDetail

	rec.Plans = append(rec.Plans, notify.PlannedNotification{
		Type:      notify.TypeGmcRejected,
		PersonID:  g.PersonID,
		Ref:       ref,
		Variables: vars,
	})
	return rec
}

func variables(g tis.GmcUpdate) map[string]any {
	return map[string]any{
		"gmcNumber": g.GmcNumber,
		"gmcStatus": g.GmcStatus,
	}
}
