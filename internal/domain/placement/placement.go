// Package placement holds the pure planning rules for placement
// notifications: the week-12 email milestone ahead of an in-post placement
// start. The rules do no I/O.
package placement

import (
	"strings"
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// Family lists every notification type a placement can own.
var Family = []notify.NotificationType{notify.TypePlacementWeek12}

// Placement types that produce notifications. Everything else (OOP, parental
// leave, exam preparation and the long tail of historical types) is excluded.
var includedTypes = map[string]bool{
	"in post":             true,
	"in post - acting up": true,
	"in post - extension": true,
}

// IsExcluded reports whether the placement produces no notifications: a
// non-working placement type, no start date, or a start already in the past.
func IsExcluded(pl tis.Placement, now time.Time, loc *time.Location) bool {
	if !includedTypes[strings.ToLower(strings.TrimSpace(pl.PlacementType))] {
		return true
	}
	if pl.StartDate == nil {
		return true
	}
	return notify.LocalStartOfDay(*pl.StartDate, loc).Before(notify.LocalStartOfDay(now, loc))
}

// Reconcile computes the desired notification state for the placement. A
// week-12 milestone already missed beyond its window still fires
// immediately; trainees joining a placement late must not silently lose the
// notification.
func Reconcile(pl tis.Placement, now time.Time, loc *time.Location) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypePlacement, ID: pl.TisID}
	rec := notify.Reconciliation{PersonID: pl.PersonID, Ref: ref, Family: Family}

	if IsExcluded(pl, now, loc) {
		rec.Excluded = true
		return rec
	}

	t := notify.TypePlacementWeek12
	days, _ := t.MilestoneDays()
	fireAt := notify.LocalStartOfDay(*pl.StartDate, loc).AddDate(0, 0, -days)

	plan := notify.PlannedNotification{
		Type:        t,
		PersonID:    pl.PersonID,
		Ref:         ref,
		LocalOffice: pl.Owner,
		FireAt:      fireAt,
		Variables:   Variables(pl),
	}
	if now.Sub(fireAt) > t.Window() {
		if !t.PermitsMissed() {
			return rec
		}
		plan.FireAt = time.Time{}
	}

	rec.Plans = append(rec.Plans, plan)
	return rec
}

// Variables collects the template variables a placement renders with.
func Variables(pl tis.Placement) map[string]any {
	vars := map[string]any{
		"placementType": pl.PlacementType,
		"site":          pl.Site,
		"siteLocation":  pl.SiteLocation,
		"specialty":     pl.Specialty,
		"localOffice":   pl.Owner,
	}
	if pl.StartDate != nil {
		vars["startDate"] = *pl.StartDate
	}
	return vars
}
