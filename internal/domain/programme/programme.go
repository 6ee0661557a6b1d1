// Package programme holds the pure planning rules for programme-membership
// notifications: the in-app announcement on creation, the welcome message
// for new starters, and the week-8/4/0 email milestones leading up to the
// programme start. The rules do no I/O; the orchestration supplies contact
// and pilot lookups.
package programme

import (
	"time"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// Family lists every notification type a programme membership can own.
// Reconciliation cleans up open schedules of family members that no current
// plan keeps alive.
var Family = []notify.NotificationType{
	notify.TypeProgrammeCreated,
	notify.TypeWelcome,
	notify.TypeProgrammeWeek8,
	notify.TypeProgrammeWeek4,
	notify.TypeProgrammeWeek0,
}

// milestones in firing order.
var milestones = []notify.NotificationType{
	notify.TypeProgrammeWeek8,
	notify.TypeProgrammeWeek4,
	notify.TypeProgrammeWeek0,
}

// IsExcluded reports whether the membership produces no milestone
// notifications: no start date, or a programme already underway.
func IsExcluded(pm tis.ProgrammeMembership, now time.Time, loc *time.Location) bool {
	if pm.StartDate == nil {
		return true
	}
	return notify.LocalStartOfDay(*pm.StartDate, loc).Before(notify.LocalStartOfDay(now, loc))
}

// MilestoneDays returns the type's offset before the programme start.
func MilestoneDays(t notify.NotificationType) (int, bool) {
	for _, m := range milestones {
		if m == t {
			return t.MilestoneDays()
		}
	}
	return 0, false
}

// Reconcile computes the desired notification state for the membership.
// Milestones whose fire time has passed by more than the window are dropped;
// the week-0 milestone never fires late because a programme already running
// makes the reminder pointless.
func Reconcile(pm tis.ProgrammeMembership, now time.Time, loc *time.Location) notify.Reconciliation {
	ref := tis.Reference{Type: tis.RefTypeProgrammeMembership, ID: pm.TisID}
	rec := notify.Reconciliation{PersonID: pm.PersonID, Ref: ref, Family: Family}

	if IsExcluded(pm, now, loc) {
		rec.Excluded = true
		return rec
	}

	vars := Variables(pm)

	rec.Plans = append(rec.Plans,
		notify.PlannedNotification{
			Type:        notify.TypeProgrammeCreated,
			PersonID:    pm.PersonID,
			Ref:         ref,
			LocalOffice: pm.Owner,
			Variables:   vars,
		},
		notify.PlannedNotification{
			Type:        notify.TypeWelcome,
			PersonID:    pm.PersonID,
			Ref:         ref,
			LocalOffice: pm.Owner,
			Variables:   vars,
		},
	)

	start := notify.LocalStartOfDay(*pm.StartDate, loc)
	for _, t := range milestones {
		days, ok := t.MilestoneDays()
		if !ok {
			continue
		}
		fireAt := start.AddDate(0, 0, -days)

		plan := notify.PlannedNotification{
			Type:        t,
			PersonID:    pm.PersonID,
			Ref:         ref,
			LocalOffice: pm.Owner,
			FireAt:      fireAt,
			Variables:   vars,
		}
		if now.Sub(fireAt) > t.Window() {
			if !t.PermitsMissed() {
				continue
			}
			plan.FireAt = time.Time{}
		}
		rec.Plans = append(rec.Plans, plan)
	}
	return rec
}

// Variables collects the template variables a programme membership renders
// with.
func Variables(pm tis.ProgrammeMembership) map[string]any {
	vars := map[string]any{
		"programmeName":   pm.ProgrammeName,
		"programmeNumber": pm.ProgrammeNumber,
		"localOffice":     pm.Owner,
	}
	if pm.StartDate != nil {
		vars["startDate"] = *pm.StartDate
	}
	if len(pm.Curricula) > 0 {
		vars["curriculumName"] = pm.Curricula[0].Name
		vars["curriculumSpecialty"] = pm.Curricula[0].Specialty
	}
	return vars
}
