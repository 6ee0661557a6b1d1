// Package notify is the notification orchestration core. Domain services
// hand it planned notifications; it deduplicates them against history,
// applies suppression and pilot gates, schedules or dispatches per channel,
// and keeps the scheduler and the history store reconciled.
package notify

import (
	"fmt"
	"time"

	"github.com/tis/notifications/internal/domain/history"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/reference"
)

// NotificationType names one kind of trainee notification.
type NotificationType string

// The notification types the pipeline can produce.
const (
	TypeProgrammeCreated NotificationType = "PROGRAMME_CREATED"
	TypeWelcome          NotificationType = "WELCOME"
	TypeProgrammeWeek8   NotificationType = "PROGRAMME_UPDATED_WEEK_8"
	TypeProgrammeWeek4   NotificationType = "PROGRAMME_UPDATED_WEEK_4"
	TypeProgrammeWeek0   NotificationType = "PROGRAMME_UPDATED_WEEK_0"
	TypePlacementWeek12  NotificationType = "PLACEMENT_UPDATED_WEEK_12"
	TypeCojConfirmation  NotificationType = "COJ_CONFIRMATION"
	TypeFormUpdated      NotificationType = "FORM_UPDATED"
	TypeGmcUpdated       NotificationType = "GMC_UPDATED"
	TypeGmcRejected      NotificationType = "GMC_REJECTED"
	TypeLtftSubmitted    NotificationType = "LTFT_SUBMITTED"
	TypeLtftApproved     NotificationType = "LTFT_APPROVED"
	TypeLtftUnsubmitted  NotificationType = "LTFT_UNSUBMITTED"
	TypeLtftWithdrawn    NotificationType = "LTFT_WITHDRAWN"
	TypeEmailUpdatedNew  NotificationType = "EMAIL_UPDATED_NEW"
)

// pilotCheck selects which remote gate, if any, must pass before a type is
// planned.
type pilotCheck int

const (
	pilotNone pilotCheck = iota
	pilotPlacement2024
	pilotProgramme2024
	pilotNewStarter
)

// noMilestone marks types dispatched on event arrival rather than at an
// offset from a start date.
const noMilestone = -1

// defaultWindow is the acceptable lateness of a fire before the entry is
// considered missed.
const defaultWindow = 48 * time.Hour

type typeInfo struct {
	template      string
	channels      []string
	contactType   string
	milestoneDays int
	window        time.Duration
	permitsMissed bool
	pilot         pilotCheck
}

var (
	emailOnly = []string{history.ChannelEmail}
	inAppOnly = []string{history.ChannelInApp}
	bothWays  = []string{history.ChannelEmail, history.ChannelInApp}
)

var catalog = map[NotificationType]typeInfo{
	TypeProgrammeCreated: {template: "programme-created", channels: inAppOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: noMilestone,
		window: defaultWindow, pilot: pilotProgramme2024},
	TypeWelcome: {template: "welcome", channels: inAppOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: noMilestone,
		window: defaultWindow, pilot: pilotNewStarter},
	TypeProgrammeWeek8: {template: "programme-updated-week-8", channels: emailOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: 56,
		window: defaultWindow},
	TypeProgrammeWeek4: {template: "programme-updated-week-4", channels: emailOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: 28,
		window: defaultWindow},
	TypeProgrammeWeek0: {template: "programme-updated-week-0", channels: emailOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: 0,
		window: defaultWindow},
	// A placement arriving on its own start day must still produce the
	// notification, so lateness beyond the window is allowed.
	TypePlacementWeek12: {template: "placement-updated-week-12", channels: emailOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: 84,
		window: defaultWindow, permitsMissed: true, pilot: pilotPlacement2024},
	TypeCojConfirmation: {template: "coj-confirmation", channels: bothWays,
		contactType: reference.TypeOnboardingSupport, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeFormUpdated: {template: "form-updated", channels: emailOnly,
		contactType: reference.TypeOnboardingSupport, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeGmcUpdated: {template: "gmc-updated", channels: emailOnly,
		contactType: reference.TypeGmcUpdate, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeGmcRejected: {template: "gmc-rejected", channels: emailOnly,
		contactType: reference.TypeGmcUpdate, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeLtftSubmitted: {template: "ltft-submitted", channels: emailOnly,
		contactType: reference.TypeLtft, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeLtftApproved: {template: "ltft-approved", channels: emailOnly,
		contactType: reference.TypeLtft, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeLtftUnsubmitted: {template: "ltft-unsubmitted", channels: emailOnly,
		contactType: reference.TypeLtft, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeLtftWithdrawn: {template: "ltft-withdrawn", channels: emailOnly,
		contactType: reference.TypeLtft, milestoneDays: noMilestone,
		window: defaultWindow},
	TypeEmailUpdatedNew: {template: "email-updated-new", channels: emailOnly,
		contactType: reference.TypeTssSupport, milestoneDays: noMilestone,
		window: defaultWindow},
}

// Known reports whether the type is part of the catalog.
func (t NotificationType) Known() bool {
	_, ok := catalog[t]
	return ok
}

// TemplateName returns the template directory name for the type.
func (t NotificationType) TemplateName() string {
	return catalog[t].template
}

// Channels returns the message channels the type is delivered on.
func (t NotificationType) Channels() []string {
	return catalog[t].channels
}

// ContactType names the local-office contact kind rendered into the type's
// templates.
func (t NotificationType) ContactType() string {
	return catalog[t].contactType
}

// MilestoneDays returns the type's offset in days before the entity start
// date, and whether the type is milestone-driven at all.
func (t NotificationType) MilestoneDays() (int, bool) {
	info, ok := catalog[t]
	if !ok || info.milestoneDays == noMilestone {
		return 0, false
	}
	return info.milestoneDays, true
}

// Window returns the acceptable lateness for firing the type.
func (t NotificationType) Window() time.Duration {
	return catalog[t].window
}

// PermitsMissed reports whether the type should still fire when its
// milestone has passed by more than the window.
func (t NotificationType) PermitsMissed() bool {
	return catalog[t].permitsMissed
}

// JobID derives the stable scheduler job identity for a notification about
// the referenced entity.
func JobID(t NotificationType, refID string) string {
	return fmt.Sprintf("%s-%s", t, refID)
}

// PlannedNotification is one delivery a domain service wants made. A zero
// FireAt means the notification is due now; Contact, when set, overrides
// directory resolution of the recipient address.
type PlannedNotification struct {
	Type        NotificationType
	PersonID    string
	Ref         tis.Reference
	LocalOffice string
	Contact     string
	FireAt      time.Time
	Variables   map[string]any
}

// JobID returns the plan's scheduler job identity.
func (p PlannedNotification) JobID() string {
	return JobID(p.Type, p.Ref.ID)
}

// Reconciliation is the full desired notification state for one entity:
// the plans that should exist and the family of types whose stale schedules
// must be cleaned up when no plan keeps them alive.
type Reconciliation struct {
	PersonID string
	Ref      tis.Reference
	Excluded bool
	Plans    []PlannedNotification
	Family   []NotificationType
}

// firePayload is the scheduler payload linking a job back to its history
// record.
type firePayload struct {
	HistoryID string `json:"historyId"`
	PersonID  string `json:"personId"`
	Type      string `json:"type"`
	RefType   string `json:"refType"`
	RefID     string `json:"refId"`
}
