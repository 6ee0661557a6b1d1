package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tis/notifications/internal/domain/history"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/directory"
	"github.com/tis/notifications/internal/platform/messaging"
	"github.com/tis/notifications/internal/platform/metrics"
	"github.com/tis/notifications/internal/platform/reference"
)

// SchedulerStore is the slice of the scheduler the orchestration needs.
type SchedulerStore interface {
	Schedule(ctx context.Context, jobID string, payload any, fireAt time.Time, window time.Duration) error
	Remove(ctx context.Context, jobID string) error
	Pending(ctx context.Context, jobID string) (bool, error)
}

// Outbox accepts send-now work items referencing a history record.
type Outbox interface {
	Enqueue(ctx context.Context, notificationID string) error
}

// Renderer resolves template versions and renders message fragments.
type Renderer interface {
	Version(notificationType, messageType string) (string, error)
	Render(messageType, templateName, version string, vars map[string]any) (subject, body string, err error)
}

// Variable names the orchestration injects on top of the planner's own.
const (
	varLocalOfficeContact     = "localOfficeContact"
	varLocalOfficeContactType = "localOfficeContactType"
	varFamilyName             = "familyName"
	varGivenName              = "givenName"
)

// Status details the orchestration writes on failed deliveries.
const (
	detailNoContact = "No email address available"
)

// Deps are the collaborators the Service orchestrates.
type Deps struct {
	History   *history.Service
	Scheduler SchedulerStore
	Gate      messaging.Gate
	Contacts  reference.ContactSource
	Directory directory.Lookup
	Outbox    Outbox
	Renderer  Renderer
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
	// Delay is the minimum delay applied to immediate email dispatch,
	// giving operators a recall window before anything leaves the building.
	Delay time.Duration
}

// Service turns reconciliations produced by the domain planners into
// scheduler entries, history records and deliveries. It is the only
// component that writes both stores, which is what keeps them reconcilable.
type Service struct {
	history  *history.Service
	sched    SchedulerStore
	gate     messaging.Gate
	contacts reference.ContactSource
	dir      directory.Lookup
	outbox   Outbox
	engine   Renderer
	metrics  *metrics.Metrics
	log      zerolog.Logger
	delay    time.Duration
	now      func() time.Time
}

// NewService creates the orchestration service.
func NewService(deps Deps) *Service {
	return &Service{
		history:  deps.History,
		sched:    deps.Scheduler,
		gate:     deps.Gate,
		contacts: deps.Contacts,
		dir:      deps.Directory,
		outbox:   deps.Outbox,
		engine:   deps.Renderer,
		metrics:  deps.Metrics,
		log:      deps.Log,
		delay:    deps.Delay,
		now:      time.Now,
	}
}

// Apply reconciles the desired notification state for one entity: it cleans
// up schedules that no surviving plan keeps alive, then plans the rest.
// Re-applying the same reconciliation is idempotent.
func (s *Service) Apply(ctx context.Context, rec Reconciliation) error {
	now := s.now().UTC()

	planned := make(map[NotificationType]bool, len(rec.Plans))
	if !rec.Excluded {
		for _, p := range rec.Plans {
			planned[p.Type] = true
		}
	}

	for _, t := range rec.Family {
		if planned[t] {
			continue
		}
		if err := s.cleanupJob(ctx, t, rec.Ref); err != nil {
			return Transient(err)
		}
	}
	if rec.Excluded {
		return nil
	}

	for _, plan := range rec.Plans {
		if err := s.applyPlan(ctx, plan, now); err != nil {
			return err
		}
	}
	return nil
}

// DeleteEntity removes every schedule the entity's notification family still
// holds open. Listeners call it when the upstream entity is deleted.
func (s *Service) DeleteEntity(ctx context.Context, ref tis.Reference, family []NotificationType) error {
	for _, t := range family {
		if err := s.cleanupJob(ctx, t, ref); err != nil {
			return Transient(err)
		}
	}
	return nil
}

// SendImmediate plans a single notification due now, bypassing milestone
// computation. Suppression and deduplication still apply.
func (s *Service) SendImmediate(ctx context.Context, personID string, t NotificationType, ref tis.Reference, variables map[string]any) error {
	if !t.Known() {
		return Validationf("notify: unknown notification type %q", t)
	}
	return s.applyPlan(ctx, PlannedNotification{
		Type:      t,
		PersonID:  personID,
		Ref:       ref,
		Variables: variables,
	}, s.now().UTC())
}

// ResendScheduled re-enqueues the history record's outbox work item. The
// outbox worker uses it to give a stuck email another pass.
func (s *Service) ResendScheduled(ctx context.Context, notificationID string) error {
	id, err := primitive.ObjectIDFromHex(notificationID)
	if err != nil {
		return Validationf("notify: invalid notification id %q", notificationID)
	}

	rec, err := s.history.GetByID(ctx, id)
	if err != nil {
		return Transient(err)
	}
	if rec == nil || rec.Status != history.StatusScheduled || rec.Recipient.Channel != history.ChannelEmail {
		return nil
	}
	return s.outbox.Enqueue(ctx, notificationID)
}

// cleanupJob removes the scheduler entry for the job and turns any open
// SCHEDULED history into DELETED, broadcasting the transition.
func (s *Service) cleanupJob(ctx context.Context, t NotificationType, ref tis.Reference) error {
	jobID := JobID(t, ref.ID)
	if err := s.sched.Remove(ctx, jobID); err != nil {
		return err
	}

	open, err := s.history.ScheduledByRef(ctx, ref.Type, ref.ID, string(t))
	if err != nil {
		return err
	}
	for _, rec := range open {
		if _, err := s.history.UpdateStatus(ctx, rec.ID, history.StatusDeleted, ""); err != nil {
			return err
		}
		s.log.Info().
			Str("job_id", jobID).
			Str("history_id", rec.ID.Hex()).
			Msg("stale schedule cleaned up")
	}
	return nil
}

func (s *Service) applyPlan(ctx context.Context, plan PlannedNotification, now time.Time) error {
	if !s.pilotAllows(ctx, plan) {
		// Entities outside the pilot keep no schedules either.
		if err := s.cleanupJob(ctx, plan.Type, plan.Ref); err != nil {
			return Transient(err)
		}
		return nil
	}

	for _, channel := range plan.Type.Channels() {
		if err := s.applyChannel(ctx, plan, channel, now); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) pilotAllows(ctx context.Context, plan PlannedNotification) bool {
	switch catalog[plan.Type].pilot {
	case pilotPlacement2024:
		return s.gate.IsPlacementInPilot2024(ctx, plan.PersonID, plan.Ref.ID)
	case pilotProgramme2024:
		return s.gate.IsProgrammeMembershipInPilot2024(ctx, plan.PersonID, plan.Ref.ID)
	case pilotNewStarter:
		return s.gate.IsProgrammeMembershipNewStarter(ctx, plan.PersonID, plan.Ref.ID)
	default:
		return true
	}
}

func (s *Service) applyChannel(ctx context.Context, plan PlannedNotification, channel string, now time.Time) error {
	// A delivery that already left the open-schedule state is never
	// repeated for the same logical job.
	prior, err := s.history.Delivered(ctx, plan.PersonID, plan.Ref.Type, plan.Ref.ID, string(plan.Type), channel)
	if err != nil {
		return Transient(err)
	}
	if prior != nil {
		return nil
	}

	if !s.gate.IsValidRecipient(plan.PersonID, channel) {
		// A recipient that lost eligibility keeps no live schedule behind
		// the suppression row.
		if err := s.cleanupJob(ctx, plan.Type, plan.Ref); err != nil {
			return Transient(err)
		}
		return s.recordSuppressed(ctx, plan, channel, now)
	}

	version, err := s.engine.Version(string(plan.Type), channel)
	if err != nil {
		// A required type without a template is a deployment defect, not a
		// skippable message.
		return Fatal(err)
	}

	rec := &history.Record{
		Type:         string(plan.Type),
		TisReference: plan.Ref,
		Recipient: history.Recipient{
			ID:      plan.PersonID,
			Channel: channel,
			Contact: plan.Contact,
		},
		Template: history.Template{
			Name:      plan.Type.TemplateName(),
			Version:   version,
			Variables: s.normalize(ctx, plan),
		},
	}

	// Re-use the open schedule's identity so re-delivered events update in
	// place instead of creating a second SCHEDULED row.
	if open, err := s.history.FindScheduled(ctx, plan.PersonID, plan.Ref.Type, plan.Ref.ID, string(plan.Type)); err != nil {
		return Transient(err)
	} else if open != nil {
		rec.ID = open.ID
	}

	if channel == history.ChannelInApp {
		// In-app messages surface promptly as unread; there is nothing to
		// recall and nothing for the mail provider to do.
		rec.Status = history.StatusUnread
		rec.SentAt = now
		if _, err := s.history.Save(ctx, rec); err != nil {
			return Transient(err)
		}
		s.metrics.NotificationsSent.WithLabelValues(string(plan.Type), channel).Inc()
		return nil
	}

	fireAt := plan.FireAt
	if fireAt.IsZero() {
		fireAt = now.Add(s.delay)
	}

	rec.Status = history.StatusScheduled
	rec.SentAt = fireAt
	if _, err := s.history.Save(ctx, rec); err != nil {
		return Transient(err)
	}

	payload := firePayload{
		HistoryID: rec.ID.Hex(),
		PersonID:  plan.PersonID,
		Type:      string(plan.Type),
		RefType:   plan.Ref.Type,
		RefID:     plan.Ref.ID,
	}
	if err := s.sched.Schedule(ctx, plan.JobID(), payload, fireAt, plan.Type.Window()); err != nil {
		return Transient(err)
	}

	s.log.Info().
		Str("job_id", plan.JobID()).
		Str("history_id", rec.ID.Hex()).
		Time("fire_at", fireAt).
		Msg("notification scheduled")
	return nil
}

// recordSuppressed writes the FAILED/"suppressed" audit row. The row is
// broadcast like any other mutation; the message itself goes nowhere.
func (s *Service) recordSuppressed(ctx context.Context, plan PlannedNotification, channel string, now time.Time) error {
	rec := &history.Record{
		Type:         string(plan.Type),
		TisReference: plan.Ref,
		Recipient: history.Recipient{
			ID:      plan.PersonID,
			Channel: channel,
			Contact: plan.Contact,
		},
		Template: history.Template{
			Name:      plan.Type.TemplateName(),
			Variables: plan.Variables,
		},
		Status:       history.StatusFailed,
		StatusDetail: history.DetailSuppressed,
		SentAt:       now,
	}
	if _, err := s.history.Save(ctx, rec); err != nil {
		return Transient(err)
	}

	s.metrics.NotificationsFailed.WithLabelValues(string(plan.Type), "suppressed").Inc()
	s.log.Info().
		Str("person_id", plan.PersonID).
		Str("type", string(plan.Type)).
		Str("channel", channel).
		Msg("notification suppressed")
	return nil
}

// normalize copies the planner's variables and joins in the local-office
// contact, falling back to the TSS support contact when the office has no
// contact of the wanted kind.
func (s *Service) normalize(ctx context.Context, plan PlannedNotification) map[string]any {
	vars := make(map[string]any, len(plan.Variables)+2)
	for k, v := range plan.Variables {
		vars[k] = v
	}

	value, hrefType := s.contacts.Contact(ctx, plan.LocalOffice, plan.Type.ContactType())
	vars[varLocalOfficeContact] = value
	vars[varLocalOfficeContactType] = hrefType
	return vars
}

// HandleFire is the single scheduler handler. It re-resolves the trainee's
// contact details, which may have changed since planning, and either hands
// the email to the outbox or surfaces the in-app record. It is idempotent on
// the history record's status.
func (s *Service) HandleFire(ctx context.Context, jobID string, payload []byte) (err error) {
	started := s.now()
	defer func() {
		s.metrics.ExecuteDuration.Observe(time.Since(started).Seconds())
		result := "ok"
		if err != nil {
			result = "error"
		}
		s.metrics.ScheduleFires.WithLabelValues(result).Inc()
	}()

	var p firePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("notify: decode fire payload for %s: %w", jobID, err)
	}
	id, err := primitive.ObjectIDFromHex(p.HistoryID)
	if err != nil {
		return fmt.Errorf("notify: fire payload for %s has invalid history id %q", jobID, p.HistoryID)
	}

	rec, err := s.history.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != history.StatusScheduled {
		// Replaced, already fired, or cleaned up meanwhile.
		return nil
	}

	if rec.Recipient.Channel == history.ChannelInApp {
		if _, err := s.history.UpdateStatus(ctx, id, history.StatusUnread, ""); err != nil {
			return err
		}
		s.metrics.NotificationsSent.WithLabelValues(rec.Type, rec.Recipient.Channel).Inc()
		return nil
	}

	user, err := s.resolveUser(ctx, rec.Recipient.ID)
	if err != nil && rec.Recipient.Contact == "" {
		s.log.Warn().Err(err).
			Str("history_id", p.HistoryID).
			Str("person_id", rec.Recipient.ID).
			Msg("trainee contact resolution failed")
		if _, uerr := s.history.UpdateStatus(ctx, id, history.StatusFailed, detailNoContact); uerr != nil {
			return uerr
		}
		s.metrics.NotificationsFailed.WithLabelValues(rec.Type, "no_contact").Inc()
		return nil
	}

	// Pin the freshly resolved contact details before hand-off so the
	// rendered message and the audit trail agree. A contact set at planning
	// time (the new address of an account update) stays authoritative.
	if rec.Recipient.Contact == "" {
		rec.Recipient.Contact = user.Email
	}
	if rec.Template.Variables == nil {
		rec.Template.Variables = map[string]any{}
	}
	if err == nil {
		rec.Template.Variables[varFamilyName] = user.FamilyName
		rec.Template.Variables[varGivenName] = user.GivenName
	}
	if _, err := s.history.Save(ctx, rec); err != nil {
		return err
	}

	// Prove the pinned template renders before accepting the job; a missing
	// or broken template must fail loudly here rather than inside the
	// outbox retry loop.
	if _, _, err := s.engine.Render(rec.Recipient.Channel, rec.Template.Name, rec.Template.Version, rec.Template.Variables); err != nil {
		return Fatal(err)
	}

	return s.outbox.Enqueue(ctx, p.HistoryID)
}

// RecordFeedback applies provider feedback (bounce or complaint) to the
// referenced history record. Unknown ids are ignored; the provider can
// report on mail from previous deployments.
func (s *Service) RecordFeedback(ctx context.Context, notificationID, detail string) error {
	id, err := primitive.ObjectIDFromHex(notificationID)
	if err != nil {
		return Validationf("notify: feedback references invalid notification id %q", notificationID)
	}

	rec, err := s.history.UpdateStatus(ctx, id, history.StatusFailed, detail)
	if err != nil {
		return Transient(err)
	}
	if rec == nil {
		s.log.Warn().
			Str("notification_id", notificationID).
			Str("detail", detail).
			Msg("feedback for unknown notification")
		return nil
	}

	s.metrics.NotificationsFailed.WithLabelValues(rec.Type, "provider").Inc()
	return nil
}

// Sweep reconciles open SCHEDULED histories against the scheduler: rows that
// came due with no backing entry are replayed when still inside their
// window, or failed with "Missed Schedule". It returns how many of each.
func (s *Service) Sweep(ctx context.Context) (replayed, failed int, err error) {
	now := s.now().UTC()

	due, err := s.history.ScheduledBefore(ctx, now)
	if err != nil {
		return 0, 0, err
	}

	for _, rec := range due {
		t := NotificationType(rec.Type)
		jobID := JobID(t, rec.TisReference.ID)

		pending, err := s.sched.Pending(ctx, jobID)
		if err != nil {
			return replayed, failed, err
		}
		if pending {
			continue
		}

		if now.Before(rec.SentAt.Add(t.Window())) {
			payload := firePayload{
				HistoryID: rec.ID.Hex(),
				PersonID:  rec.Recipient.ID,
				Type:      rec.Type,
				RefType:   rec.TisReference.Type,
				RefID:     rec.TisReference.ID,
			}
			if err := s.sched.Schedule(ctx, jobID, payload, rec.SentAt, t.Window()); err != nil {
				return replayed, failed, err
			}
			replayed++
			s.log.Warn().Str("job_id", jobID).Msg("orphan schedule replayed")
			continue
		}

		if _, err := s.history.UpdateStatus(ctx, rec.ID, history.StatusFailed, history.DetailMissedSchedule); err != nil {
			return replayed, failed, err
		}
		failed++
		s.metrics.NotificationsFailed.WithLabelValues(rec.Type, "missed_schedule").Inc()
	}
	return replayed, failed, nil
}

// RunSweeper runs Sweep on a fixed interval until the context is cancelled.
// The first pass runs immediately so restarts heal promptly.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		replayed, failed, err := s.Sweep(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("reconciliation sweep failed")
		} else if replayed > 0 || failed > 0 {
			s.log.Info().
				Int("replayed", replayed).
				Int("failed", failed).
				Msg("reconciliation sweep")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) resolveUser(ctx context.Context, personID string) (directory.User, error) {
	ids, err := s.dir.AccountIDs(ctx, personID)
	if err != nil {
		return directory.User{}, err
	}
	if len(ids) == 0 {
		return directory.User{}, directory.ErrUserNotFound
	}

	user, err := s.dir.DetailsByID(ctx, ids[0])
	if err != nil {
		return directory.User{}, err
	}
	if user.Email == "" {
		return directory.User{}, directory.ErrUserNotFound
	}
	return user, nil
}

// FeedbackDetail formats a provider feedback event into the status detail
// recorded on the history row.
func FeedbackDetail(eventType, bounceType, bounceSubType, complaintSubType, complaintFeedbackType string) string {
	switch eventType {
	case "Bounce":
		return fmt.Sprintf("Bounce: %s - %s", bounceType, bounceSubType)
	case "Complaint":
		sub := complaintSubType
		if sub == "" {
			sub = complaintFeedbackType
		}
		if sub == "" {
			sub = "Undetermined"
		}
		return "Complaint: " + sub
	default:
		return eventType
	}
}

// LocalStartOfDay truncates the instant to midnight in the given zone.
// Milestone fire times are local midnights of the offset day.
func LocalStartOfDay(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
}
