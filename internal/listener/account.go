package listener

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/tis/notifications/internal/domain/account"
	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/outbox"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/mail"
)

// outboxWakeQueue returns the wake-up queue the outbox publishes to.
func outboxWakeQueue() string {
	return outbox.WakeQueue
}

// accountDetails is the record.data payload of contact-details events.
type accountDetails struct {
	Email string `json:"email"`
}

// handleAccountUpdated reconciles the confirmation sent to a changed email
// address.
func (l *Listeners) handleAccountUpdated(ctx context.Context, body []byte) error {
	env, err := decode[accountDetails](body)
	if err != nil {
		return err
	}

	personID := env.personID("")
	if personID == "" {
		return notify.Validationf("listener: account event missing trainee id")
	}

	return l.notify.Apply(ctx, account.Reconcile(tis.AccountUpdate{
		PersonID: personID,
		Email:    env.Record.Data.Email,
	}, l.now()))
}

// feedbackHeader is one provider message header.
type feedbackHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// feedbackEvent is the provider's bounce or complaint notification. Headers
// appear at the top level or under mail.headers depending on the event
// type.
type feedbackEvent struct {
	EventType string `json:"eventType"`
	Type      string `json:"notificationType"`
	Bounce    struct {
		BounceType    string `json:"bounceType"`
		BounceSubType string `json:"bounceSubType"`
	} `json:"bounce"`
	Complaint struct {
		ComplaintSubType      string `json:"complaintSubType"`
		ComplaintFeedbackType string `json:"complaintFeedbackType"`
	} `json:"complaint"`
	Headers []feedbackHeader `json:"headers"`
	Mail    struct {
		Headers []feedbackHeader `json:"headers"`
	} `json:"mail"`
}

// notificationID finds the correlation header, wherever the provider put it.
func (e feedbackEvent) notificationID() string {
	for _, headers := range [][]feedbackHeader{e.Headers, e.Mail.Headers} {
		for _, h := range headers {
			if strings.EqualFold(h.Name, mail.HeaderNotificationID) {
				return h.Value
			}
		}
	}
	return ""
}

// handleEmailFeedback applies a bounce or complaint to its history record.
func (l *Listeners) handleEmailFeedback(ctx context.Context, body []byte) error {
	var ev feedbackEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return notify.Validationf("listener: malformed feedback event: %v", err)
	}

	eventType := ev.EventType
	if eventType == "" {
		eventType = ev.Type
	}
	if eventType == "" {
		return notify.Validationf("listener: feedback event missing its type")
	}

	id := ev.notificationID()
	if id == "" {
		return notify.Validationf("listener: feedback event carries no %s header", mail.HeaderNotificationID)
	}

	l.metrics.EmailFeedback.WithLabelValues(eventType).Inc()

	detail := notify.FeedbackDetail(eventType,
		ev.Bounce.BounceType, ev.Bounce.BounceSubType,
		ev.Complaint.ComplaintSubType, ev.Complaint.ComplaintFeedbackType)
	return l.notify.RecordFeedback(ctx, id, detail)
}

// handleOutboxWake gives the named outbox item an immediate pass.
func (l *Listeners) handleOutboxWake(ctx context.Context, body []byte) error {
	var msg outbox.WakeMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return notify.Validationf("listener: malformed outbox wake-up: %v", err)
	}
	if msg.NotificationID == "" {
		return notify.Validationf("listener: outbox wake-up missing notification id")
	}
	if err := l.outbox.ProcessNotification(ctx, msg.NotificationID); err != nil {
		return notify.Transient(err)
	}
	return nil
}
