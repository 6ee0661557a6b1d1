package listener

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tis/notifications/internal/domain/form"
	"github.com/tis/notifications/internal/domain/ltft"
	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// handleFormUpdated reconciles a form lifecycle change.
func (l *Listeners) handleFormUpdated(ctx context.Context, body []byte) error {
	env, err := decode[tis.FormUpdate](body)
	if err != nil {
		return err
	}

	f := env.Record.Data
	f.PersonID = env.personID(f.PersonID)
	if f.FormName == "" || f.PersonID == "" {
		return notify.Validationf("listener: form event missing formName or trainee id")
	}

	return l.notify.Apply(ctx, form.Reconcile(f, l.now()))
}

// ltftEvent is the LTFT status-transition message shape.
type ltftEvent struct {
	TraineeTisID string `json:"traineeTisId"`
	FormRef      string `json:"formRef" validate:"required"`
	FormName     string `json:"formName"`
	Status       struct {
		Current struct {
			State     string     `json:"state" validate:"required"`
			Timestamp *time.Time `json:"timestamp"`
		} `json:"current" validate:"required"`
	} `json:"status"`
	Content struct {
		PersonID string `json:"personId"`
		Name     string `json:"name"`
	} `json:"content"`
}

// handleLtftStatus reconciles an LTFT application transition. The whole
// family reconciles so earlier-state reminders are superseded.
func (l *Listeners) handleLtftStatus(ctx context.Context, body []byte) error {
	var ev ltftEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return notify.Validationf("listener: malformed ltft event: %v", err)
	}
	if err := l.validate.Struct(ev); err != nil {
		return notify.Validationf("listener: incomplete ltft event: %v", err)
	}

	personID := ev.TraineeTisID
	if personID == "" {
		personID = ev.Content.PersonID
	}
	if personID == "" {
		return notify.Validationf("listener: ltft event missing trainee id")
	}

	name := ev.FormName
	if name == "" {
		name = ev.Content.Name
	}

	return l.notify.Apply(ctx, ltft.Reconcile(tis.LtftUpdate{
		PersonID:  personID,
		FormRef:   ev.FormRef,
		FormName:  name,
		State:     ev.Status.Current.State,
		Timestamp: ev.Status.Current.Timestamp,
	}, l.now()))
}
