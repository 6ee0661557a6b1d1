package listener

import (
	"context"
	"encoding/json"

	"github.com/tis/notifications/internal/domain/gmc"
	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
)

// gmcDetails is the record.data payload of GMC events.
type gmcDetails struct {
	GmcNumber string `json:"gmcNumber"`
	GmcStatus string `json:"gmcStatus"`
}

// handleGmcUpdated reconciles the confirmation of an accepted GMC change.
func (l *Listeners) handleGmcUpdated(ctx context.Context, body []byte) error {
	env, err := decode[gmcDetails](body)
	if err != nil {
		return err
	}

	personID := env.personID("")
	if personID == "" {
		return notify.Validationf("listener: gmc event missing trainee id")
	}

	return l.notify.Apply(ctx, gmc.ReconcileUpdated(tis.GmcUpdate{
		PersonID:  personID,
		GmcNumber: env.Record.Data.GmcNumber,
		GmcStatus: env.Record.Data.GmcStatus,
	}, l.now()))
}

// gmcRejectionEvent is the rejection message shape: the envelope carries the
// TIS trigger alongside the usual record.data details.
type gmcRejectionEvent struct {
	TisID            string `json:"tisId"`
	TraineeTisID     string `json:"traineeTisId"`
	TisTrigger       string `json:"tisTrigger"`
	TisTriggerDetail string `json:"tisTriggerDetail"`
	Record           struct {
		Data gmcDetails `json:"data"`
	} `json:"record"`
}

// handleGmcRejected reconciles the rejection notice.
func (l *Listeners) handleGmcRejected(ctx context.Context, body []byte) error {
	var ev gmcRejectionEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return notify.Validationf("listener: malformed gmc rejection: %v", err)
	}

	personID := ev.TraineeTisID
	if personID == "" {
		personID = ev.TisID
	}
	if personID == "" {
		return notify.Validationf("listener: gmc rejection missing trainee id")
	}

	return l.notify.Apply(ctx, gmc.ReconcileRejected(tis.GmcUpdate{
		PersonID:         personID,
		GmcNumber:        ev.Record.Data.GmcNumber,
		GmcStatus:        ev.Record.Data.GmcStatus,
		TisTrigger:       ev.TisTrigger,
		TisTriggerDetail: ev.TisTriggerDetail,
	}, l.now()))
}
