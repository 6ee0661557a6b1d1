package listener

import (
	"context"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/placement"
	"github.com/tis/notifications/internal/domain/tis"
)

// handlePlacementUpdated reconciles the placement's week-12 milestone.
func (l *Listeners) handlePlacementUpdated(ctx context.Context, body []byte) error {
	env, err := decode[tis.Placement](body)
	if err != nil {
		return err
	}

	pl := env.Record.Data
	pl.PersonID = env.personID(pl.PersonID)
	if pl.TisID == "" || pl.PersonID == "" {
		return notify.Validationf("listener: placement event missing tisId or trainee id")
	}

	return l.notify.Apply(ctx, placement.Reconcile(pl, l.now(), l.loc))
}

// handlePlacementDeleted drops the placement's open schedules.
func (l *Listeners) handlePlacementDeleted(ctx context.Context, body []byte) error {
	env, err := decode[tis.Placement](body)
	if err != nil {
		return err
	}

	id := env.Record.Data.TisID
	if id == "" {
		return notify.Validationf("listener: placement delete event missing tisId")
	}

	return l.notify.DeleteEntity(ctx, tis.Reference{Type: tis.RefTypePlacement, ID: id}, placement.Family)
}
