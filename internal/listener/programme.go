package listener

import (
	"context"

	"github.com/tis/notifications/internal/domain/coj"
	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/programme"
	"github.com/tis/notifications/internal/domain/tis"
)

// handleProgrammeSaved reconciles notifications for a created or updated
// programme membership. Creation and update converge on the same desired
// state, so both queues share this handler.
func (l *Listeners) handleProgrammeSaved(ctx context.Context, body []byte) error {
	env, err := decode[tis.ProgrammeMembership](body)
	if err != nil {
		return err
	}

	pm := env.Record.Data
	pm.PersonID = env.personID(pm.PersonID)
	if pm.TisID == "" || pm.PersonID == "" {
		return notify.Validationf("listener: programme event missing tisId or trainee id")
	}

	return l.notify.Apply(ctx, programme.Reconcile(pm, l.now(), l.loc))
}

// handleProgrammeDeleted drops every open schedule the membership still
// owns, its CoJ confirmation included.
func (l *Listeners) handleProgrammeDeleted(ctx context.Context, body []byte) error {
	env, err := decode[tis.ProgrammeMembership](body)
	if err != nil {
		return err
	}

	id := env.Record.Data.TisID
	if id == "" {
		return notify.Validationf("listener: programme delete event missing tisId")
	}

	if err := l.notify.DeleteEntity(ctx, tis.Reference{Type: tis.RefTypeProgrammeMembership, ID: id}, programme.Family); err != nil {
		return err
	}
	return l.notify.DeleteEntity(ctx, tis.Reference{Type: tis.RefTypeCoj, ID: id}, coj.Family)
}

// handleCojSigned reconciles the signing confirmation.
func (l *Listeners) handleCojSigned(ctx context.Context, body []byte) error {
	env, err := decode[tis.ProgrammeMembership](body)
	if err != nil {
		return err
	}

	pm := env.Record.Data
	pm.PersonID = env.personID(pm.PersonID)
	if pm.TisID == "" || pm.PersonID == "" {
		return notify.Validationf("listener: coj event missing tisId or trainee id")
	}
	if pm.ConditionsOfJoining == nil || pm.ConditionsOfJoining.SignedAt == nil {
		return notify.Validationf("listener: coj event carries no signature")
	}

	return l.notify.Apply(ctx, coj.Reconcile(pm, l.now()))
}
