// Package listener consumes the inbound TIS event queues. Each listener
// deserializes one event family, maps it onto a domain entity with a pure
// mapper, and invokes the notification orchestration. Verdicts follow the
// failure kind: transient errors are redelivered, malformed events are
// dead-lettered, everything else is acknowledged.
package listener

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/tis/notifications/internal/domain/notify"
	"github.com/tis/notifications/internal/domain/tis"
	"github.com/tis/notifications/internal/platform/metrics"
	"github.com/tis/notifications/internal/platform/queue"
)

// Queue name suffixes, appended to the configured prefix.
const (
	QueueProgrammeCreated = "programme-membership.created"
	QueueProgrammeUpdated = "programme-membership.updated"
	QueueProgrammeDeleted = "programme-membership.deleted"
	QueueCojSigned        = "coj.signed"
	QueuePlacementUpdated = "placement.updated"
	QueuePlacementDeleted = "placement.deleted"
	QueueFormUpdated      = "form.updated"
	QueueGmcUpdated       = "gmc.updated"
	QueueGmcRejected      = "gmc.rejected"
	QueueLtftStatus       = "ltft.status"
	QueueAccountUpdated   = "account.updated"
	QueueEmailFeedback    = "email.feedback"
)

// notifier is the slice of the orchestration service the listeners invoke.
type notifier interface {
	Apply(ctx context.Context, rec notify.Reconciliation) error
	DeleteEntity(ctx context.Context, ref tis.Reference, family []notify.NotificationType) error
	RecordFeedback(ctx context.Context, notificationID, detail string) error
}

// outboxRunner processes outbox wake-ups.
type outboxRunner interface {
	ProcessNotification(ctx context.Context, notificationID string) error
}

// Listeners binds every event family handler to its queue.
type Listeners struct {
	notify   notifier
	outbox   outboxRunner
	validate *validator.Validate
	metrics  *metrics.Metrics
	log      zerolog.Logger
	loc      *time.Location
	now      func() time.Time
}

// New creates the listener set. loc is the zone milestone fire times are
// computed in.
func New(n notifier, ob outboxRunner, m *metrics.Metrics, loc *time.Location, log zerolog.Logger) *Listeners {
	return &Listeners{
		notify:   n,
		outbox:   ob,
		validate: validator.New(),
		metrics:  m,
		log:      log,
		loc:      loc,
		now:      time.Now,
	}
}

type handlerFunc func(ctx context.Context, body []byte) error

// binding pairs a queue name suffix with its handler.
type binding struct {
	suffix  string
	handler handlerFunc
}

func (l *Listeners) bindings() []binding {
	return []binding{
		{QueueProgrammeCreated, l.handleProgrammeSaved},
		{QueueProgrammeUpdated, l.handleProgrammeSaved},
		{QueueProgrammeDeleted, l.handleProgrammeDeleted},
		{QueueCojSigned, l.handleCojSigned},
		{QueuePlacementUpdated, l.handlePlacementUpdated},
		{QueuePlacementDeleted, l.handlePlacementDeleted},
		{QueueFormUpdated, l.handleFormUpdated},
		{QueueGmcUpdated, l.handleGmcUpdated},
		{QueueGmcRejected, l.handleGmcRejected},
		{QueueLtftStatus, l.handleLtftStatus},
		{QueueAccountUpdated, l.handleAccountUpdated},
		{QueueEmailFeedback, l.handleEmailFeedback},
	}
}

// Consumers builds one consumer per event family plus the outbox wake-up
// queue. Queue names are "<prefix>.<suffix>".
func (l *Listeners) Consumers(url, prefix string) []*queue.Consumer {
	var consumers []*queue.Consumer
	for _, b := range l.bindings() {
		name := prefix + "." + b.suffix
		consumers = append(consumers, queue.NewConsumer(url, name, l.wrap(name, b.handler), l.log))
	}
	consumers = append(consumers,
		queue.NewConsumer(url, outboxWakeQueue(), l.wrap(outboxWakeQueue(), l.handleOutboxWake), l.log))
	return consumers
}

// Run starts every consumer and blocks until the context is cancelled and
// all of them have drained.
func (l *Listeners) Run(ctx context.Context, url, prefix string) {
	consumers := l.Consumers(url, prefix)
	done := make(chan struct{}, len(consumers))
	for _, c := range consumers {
		go func(c *queue.Consumer) {
			c.Run(ctx)
			done <- struct{}{}
		}(c)
	}
	for range consumers {
		<-done
	}
}

// wrap maps handler errors onto broker verdicts by failure kind.
func (l *Listeners) wrap(queueName string, h handlerFunc) queue.Handler {
	return func(ctx context.Context, body []byte) queue.Verdict {
		err := h(ctx, body)

		var verdict queue.Verdict
		var label string
		switch notify.KindOf(err) {
		case notify.KindOK, notify.KindSuppressed, notify.KindProvider:
			verdict, label = queue.Done, "done"
		case notify.KindValidation:
			verdict, label = queue.Reject, "reject"
			l.log.Warn().Err(err).Str("queue", queueName).Msg("event dead-lettered")
		case notify.KindFatal:
			// A fatal condition (missing template for a required type) needs
			// operator attention; the message is poison until fixed.
			verdict, label = queue.Reject, "reject"
			l.log.Error().Err(err).Str("queue", queueName).Msg("fatal event failure")
		default:
			verdict, label = queue.Retry, "retry"
			l.log.Warn().Err(err).Str("queue", queueName).Msg("event redelivered")
		}

		l.metrics.QueueMessages.WithLabelValues(queueName, label).Inc()
		return verdict
	}
}
