package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tis/notifications/internal/domain/history"
	"github.com/tis/notifications/internal/platform/mail"
	"github.com/tis/notifications/internal/platform/metrics"
)

const (
	maxAttempts  = 5
	retryBase    = 5 * time.Minute
	pollInterval = 15 * time.Second
	batchSize    = 50
)

// WakeQueue carries wake-up messages so a freshly enqueued item is picked up
// without waiting for the next poll.
const WakeQueue = "notifications.outbox"

// WakeMessage is the wake-up payload published on enqueue.
type WakeMessage struct {
	NotificationID string `json:"notificationId"`
}

// store is the slice of Store the worker needs.
type store interface {
	Insert(ctx context.Context, notificationID string, now time.Time) error
	Get(ctx context.Context, notificationID string) (*Message, error)
	Due(ctx context.Context, now time.Time, limit int) ([]Message, error)
	MarkSent(ctx context.Context, id int64) error
	MarkRetry(ctx context.Context, id int64, attempts int, nextAt time.Time, lastErr error) error
	MarkFailed(ctx context.Context, id int64, attempts int, lastErr error) error
}

// Renderer renders the pinned template of a history record.
type Renderer interface {
	Render(messageType, templateName, version string, vars map[string]any) (subject, body string, err error)
}

// waker publishes wake-up messages. Nil-able; polling alone is correct.
type waker interface {
	Publish(ctx context.Context, queue string, payload any) error
}

// Worker drains the outbox: it renders each due item's email from the
// history record's pinned template, submits it, and moves the record to
// SENT. Failed submissions retry with exponential backoff until the attempt
// budget runs out, at which point the record fails with the provider error.
type Worker struct {
	store   store
	history *history.Service
	engine  Renderer
	mailer  mail.Gateway
	wake    waker
	metrics *metrics.Metrics
	log     zerolog.Logger
	now     func() time.Time
}

// NewWorker creates the outbox worker. wake may be nil.
func NewWorker(s store, hist *history.Service, engine Renderer, mailer mail.Gateway, wake waker, m *metrics.Metrics, log zerolog.Logger) *Worker {
	return &Worker{
		store:   s,
		history: hist,
		engine:  engine,
		mailer:  mailer,
		wake:    wake,
		metrics: m,
		log:     log,
		now:     time.Now,
	}
}

// Enqueue records a send-now item for the history record and nudges the
// worker. The wake-up is best effort; the poll loop picks up anything the
// nudge misses.
func (w *Worker) Enqueue(ctx context.Context, notificationID string) error {
	if err := w.store.Insert(ctx, notificationID, w.now().UTC()); err != nil {
		return err
	}
	if w.wake != nil {
		if err := w.wake.Publish(ctx, WakeQueue, WakeMessage{NotificationID: notificationID}); err != nil {
			w.log.Warn().Err(err).
				Str("notification_id", notificationID).
				Msg("outbox wake-up publish failed")
		}
	}
	return nil
}

// Run polls for due items until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.drain(ctx)
		}
	}
}

func (w *Worker) drain(ctx context.Context) {
	msgs, err := w.store.Due(ctx, w.now().UTC(), batchSize)
	if err != nil {
		w.log.Error().Err(err).Msg("outbox poll failed")
		return
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			return
		}
		w.Process(ctx, msg)
	}
}

// ProcessNotification processes the named item immediately when it is
// pending and due. Wake-up consumers call it.
func (w *Worker) ProcessNotification(ctx context.Context, notificationID string) error {
	msg, err := w.store.Get(ctx, notificationID)
	if err != nil {
		return err
	}
	if msg == nil || msg.Status != StatusPending || msg.NextAttemptAt.After(w.now().UTC()) {
		return nil
	}
	w.Process(ctx, *msg)
	return nil
}

// Process handles one item end to end. Item state errors are logged, not
// returned; the item stays PENDING and the next poll retries it.
func (w *Worker) Process(ctx context.Context, msg Message) {
	id, err := primitive.ObjectIDFromHex(msg.NotificationID)
	if err != nil {
		w.fail(ctx, msg, primitive.NilObjectID, errors.New("invalid notification id"))
		return
	}

	rec, err := w.history.GetByID(ctx, id)
	if err != nil {
		w.log.Error().Err(err).
			Str("notification_id", msg.NotificationID).
			Msg("outbox history load failed")
		return
	}
	if rec == nil {
		w.fail(ctx, msg, primitive.NilObjectID, errors.New("history record not found"))
		return
	}
	if rec.Status != history.StatusScheduled {
		// Recalled or already delivered; no send is owed any more.
		if err := w.store.MarkSent(ctx, msg.ID); err != nil {
			w.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("outbox close failed")
		}
		return
	}

	subject, body, err := w.engine.Render(rec.Recipient.Channel, rec.Template.Name, rec.Template.Version, rec.Template.Variables)
	if err != nil {
		// The pinned template no longer renders; retrying cannot help.
		w.fail(ctx, msg, rec.ID, err)
		return
	}

	err = w.mailer.Send(ctx, mail.Message{
		To:             rec.Recipient.Contact,
		Subject:        subject,
		HTML:           body,
		NotificationID: msg.NotificationID,
	})
	if err != nil {
		w.retry(ctx, msg, rec.ID, err)
		return
	}

	if err := w.store.MarkSent(ctx, msg.ID); err != nil {
		w.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("outbox close failed")
		return
	}
	if _, err := w.history.UpdateStatus(ctx, rec.ID, history.StatusSent, ""); err != nil {
		w.log.Error().Err(err).
			Str("notification_id", msg.NotificationID).
			Msg("history SENT transition failed")
		return
	}

	w.metrics.NotificationsSent.WithLabelValues(rec.Type, rec.Recipient.Channel).Inc()
	w.log.Info().
		Str("notification_id", msg.NotificationID).
		Str("type", rec.Type).
		Msg("email sent")
}

// retry records the failed attempt, failing the item and the history record
// once the attempt budget is spent.
func (w *Worker) retry(ctx context.Context, msg Message, recID primitive.ObjectID, cause error) {
	if err := w.history.TouchRetry(ctx, recID); err != nil {
		w.log.Error().Err(err).Str("notification_id", msg.NotificationID).Msg("retry stamp failed")
	}

	attempts := msg.Attempts + 1
	if attempts >= maxAttempts {
		w.fail(ctx, msg, recID, cause)
		return
	}

	nextAt := w.now().UTC().Add(retryBase << (attempts - 1))
	if err := w.store.MarkRetry(ctx, msg.ID, attempts, nextAt, cause); err != nil {
		w.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("outbox retry update failed")
		return
	}
	w.log.Warn().Err(cause).
		Str("notification_id", msg.NotificationID).
		Int("attempts", attempts).
		Time("next_attempt_at", nextAt).
		Msg("email submission failed")
}

// fail closes the item and fails the history record with the cause.
func (w *Worker) fail(ctx context.Context, msg Message, recID primitive.ObjectID, cause error) {
	if err := w.store.MarkFailed(ctx, msg.ID, msg.Attempts+1, cause); err != nil {
		w.log.Error().Err(err).Int64("outbox_id", msg.ID).Msg("outbox fail update failed")
		return
	}
	if !recID.IsZero() {
		if _, err := w.history.UpdateStatus(ctx, recID, history.StatusFailed, cause.Error()); err != nil {
			w.log.Error().Err(err).Str("notification_id", msg.NotificationID).Msg("history FAILED transition failed")
		}
	}

	w.metrics.NotificationsFailed.WithLabelValues("outbox", "exhausted").Inc()
	w.log.Error().Err(cause).
		Str("notification_id", msg.NotificationID).
		Msg("email abandoned")
}
