package queue

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// fakeAcknowledger records the acknowledgement a handled delivery received.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	return f.Nack(0, false, requeue)
}

func TestHandle_VerdictMapping(t *testing.T) {
	cases := []struct {
		name        string
		verdict     Verdict
		wantAck     bool
		wantNack    bool
		wantRequeue bool
	}{
		{"done acknowledges", Done, true, false, false},
		{"retry requeues", Retry, false, true, true},
		{"reject dead-letters", Reject, false, true, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ack := &fakeAcknowledger{}
			c := NewConsumer("amqp://unused", "q", func(context.Context, []byte) Verdict {
				return tc.verdict
			}, zerolog.Nop())

			c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, DeliveryTag: 1})

			if ack.acked != tc.wantAck || ack.nacked != tc.wantNack || ack.requeue != tc.wantRequeue {
				t.Errorf("got ack=%v nack=%v requeue=%v", ack.acked, ack.nacked, ack.requeue)
			}
		})
	}
}

func TestHandle_PassesBodyAndDeadline(t *testing.T) {
	var gotBody []byte
	var hadDeadline bool

	c := NewConsumer("amqp://unused", "q", func(ctx context.Context, body []byte) Verdict {
		gotBody = body
		_, hadDeadline = ctx.Deadline()
		return Done
	}, zerolog.Nop())

	c.handle(context.Background(), amqp.Delivery{
		Acknowledger: &fakeAcknowledger{},
		Body:         []byte(`{"traineeTisId":"p-9"}`),
	})

	if string(gotBody) != `{"traineeTisId":"p-9"}` {
		t.Errorf("unexpected body %q", gotBody)
	}
	if !hadDeadline {
		t.Error("expected handler context to carry a deadline")
	}
}
