// Package queue provides the RabbitMQ transport for inbound event
// consumption and wake-up publishing. Consumers declare their queue together
// with a companion dead-letter queue, and map each handler verdict onto the
// broker acknowledgement that implements it: transient failures are
// redelivered, poison messages are dead-lettered.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// Verdict is a handler's decision about a delivery.
type Verdict int

const (
	// Done acknowledges the message.
	Done Verdict = iota
	// Retry returns the message to the queue for redelivery.
	Retry
	// Reject dead-letters the message without redelivery.
	Reject
)

// Handler processes one message body and reports what to do with it.
type Handler func(ctx context.Context, body []byte) Verdict

const (
	defaultPrefetch      = 10
	defaultHandleTimeout = 25 * time.Second
	redialDelay          = 5 * time.Second
)

// DLQSuffix is appended to a queue name to form its dead-letter queue.
const DLQSuffix = ".dlq"

// Consumer consumes one queue and dispatches deliveries to a Handler.
type Consumer struct {
	url           string
	queue         string
	handler       Handler
	prefetch      int
	handleTimeout time.Duration
	log           zerolog.Logger
	wg            sync.WaitGroup
}

// NewConsumer creates a consumer for the named queue.
func NewConsumer(url, queue string, handler Handler, log zerolog.Logger) *Consumer {
	return &Consumer{
		url:           url,
		queue:         queue,
		handler:       handler,
		prefetch:      defaultPrefetch,
		handleTimeout: defaultHandleTimeout,
		log:           log.With().Str("queue", queue).Logger(),
	}
}

// Run consumes until the context is cancelled, redialling the broker with a
// fixed delay whenever the connection drops.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if err := c.consume(ctx); err != nil {
			c.log.Error().Err(err).Msg("consumer disconnected")
		}

		select {
		case <-ctx.Done():
			c.wg.Wait()
			return
		case <-time.After(redialDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp.Dial(c.url)
	if err != nil {
		return fmt.Errorf("queue: dial: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("queue: set qos: %w", err)
	}
	if err := declareWithDLQ(ch, c.queue); err != nil {
		return err
	}

	deliveries, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}

	c.log.Info().Msg("consuming")
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue: delivery channel closed")
			}
			c.wg.Add(1)
			go func(d amqp.Delivery) {
				defer c.wg.Done()
				c.handle(ctx, d)
			}(d)
		}
	}
}

// handle runs the handler under a deadline and maps its verdict onto the
// broker acknowledgement.
func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	hctx, cancel := context.WithTimeout(ctx, c.handleTimeout)
	defer cancel()

	var err error
	switch c.handler(hctx, d.Body) {
	case Done:
		err = d.Ack(false)
	case Retry:
		err = d.Nack(false, true)
	case Reject:
		err = d.Nack(false, false)
	}
	if err != nil {
		c.log.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).Msg("acknowledge failed")
	}
}

// declareWithDLQ declares a durable queue whose rejected messages land on a
// companion dead-letter queue.
func declareWithDLQ(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(queue+DLQSuffix, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare dlq: %w", err)
	}
	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue + DLQSuffix,
	})
	if err != nil {
		return fmt.Errorf("queue: declare: %w", err)
	}
	return nil
}

// Publisher publishes JSON messages to named queues via the default
// exchange.
type Publisher struct {
	url string
	log zerolog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewPublisher creates a Publisher. The connection is established lazily on
// first publish.
func NewPublisher(url string, log zerolog.Logger) *Publisher {
	return &Publisher{url: url, log: log}
}

// Publish serializes the payload and delivers it to the named queue,
// declaring the queue when it does not exist yet.
func (p *Publisher) Publish(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		return err
	}
	if err := declareWithDLQ(ch, queue); err != nil {
		return err
	}

	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish to %s: %w", queue, err)
	}
	return nil
}

// channel returns a live channel, redialling when the previous connection
// has been lost. Callers must hold p.mu.
func (p *Publisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}

	if p.conn != nil {
		p.conn.Close()
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}

	p.conn, p.ch = conn, ch
	return ch, nil
}

// Close releases the publisher's connection.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn, p.ch = nil, nil
	}
}
