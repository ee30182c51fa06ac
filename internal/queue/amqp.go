package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// AMQP owns one broker connection shared by publishers and consumers.
type AMQP struct {
	conn     *amqp.Connection
	prefetch int
}

// NewAMQP dials the broker.
func NewAMQP(url string, prefetch int) (*AMQP, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp: dial: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	return &AMQP{conn: conn, prefetch: prefetch}, nil
}

// Close closes the connection.
func (a *AMQP) Close() error {
	return a.conn.Close()
}

func (a *AMQP) declare(queue string) (*amqp.Channel, error) {
	ch, err := a.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: declare %s: %w", queue, err)
	}
	return ch, nil
}

type amqpPublisher struct {
	mu    sync.Mutex
	ch    *amqp.Channel
	queue string
}

// NewAMQPPublisher publishes persistent messages to a durable queue.
func NewAMQPPublisher(a *AMQP, queue string) (Publisher, error) {
	ch, err := a.declare(queue)
	if err != nil {
		return nil, err
	}
	return &amqpPublisher{ch: ch, queue: queue}, nil
}

func (p *amqpPublisher) Publish(_ context.Context, key, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    string(key),
		Timestamp:    time.Now().UTC(),
		Body:         value,
	})
	if err != nil {
		return fmt.Errorf("amqp: publish %s: %w", p.queue, err)
	}
	return nil
}

func (p *amqpPublisher) Close() error {
	return p.ch.Close()
}

type amqpConsumer struct {
	ch       *amqp.Channel
	queue    string
	prefetch int
}

// NewAMQPConsumer consumes a durable queue with manual acknowledgements.
func NewAMQPConsumer(a *AMQP, queue string) (Consumer, error) {
	ch, err := a.declare(queue)
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(a.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("amqp: qos: %w", err)
	}
	return &amqpConsumer{ch: ch, queue: queue, prefetch: a.prefetch}, nil
}

// Consume acks accepted messages. A rejected message is retried in place with
// a growing pause, then rejected without requeue so the broker dead-letters
// it when the queue has a dead-letter policy, and drops it otherwise.
func (c *amqpConsumer) Consume(ctx context.Context, handle Handler) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("amqp: consume %s: %w", c.queue, err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("amqp: delivery channel for %s closed", c.queue)
			}
			err := deliverWithRetry(ctx, handle, Delivery{Key: []byte(d.MessageId), Value: d.Body}, retryPause)
			if ctx.Err() != nil {
				_ = d.Nack(false, true)
				return ctx.Err()
			}
			if err != nil {
				if err := d.Nack(false, false); err != nil {
					return fmt.Errorf("amqp: reject: %w", err)
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				return fmt.Errorf("amqp: ack: %w", err)
			}
		}
	}
}

func (c *amqpConsumer) Close() error {
	return c.ch.Close()
}
