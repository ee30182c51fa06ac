package app

import (
	"context"
	"fmt"

	"github.com/acme/outbound-messaging/internal/config"
	"github.com/acme/outbound-messaging/internal/queue"
)

// Broker hides which queue driver carries dispatch and status messages.
type Broker struct {
	cfg   *config.Config
	kafka *queue.Kafka
	amqp  *queue.AMQP
}

// NewBroker connects the configured queue driver.
func NewBroker(cfg *config.Config) (*Broker, error) {
	b := &Broker{cfg: cfg}
	switch cfg.Queue.Driver {
	case "kafka":
		k, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return nil, err
		}
		b.kafka = k
	case "amqp":
		a, err := queue.NewAMQP(cfg.AMQP.URL, cfg.AMQP.Prefetch)
		if err != nil {
			return nil, err
		}
		b.amqp = a
	default:
		return nil, fmt.Errorf("broker: unknown queue driver %q", cfg.Queue.Driver)
	}
	return b, nil
}

// DispatchDestination is the topic or queue carrying dispatch messages.
func (b *Broker) DispatchDestination() string {
	if b.kafka != nil {
		return b.cfg.Kafka.DispatchTopic
	}
	return b.cfg.AMQP.DispatchQueue
}

// StatusDestination is the topic or queue carrying delivery reports.
func (b *Broker) StatusDestination() string {
	if b.kafka != nil {
		return b.cfg.Kafka.StatusTopic
	}
	return b.cfg.AMQP.StatusQueue
}

// Publisher opens a publisher bound to dest.
func (b *Broker) Publisher(dest string) (queue.Publisher, error) {
	if b.kafka != nil {
		return queue.NewKafkaPublisher(b.kafka, dest), nil
	}
	return queue.NewAMQPPublisher(b.amqp, dest)
}

// Consumer opens a consumer reading dest.
func (b *Broker) Consumer(dest string) (queue.Consumer, error) {
	if b.kafka != nil {
		return queue.NewKafkaConsumer(b.kafka, dest, b.cfg.Kafka.ConsumerGroupID), nil
	}
	return queue.NewAMQPConsumer(b.amqp, dest)
}

// EnsureTopics creates the Kafka topics. Queues on AMQP are declared when
// publishers and consumers open them.
func (b *Broker) EnsureTopics(ctx context.Context) error {
	if b.kafka == nil {
		return nil
	}
	topics := []string{b.cfg.Kafka.DispatchTopic, b.cfg.Kafka.StatusTopic}
	return b.kafka.EnsureTopics(ctx, topics, b.cfg.Kafka.Partitions, 1)
}

// Close releases the broker connection.
func (b *Broker) Close() error {
	if b.amqp != nil {
		return b.amqp.Close()
	}
	return nil
}
