package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mbd888/gigescrow/internal/circuitbreaker"
)

// DefaultTopic carries escrow transition events.
const DefaultTopic = "escrow.transitions"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes transition events to one topic, keyed by job id so
// a job's events stay on one partition in commit order. Calls go through a
// circuit breaker so a broker outage fails fast instead of holding requests.
type KafkaPublisher struct {
	writer  messageWriter
	topic   string
	breaker *circuitbreaker.Breaker
}

// NewKafkaPublisher creates a publisher for brokers and topic.
func NewKafkaPublisher(brokers []string, topic string, breaker *circuitbreaker.Breaker) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka publisher requires at least one broker")
	}
	if topic == "" {
		topic = DefaultTopic
	}
	if breaker == nil {
		breaker = circuitbreaker.New(5, 30*time.Second)
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
		topic:   topic,
		breaker: breaker,
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	err := p.breaker.Do(p.topic, func() error {
		return p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(key),
			Value: payload,
			Time:  time.Now().UTC(),
		})
	})
	if err != nil {
		return fmt.Errorf("kafka write to %s: %w", p.topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
