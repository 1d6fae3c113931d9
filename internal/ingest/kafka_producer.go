package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/fleet-dispatch/internal/events"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer writes driver location updates and relayed domain events.
type KafkaProducer struct {
	locations messageWriter
	events    messageWriter
}

func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationsTopic),
		events:    newWriter(brokers, eventsTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.LeastBytes{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// PublishLocation writes a location update keyed by driver uuid.
func (k *KafkaProducer) PublishLocation(ctx context.Context, u LocationUpdate) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(u)
	if err != nil {
		return err
	}
	return k.locations.WriteMessages(ctx, kafka.Message{Key: []byte(u.DriverUUID), Value: b})
}

func (k *KafkaProducer) Name() string { return "kafka" }

// Emit implements events.Sink.
func (k *KafkaProducer) Emit(ctx context.Context, env events.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return k.events.WriteMessages(ctx, kafka.Message{
		Key:     []byte(env.Key),
		Value:   b,
		Time:    env.At,
		Headers: []kafka.Header{{Key: "event", Value: []byte(env.Name)}},
	})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
