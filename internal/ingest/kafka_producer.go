package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const (
	DefaultRideTopic     = "ride-events"
	DefaultLocationTopic = "captain-locations"
)

// MessageWriter is the subset of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes ride lifecycle events and captain location reports.
// Both streams are keyed so one ride (or captain) stays on one partition.
type KafkaProducer struct {
	rides     MessageWriter
	locations MessageWriter
	timeout   time.Duration
}

// writerBatchTimeout caps how long a write waits for a batch to fill.
const writerBatchTimeout = 10 * time.Millisecond

// NewKafkaProducer builds writers for both topics. Location reports are
// written asynchronously: WriteMessages returns once the report is queued.
func NewKafkaProducer(brokers []string, rideTopic, locationTopic string) *KafkaProducer {
	return NewKafkaProducerFromWriters(
		newWriter(brokers, rideTopic, false),
		newWriter(brokers, locationTopic, true),
	)
}

func newWriter(brokers []string, topic string, async bool) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: writerBatchTimeout,
		Async:        async,
	}
}

func NewKafkaProducerFromWriters(rides, locations MessageWriter) *KafkaProducer {
	return &KafkaProducer{rides: rides, locations: locations, timeout: 2 * time.Second}
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return k.write(ctx, k.rides, ev.RideID, ev)
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, rep models.LocationReport) error {
	return k.write(ctx, k.locations, rep.CaptainID, rep)
}

func (k *KafkaProducer) write(ctx context.Context, w MessageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %T: %w", v, err)
	}
	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []MessageWriter{k.rides, k.locations} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
