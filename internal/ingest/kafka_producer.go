package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-hailing/internal/models"
)

// KafkaProducer publishes driver locations and ride lifecycle events. Both
// topics are keyed so that one driver's (or ride's) messages stay ordered
// within a partition.
type KafkaProducer struct {
	locations *kafka.Writer
	events    *kafka.Writer
}

func NewKafkaProducer(brokers []string, locationTopic, eventsTopic string) *KafkaProducer {
	p := &KafkaProducer{}
	if locationTopic != "" {
		p.locations = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: locationTopic, Balancer: &kafka.Hash{}})
	}
	if eventsTopic != "" {
		p.events = kafka.NewWriter(kafka.WriterConfig{Brokers: brokers, Topic: eventsTopic, Balancer: &kafka.Hash{}})
	}
	return p
}

func (k *KafkaProducer) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	if k.locations == nil {
		return nil
	}
	return write(ctx, k.locations, loc.DriverID, loc)
}

func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	if k.events == nil {
		return nil
	}
	return write(ctx, k.events, ev.RideID, ev)
}

func write(ctx context.Context, w *kafka.Writer, key string, v interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b}); err != nil {
		return fmt.Errorf("kafka write %s: %w", w.Topic, err)
	}
	return nil
}

// DecodeLocation parses a location message and validates it.
func DecodeLocation(b []byte) (models.DriverLocation, error) {
	var loc models.DriverLocation
	if err := json.Unmarshal(b, &loc); err != nil {
		return models.DriverLocation{}, models.Invalid("message", "bad json: %v", err)
	}
	if loc.DriverID == "" {
		return models.DriverLocation{}, models.Invalid("driver_id", "required")
	}
	if !loc.Loc.Valid() {
		return models.DriverLocation{}, models.Invalid("loc", "coordinates out of range")
	}
	return loc, nil
}

func (k *KafkaProducer) Close() error {
	var firstErr error
	for _, w := range []*kafka.Writer{k.locations, k.events} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
