package publish

import (
	"context"

	"github.com/segmentio/kafka-go"

	"github.com/partikus/nettiego-watcher/services/watcher/internal/models"
)

// KafkaSink writes state updates keyed by instance id, so a compacted topic
// keeps the latest state per device.
type KafkaSink struct {
	w *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
	}}
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) Publish(ctx context.Context, update models.StateUpdate) error {
	payload, err := encode(update)
	if err != nil {
		return err
	}
	return s.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(update.InstanceID),
		Value: payload,
		Time:  update.PublishedAt,
	})
}

// Remove writes a tombstone for the instance.
func (s *KafkaSink) Remove(ctx context.Context, instanceID string) error {
	return s.w.WriteMessages(ctx, kafka.Message{Key: []byte(instanceID)})
}

func (s *KafkaSink) Close() error {
	return s.w.Close()
}
