package queue

import (
	"context"
	"encoding/json"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/rs/zerolog"
)

// KafkaMirror publishes delivery events to a Kafka topic for external
// observability consumers, gated on KAFKA_BROKERS being configured. The
// write-ahead SQLite table remains the source of truth; publish failures are
// logged and dropped.
type KafkaMirror struct {
	writer *kafka.Writer
	log    zerolog.Logger
}

// NewKafkaMirror builds a mirror, or returns nil when no brokers are
// configured (callers treat a nil Mirror as disabled).
func NewKafkaMirror(brokers []string, topic string, log zerolog.Logger) *KafkaMirror {
	if len(brokers) == 0 {
		return nil
	}
	if topic == "" {
		topic = "remy.delivery"
	}
	return &KafkaMirror{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		},
		log: log,
	}
}

// Publish sends one event, fire-and-forget.
func (m *KafkaMirror) Publish(ctx context.Context, event string, payload any) {
	body, err := json.Marshal(map[string]any{
		"event":   event,
		"payload": payload,
		"at":      time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return
	}
	if err := m.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event), Value: body}); err != nil {
		m.log.Warn().Err(err).Str("event", event).Msg("kafka mirror publish failed")
	}
}

// Close flushes and closes the underlying writer.
func (m *KafkaMirror) Close() error {
	return m.writer.Close()
}
