package sink

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/publisher"
)

const (
	DefaultKafkaBatchSize  = 1
	DefaultKafkaBatchBytes = 1 << 20 // 1MB
)

func init() {
	publisher.RegisterDestination(cfg.DestinationKafka, func(config cfg.DestinationConfiguration) (publisher.Destination, error) {
		transport, err := NewKafkaTransport(DefaultKafkaConfig(config.Event.Brokers))
		if err != nil {
			return nil, err
		}
		return NewEventDestination(config, transport)
	})
}

// KafkaTransport writes events to Kafka
type KafkaTransport struct {
	writer *kafka.Writer
}

// KafkaConfig holds configuration for KafkaTransport
type KafkaConfig struct {
	Brokers          []string           // Kafka broker addresses
	BatchSize        int                // Messages per batch (default: 1, one event per pass)
	BatchBytes       int64              // Max batch bytes (default: 1MB)
	RequiredAcks     kafka.RequiredAcks // Ack requirement (default: RequireAll)
	AutoCreateTopics bool               // Auto-create topics if they don't exist (default: true)
}

// DefaultKafkaConfig returns a KafkaConfig with sensible defaults
func DefaultKafkaConfig(brokers []string) KafkaConfig {
	return KafkaConfig{
		Brokers:          brokers,
		BatchSize:        DefaultKafkaBatchSize,
		BatchBytes:       DefaultKafkaBatchBytes,
		RequiredAcks:     kafka.RequireAll,
		AutoCreateTopics: true,
	}
}

// NewKafkaTransport creates a new KafkaTransport with the given configuration
func NewKafkaTransport(config KafkaConfig) (*KafkaTransport, error) {
	if len(config.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink requires at least one broker address")
	}

	if config.BatchSize == 0 {
		config.BatchSize = DefaultKafkaBatchSize
	}
	if config.BatchBytes == 0 {
		config.BatchBytes = DefaultKafkaBatchBytes
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(config.Brokers...),
		Balancer:               &kafka.Hash{}, // Same candidate id, same partition
		BatchSize:              config.BatchSize,
		BatchBytes:             config.BatchBytes,
		RequiredAcks:           config.RequiredAcks,
		Async:                  false,
		AllowAutoTopicCreation: config.AutoCreateTopics,
	}

	return &KafkaTransport{writer: writer}, nil
}

// Publish sends a message to Kafka. The deadline comes from the caller's
// per-destination timeout.
func (k *KafkaTransport) Publish(ctx context.Context, topic, key string, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}

	return k.writer.WriteMessages(ctx, msg)
}

// Close releases resources held by the KafkaTransport
func (k *KafkaTransport) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
