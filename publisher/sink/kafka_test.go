package sink

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/publisher"
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Len(t, config.Brokers, 2)
	assert.Equal(t, "localhost:9092", config.Brokers[0])
	assert.Equal(t, 1, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
}

func TestNewKafkaTransport(t *testing.T) {
	transport, err := NewKafkaTransport(KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    50,
		BatchBytes:   2048,
		RequiredAcks: kafka.RequireOne,
	})
	require.NoError(t, err)
	require.NotNil(t, transport.writer)

	assert.Equal(t, 50, transport.writer.BatchSize)
	assert.Equal(t, int64(2048), transport.writer.BatchBytes)
	assert.Equal(t, kafka.RequireOne, transport.writer.RequiredAcks)
	assert.False(t, transport.writer.Async, "writes must be synchronous so the outcome is known")

	assert.NoError(t, transport.Close())
}

func TestNewKafkaTransportEmptyBrokers(t *testing.T) {
	_, err := NewKafkaTransport(KafkaConfig{Brokers: []string{}})
	assert.Error(t, err)
}

func TestKafkaFactoryRegistered(t *testing.T) {
	targets, err := publisher.BuildTargets([]cfg.DestinationConfiguration{{
		Name: "audit",
		Type: cfg.DestinationKafka,
		Event: cfg.EventSinkConfiguration{
			Name:    "audit",
			Type:    cfg.DestinationKafka,
			Brokers: []string{"localhost:9092"},
			Topic:   "tootbot.posts",
		},
	}})
	require.NoError(t, err)
	require.Len(t, targets, 1)
	assert.Equal(t, "audit", targets[0].Name())
	assert.False(t, targets[0].UsesMedia())
	publisher.CloseTargets(targets)
}

func TestStreamName(t *testing.T) {
	assert.Equal(t, "tootbot_posts", StreamName("tootbot.posts"))
	assert.Equal(t, "posts", StreamName("posts"))
}
