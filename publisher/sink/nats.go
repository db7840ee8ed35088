package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/publisher"
)

func init() {
	publisher.RegisterDestination(cfg.DestinationNats, func(config cfg.DestinationConfiguration) (publisher.Destination, error) {
		if config.Event.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		transport, err := NewNatsTransport(config.Event.NatsURL)
		if err != nil {
			return nil, err
		}
		return NewEventDestination(config, transport)
	})
}

// NatsTransport publishes to NATS JetStream
type NatsTransport struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]struct{}
}

// NewNatsTransport connects to NATS and creates a JetStream context
func NewNatsTransport(url string) (*NatsTransport, error) {
	nc, err := nats.Connect(url,
		nats.Name("tootbot"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsTransport{nc: nc, js: js, streams: make(map[string]struct{})}, nil
}

// ensureStream creates the stream for topic the first time it is used
func (n *NatsTransport) ensureStream(ctx context.Context, topic string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.streams[topic]; ok {
		return nil
	}

	streamName := StreamName(topic)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{topic},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", streamName, err)
	}

	n.streams[topic] = struct{}{}
	return nil
}

// Publish sends a message to JetStream with the key as a header and as the
// message id, so a republished candidate is deduplicated by the server.
func (n *NatsTransport) Publish(ctx context.Context, topic, key string, value []byte) error {
	if err := n.ensureStream(ctx, topic); err != nil {
		return err
	}

	msg := &nats.Msg{
		Subject: topic,
		Data:    value,
		Header:  nats.Header{"key": []string{key}},
	}

	if _, err := n.js.PublishMsg(ctx, msg, jetstream.WithMsgID(key)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	return nil
}

// Close releases resources held by the NatsTransport
func (n *NatsTransport) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// StreamName converts a topic to a valid JetStream stream name.
// Stream names can't contain "." so it is replaced with "_".
func StreamName(topic string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(topic)
}
