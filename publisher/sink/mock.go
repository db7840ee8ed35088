package sink

import (
	"context"
	"sync"

	"github.com/tootbot/tootbot/publisher"
)

// MockTransport records messages for inspection in tests
type MockTransport struct {
	Messages   []MockMessage
	PublishErr error
	Closed     bool
	mu         sync.Mutex
}

// MockMessage represents a published message for testing
type MockMessage struct {
	Topic string
	Key   string
	Value []byte
}

// Publish records a message
func (m *MockTransport) Publish(_ context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.PublishErr != nil {
		return m.PublishErr
	}

	m.Messages = append(m.Messages, MockMessage{
		Topic: topic,
		Key:   key,
		Value: value,
	})

	return nil
}

// Close marks the transport closed
func (m *MockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

// Reset clears all recorded messages
func (m *MockTransport) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = nil
}

// MockDestination records posts and returns PublishErr
type MockDestination struct {
	DestName   string
	Media      bool
	PublishErr error
	Posts      []*publisher.Post
	mu         sync.Mutex
}

func (m *MockDestination) Name() string    { return m.DestName }
func (m *MockDestination) Type() string    { return "mock" }
func (m *MockDestination) UsesMedia() bool { return m.Media }
func (m *MockDestination) Close() error    { return nil }

// Publish records post
func (m *MockDestination) Publish(_ context.Context, post *publisher.Post) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.Posts = append(m.Posts, post)
	return nil
}

// Count returns the number of recorded posts
func (m *MockDestination) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Posts)
}
