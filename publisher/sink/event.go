package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/common"
	"github.com/tootbot/tootbot/encoding"
	"github.com/tootbot/tootbot/publisher"
)

// Event formats
const (
	FormatJSON    = "json"
	FormatMsgpack = "msgpack"
)

// Transport delivers one encoded message to a broker
type Transport interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// PostEvent is the message published for every republished candidate
type PostEvent struct {
	ID          string                   `json:"id" msgpack:"id"`
	Title       string                   `json:"title" msgpack:"title"`
	Body        string                   `json:"body,omitempty" msgpack:"body,omitempty"`
	URL         string                   `json:"url,omitempty" msgpack:"url,omitempty"`
	ShortLink   string                   `json:"short_link" msgpack:"short_link"`
	Permalink   string                   `json:"permalink,omitempty" msgpack:"permalink,omitempty"`
	Subreddit   string                   `json:"subreddit,omitempty" msgpack:"subreddit,omitempty"`
	Author      string                   `json:"author,omitempty" msgpack:"author,omitempty"`
	NSFW        bool                     `json:"nsfw" msgpack:"nsfw"`
	Spoiler     bool                     `json:"spoiler" msgpack:"spoiler"`
	CreatedAt   time.Time                `json:"created_at" msgpack:"created_at"`
	PublishedAt time.Time                `json:"published_at" msgpack:"published_at"`
	Media       []common.MediaDescriptor `json:"media,omitempty" msgpack:"media,omitempty"`
}

// NewPostEvent builds the event for a post
func NewPostEvent(p *publisher.Post, now time.Time) PostEvent {
	c := &p.Candidate
	return PostEvent{
		ID:          c.ID,
		Title:       c.Title,
		Body:        c.Body,
		URL:         c.URL,
		ShortLink:   c.ShortLink(),
		Permalink:   c.Permalink,
		Subreddit:   c.Subreddit,
		Author:      c.Author,
		NSFW:        c.Flags.NSFW,
		Spoiler:     c.Flags.Spoiler,
		CreatedAt:   c.CreatedAt,
		PublishedAt: now,
		Media:       c.Media,
	}
}

// EventDestination publishes a PostEvent per candidate through a Transport,
// keyed by candidate id.
type EventDestination struct {
	name      string
	destType  string
	topic     string
	format    string
	compress  bool
	transport Transport
	now       func() time.Time
}

// NewEventDestination wraps transport using the sink configuration
func NewEventDestination(config cfg.DestinationConfiguration, transport Transport) (*EventDestination, error) {
	format := config.Event.Format
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatMsgpack {
		transport.Close()
		return nil, fmt.Errorf("unknown event format: %s", format)
	}
	if config.Event.Topic == "" {
		transport.Close()
		return nil, fmt.Errorf("event sink %s requires a topic", config.Name)
	}

	return &EventDestination{
		name:      config.Name,
		destType:  config.Type,
		topic:     config.Event.Topic,
		format:    format,
		compress:  config.Event.Compress,
		transport: transport,
		now:       time.Now,
	}, nil
}

func (e *EventDestination) Name() string    { return e.name }
func (e *EventDestination) Type() string    { return e.destType }
func (e *EventDestination) UsesMedia() bool { return false }

// Encode serialises ev in the configured format
func (e *EventDestination) Encode(ev PostEvent) ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if e.format == FormatMsgpack {
		data, err = encoding.Marshal(ev)
	} else {
		data, err = json.Marshal(ev)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}

	if e.compress {
		return encoding.Compress(data)
	}
	return data, nil
}

// Publish encodes the post event and hands it to the transport
func (e *EventDestination) Publish(ctx context.Context, post *publisher.Post) error {
	data, err := e.Encode(NewPostEvent(post, e.now()))
	if err != nil {
		return err
	}
	return e.transport.Publish(ctx, e.topic, post.Candidate.ID, data)
}

// Close closes the transport
func (e *EventDestination) Close() error {
	return e.transport.Close()
}
