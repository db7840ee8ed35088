// Package notify fans settled pass events out to subscribers such as the
// admin event stream.
package notify

import (
	"sync"
	"sync/atomic"
	"time"
)

// defaultEventBufferSize is the buffer of each subscriber channel.
// Subscribers that fall behind lose events rather than block a pass.
const defaultEventBufferSize = 16

// Event describes one settled pass
type Event struct {
	Subreddit   string    `json:"subreddit"`
	Outcome     string    `json:"outcome"`
	CandidateID string    `json:"candidate_id,omitempty"`
	Error       string    `json:"error,omitempty"`
	Time        time.Time `json:"time"`
}

// Filter selects events by outcome. Empty matches everything.
type Filter struct {
	Outcomes []string
}

type subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
	closed atomic.Bool
}

func (s *subscription) matches(outcome string) bool {
	if len(s.filter.Outcomes) == 0 {
		return true
	}
	for _, o := range s.filter.Outcomes {
		if o == outcome {
			return true
		}
	}
	return false
}

func (s *subscription) close() {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
}

// Hub is a thread-safe broadcast point for pass events
type Hub struct {
	mu            sync.RWMutex
	subscriptions map[uint64]*subscription
	nextID        atomic.Uint64
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		subscriptions: make(map[uint64]*subscription),
	}
}

// Signal delivers ev to every matching subscriber without blocking
func (h *Hub) Signal(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscriptions {
		if !sub.matches(ev.Outcome) {
			continue
		}

		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// Subscribe registers a subscriber. The cancel function closes the channel
// and is idempotent.
func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	sub := &subscription{
		id:     h.nextID.Add(1),
		filter: filter,
		ch:     make(chan Event, defaultEventBufferSize),
	}

	h.mu.Lock()
	h.subscriptions[sub.id] = sub
	h.mu.Unlock()

	return sub.ch, func() { h.unsubscribe(sub.id) }
}

// Len returns the number of active subscribers
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscriptions)
}

// Close drops every subscriber
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscriptions
	h.subscriptions = make(map[uint64]*subscription)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	sub, ok := h.subscriptions[id]
	if ok {
		delete(h.subscriptions, id)
	}
	h.mu.Unlock()

	if ok {
		sub.close()
	}
}
