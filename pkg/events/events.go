// Package events is the in-process notification bus used to invalidate
// access caches when roles, policies or permissions change.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by access stores.
const (
	TopicAccessChanged      = "access.changed"
	TopicPoliciesChanged    = "policies.changed"
	TopicPermissionsChanged = "permissions.changed"
	TopicRolesChanged       = "roles.changed"
)

// AccessTopics lists every topic that affects resolved permissions.
var AccessTopics = []string{
	TopicAccessChanged,
	TopicPoliciesChanged,
	TopicPermissionsChanged,
	TopicRolesChanged,
}

// Event is one notification.
type Event struct {
	ID      string    `json:"id"`
	Topic   string    `json:"topic"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(topic string, payload any) Event {
	return Event{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: payload,
	}
}

// Handler receives published events.
type Handler func(Event)

// Bus publishes events to subscribers.
type Bus interface {
	Publish(Event)
	// Subscribe registers h for the given topics. The returned function
	// removes the subscription.
	Subscribe(h Handler, topics ...string) (unsubscribe func())
}

// Hub is an in-memory Bus. Handlers run synchronously on the publishing
// goroutine, so once Publish returns every subscriber has seen the event.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]subscription
}

type subscription struct {
	topics  map[string]bool
	handler Handler
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: map[int]subscription{}}
}

func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	handlers := make([]Handler, 0, len(h.subs))
	for _, s := range h.subs {
		if len(s.topics) == 0 || s.topics[evt.Topic] {
			handlers = append(handlers, s.handler)
		}
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(evt)
	}
}

// Subscribe registers a handler. With no topics the handler receives every
// event.
func (h *Hub) Subscribe(fn Handler, topics ...string) func() {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = subscription{topics: set, handler: fn}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}
