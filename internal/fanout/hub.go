// Package fanout watches backing collections for newly inserted events,
// runs them through the normalization and enrichment pipeline, and
// republishes them to subscribed live-dashboard clients. A live change
// feed is preferred; each watched source degrades independently to
// timestamp-cursor polling when the feed is unavailable or breaks.
package fanout

import (
	"sync"
	"sync/atomic"
	"time"
)

// Well-known topics.
const (
	TopicEvents = "events" // global topic, privileged dashboards only
	TopicHealth = "health"
)

// TenantTopic names the tenant-scoped push topic. Push delivery is
// tenant-scoped, matching the query-path isolation guarantee.
func TenantTopic(clientID string) string { return "tenant:" + clientID }

// HoneypotTopic names the per-honeypot push topic.
func HoneypotTopic(key string) string { return "honeypot:" + key }

// Message is one delivery to a subscriber. Payload is an encoded JSON
// document ready to write to the wire.
type Message struct {
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscription is one subscriber's handle on a set of topics. Receive
// from C; call its Hub's Unsubscribe to release it.
type Subscription struct {
	C      <-chan Message
	ch     chan Message
	topics []string
	closed bool // guarded by the hub mutex
}

// Topics returns the topics this subscription joined.
func (s *Subscription) Topics() []string {
	out := make([]string, len(s.topics))
	copy(out, s.topics)
	return out
}

// Hub is the topic/subscriber registry. Subscribe and unsubscribe arrive
// concurrently from many connections; publishes to one topic never block
// on another topic's subscribers, and a slow subscriber is skipped rather
// than stalling the publisher.
type Hub struct {
	mu         sync.RWMutex
	topics     map[string]map[*Subscription]struct{}
	bufferSize int
	dropped    atomic.Uint64
}

// NewHub creates a hub. bufferSize is the per-subscriber channel depth.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		topics:     make(map[string]map[*Subscription]struct{}),
		bufferSize: bufferSize,
	}
}

// Subscribe joins the given topics and returns the subscription handle.
func (h *Hub) Subscribe(topics ...string) *Subscription {
	ch := make(chan Message, h.bufferSize)
	sub := &Subscription{C: ch, ch: ch, topics: topics}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		if h.topics[topic] == nil {
			h.topics[topic] = make(map[*Subscription]struct{})
		}
		h.topics[topic][sub] = struct{}{}
	}
	return sub
}

// Unsubscribe removes a subscription from all its topics and closes its
// channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true

	for _, topic := range sub.topics {
		if subs := h.topics[topic]; subs != nil {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(h.topics, topic)
			}
		}
	}
	close(sub.ch)
}

// Publish delivers a message to every subscriber of the topic. Full
// subscriber buffers are skipped; the dropped count is observable via
// Dropped.
func (h *Hub) Publish(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.topics[msg.Topic] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			h.dropped.Add(1)
		}
	}
	return delivered
}

// SubscriberCount returns the number of subscriptions on a topic, or the
// total distinct subscription count when topic is empty.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if topic != "" {
		return len(h.topics[topic])
	}
	distinct := make(map[*Subscription]struct{})
	for _, subs := range h.topics {
		for sub := range subs {
			distinct[sub] = struct{}{}
		}
	}
	return len(distinct)
}

// Dropped returns the number of messages skipped due to full buffers.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}
