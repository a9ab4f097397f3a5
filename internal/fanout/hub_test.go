package fanout

import (
	"testing"
	"time"
)

// =============================================================================
// Subscription Tests
// =============================================================================

// TestHub_TopicScoping verifies subscribers only receive messages for
// their topics.
func TestHub_TopicScoping(t *testing.T) {
	hub := NewHub(4)
	tenantSub := hub.Subscribe(TenantTopic("tenant-a"))
	globalSub := hub.Subscribe(TopicEvents)
	defer hub.Unsubscribe(tenantSub)
	defer hub.Unsubscribe(globalSub)

	hub.Publish(Message{Topic: TopicEvents, Payload: []byte("global")})
	hub.Publish(Message{Topic: TenantTopic("tenant-a"), Payload: []byte("scoped")})
	hub.Publish(Message{Topic: TenantTopic("tenant-b"), Payload: []byte("other")})

	select {
	case msg := <-tenantSub.C:
		if string(msg.Payload) != "scoped" {
			t.Errorf("tenant subscriber got %q, want scoped", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("tenant subscriber received nothing")
	}
	select {
	case msg := <-tenantSub.C:
		t.Errorf("tenant subscriber got unexpected extra message %q", msg.Payload)
	default:
	}

	select {
	case msg := <-globalSub.C:
		if string(msg.Payload) != "global" {
			t.Errorf("global subscriber got %q, want global", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("global subscriber received nothing")
	}
}

// TestHub_SlowSubscriberDropped verifies a full buffer drops messages
// instead of blocking the publisher.
func TestHub_SlowSubscriberDropped(t *testing.T) {
	hub := NewHub(2)
	sub := hub.Subscribe(TopicEvents)
	defer hub.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		hub.Publish(Message{Topic: TopicEvents, Payload: []byte{byte(i)}})
	}

	if got := hub.Dropped(); got != 3 {
		t.Errorf("dropped = %d, want 3", got)
	}
	if got := len(sub.C); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

// TestHub_UnsubscribeIdempotent verifies double unsubscribe does not
// panic and the channel is closed.
func TestHub_UnsubscribeIdempotent(t *testing.T) {
	hub := NewHub(1)
	sub := hub.Subscribe(TopicEvents)

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)

	if _, ok := <-sub.C; ok {
		t.Error("channel should be closed after unsubscribe")
	}
	if got := hub.SubscriberCount(TopicEvents); got != 0 {
		t.Errorf("subscriber count = %d, want 0", got)
	}
}

// TestHub_SubscriberCount verifies per-topic and distinct totals.
func TestHub_SubscriberCount(t *testing.T) {
	hub := NewHub(1)
	a := hub.Subscribe(TopicEvents, TopicHealth)
	b := hub.Subscribe(TopicHealth)
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	if got := hub.SubscriberCount(TopicHealth); got != 2 {
		t.Errorf("health subscribers = %d, want 2", got)
	}
	if got := hub.SubscriberCount(TopicEvents); got != 1 {
		t.Errorf("events subscribers = %d, want 1", got)
	}
	if got := hub.SubscriberCount(""); got != 2 {
		t.Errorf("distinct subscribers = %d, want 2", got)
	}
}
