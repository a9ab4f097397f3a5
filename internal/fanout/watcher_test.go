package fanout

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/store"
)

// fakeSource is an in-memory Source with scriptable feed capability.
type fakeSource struct {
	mu       sync.Mutex
	probeErr error
	feed     chan store.FeedEntry
	feedErr  error
	events   []event.RawEvent
	queryErr error
}

func (f *fakeSource) ProbeChangeFeed(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probeErr
}

func (f *fakeSource) ChangeFeed(ctx context.Context, collection, fromID string) (<-chan store.FeedEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	return f.feed, nil
}

func (f *fakeSource) Query(ctx context.Context, collection string, since time.Time, limit int) ([]event.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []event.RawEvent
	for _, raw := range f.events {
		if ts := raw.Timestamp("timestamp"); ts != nil && ts.After(since) {
			out = append(out, raw)
		}
	}
	return out, nil
}

func (f *fakeSource) add(id string, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event.RawEvent{
		"id":        id,
		"timestamp": ts.Format(time.RFC3339Nano),
	})
}

type recorder struct {
	mu  sync.Mutex
	ids []string
}

func (r *recorder) deliver(_ context.Context, _ string, raw event.RawEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, raw.Str("id"))
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// =============================================================================
// Capability Probe Tests
// =============================================================================

// TestNewWatcher_PrefersLiveFeed verifies a successful probe yields the
// live-feed watcher, and an unsupported feed yields the polling watcher.
func TestNewWatcher_PrefersLiveFeed(t *testing.T) {
	rec := &recorder{}
	live := NewWatcher(context.Background(), &fakeSource{}, "deception_event",
		time.Second, 10, rec.deliver, zap.NewNop())
	if _, ok := live.(*LiveFeedWatcher); !ok {
		t.Errorf("watcher = %T, want *LiveFeedWatcher", live)
	}

	polling := NewWatcher(context.Background(),
		&fakeSource{probeErr: store.ErrLiveFeedUnsupported}, "deception_event",
		time.Second, 10, rec.deliver, zap.NewNop())
	if _, ok := polling.(*PollingWatcher); !ok {
		t.Errorf("watcher = %T, want *PollingWatcher", polling)
	}
}

// =============================================================================
// Polling Watcher Tests
// =============================================================================

// TestPollingWatcher_CursorAdvancesOnlyOnDelivery verifies an empty round
// leaves the cursor in place and a delivering round advances it to the
// newest delivered timestamp, so nothing is redelivered or skipped.
func TestPollingWatcher_CursorAdvancesOnlyOnDelivery(t *testing.T) {
	src := &fakeSource{}
	rec := &recorder{}
	w := newPollingWatcher(src, "deception_event", time.Second, 10, rec.deliver, zap.NewNop())

	start := w.Cursor()
	ctx := context.Background()

	w.poll(ctx)
	if !w.Cursor().Equal(start) {
		t.Error("empty round must not advance the cursor")
	}

	t1 := start.Add(time.Second)
	t2 := start.Add(2 * time.Second)
	src.add("e1", t1)
	src.add("e2", t2)

	w.poll(ctx)
	if got := rec.snapshot(); len(got) != 2 || got[0] != "e1" || got[1] != "e2" {
		t.Errorf("delivered = %v, want [e1 e2]", got)
	}
	if !w.Cursor().Equal(t2) {
		t.Errorf("cursor = %v, want %v", w.Cursor(), t2)
	}

	// Same data again: everything is at or before the cursor.
	w.poll(ctx)
	if got := rec.snapshot(); len(got) != 2 {
		t.Errorf("redelivery: delivered = %v", got)
	}

	// A failed round must not move the cursor either.
	src.mu.Lock()
	src.queryErr = errors.New("store down")
	src.mu.Unlock()
	w.poll(ctx)
	if !w.Cursor().Equal(t2) {
		t.Error("failed round must not advance the cursor")
	}
}

// TestPollingWatcher_RunStops verifies Run honors cancellation and lands
// in the stopped state.
func TestPollingWatcher_RunStops(t *testing.T) {
	src := &fakeSource{}
	rec := &recorder{}
	w := newPollingWatcher(src, "deception_event", 5*time.Millisecond, 10, rec.deliver, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for w.State() != StatePolling {
		select {
		case <-deadline:
			t.Fatal("watcher never reached polling state")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if w.State() != StateStopped {
		t.Errorf("state = %q, want stopped", w.State())
	}
}

// =============================================================================
// Live Feed Watcher Tests
// =============================================================================

// TestLiveFeedWatcher_DeliversEntries verifies feed entries reach the
// deliver callback while in the live state.
func TestLiveFeedWatcher_DeliversEntries(t *testing.T) {
	feed := make(chan store.FeedEntry, 2)
	src := &fakeSource{feed: feed}
	rec := &recorder{}
	w := newLiveFeedWatcher(src, "deception_event", time.Second, 10, rec.deliver, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	feed <- store.FeedEntry{ID: "1-0", Raw: event.RawEvent{"id": "e1"}}

	deadline := time.After(time.Second)
	for len(rec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("entry never delivered")
		case <-time.After(time.Millisecond):
		}
	}
	if w.State() != StateWatchingLive {
		t.Errorf("state = %q, want watching_live_feed", w.State())
	}

	cancel()
	<-done
}

// TestLiveFeedWatcher_DegradesToPolling verifies a broken feed downgrades
// to the polling fallback and events keep flowing.
func TestLiveFeedWatcher_DegradesToPolling(t *testing.T) {
	feed := make(chan store.FeedEntry, 1)
	src := &fakeSource{feed: feed}
	rec := &recorder{}
	w := newLiveFeedWatcher(src, "deception_event", 5*time.Millisecond, 10, rec.deliver, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	feed <- store.FeedEntry{Err: errors.New("feed broke")}

	deadline := time.After(time.Second)
	for w.State() != StatePolling {
		select {
		case <-deadline:
			t.Fatalf("state = %q, never degraded to polling", w.State())
		case <-time.After(time.Millisecond):
		}
	}

	// Events keep flowing via the fallback.
	src.add("e1", time.Now().Add(time.Minute))
	for len(rec.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("fallback never delivered")
		case <-time.After(time.Millisecond):
		}
	}

	cancel()
	<-done
	if w.State() != StateStopped {
		t.Errorf("state = %q, want stopped", w.State())
	}
}
