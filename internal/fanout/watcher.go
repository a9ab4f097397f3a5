package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/store"
)

// State is the lifecycle of one watched source.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateWatchingLive  State = "watching_live_feed"
	StatePolling       State = "polling"
	StateDegraded      State = "degraded"
	StateStopped       State = "stopped"
)

// Source is the store surface watchers consume. *store.Store satisfies it.
type Source interface {
	ProbeChangeFeed(ctx context.Context) error
	ChangeFeed(ctx context.Context, collection, fromID string) (<-chan store.FeedEntry, error)
	Query(ctx context.Context, collection string, since time.Time, limit int) ([]event.RawEvent, error)
}

// deliverFunc receives each newly observed raw event, in source order.
type deliverFunc func(ctx context.Context, collection string, raw event.RawEvent)

// Watcher observes one collection for newly inserted events.
type Watcher interface {
	// Collection names the watched source.
	Collection() string
	// State returns the current lifecycle state.
	State() State
	// Run blocks, delivering observed events, until ctx is canceled.
	// No deliveries happen after Run returns.
	Run(ctx context.Context)
}

// NewWatcher probes the source's change-feed capability and returns the
// live-feed watcher when available, the polling watcher otherwise.
func NewWatcher(ctx context.Context, src Source, collection string, pollInterval time.Duration, pollLimit int, deliver deliverFunc, logger *zap.Logger) Watcher {
	err := src.ProbeChangeFeed(ctx)
	if err == nil {
		return newLiveFeedWatcher(src, collection, pollInterval, pollLimit, deliver, logger)
	}
	if errors.Is(err, store.ErrLiveFeedUnsupported) {
		logger.Info("Live change feed unsupported, watching via polling",
			zap.String("collection", collection))
	} else {
		logger.Warn("Live change feed probe failed, watching via polling",
			zap.String("collection", collection), zap.Error(err))
	}
	return newPollingWatcher(src, collection, pollInterval, pollLimit, deliver, logger)
}

// stateBox holds a watcher's state with single-writer ownership: only the
// watcher's own goroutine writes, other tasks read snapshots.
type stateBox struct {
	mu    sync.RWMutex
	state State
}

func (b *stateBox) set(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()
}

func (b *stateBox) get() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// PollingWatcher observes a collection by interval polling with a
// monotonic last-seen timestamp cursor. The cursor advances only after a
// round that delivered events, so an empty or failed round is retried
// from the same position and no event is ever skipped.
type PollingWatcher struct {
	src        Source
	collection string
	interval   time.Duration
	limit      int
	deliver    deliverFunc
	logger     *zap.Logger
	state      stateBox

	cursorMu sync.RWMutex
	cursor   time.Time
}

func newPollingWatcher(src Source, collection string, interval time.Duration, limit int, deliver deliverFunc, logger *zap.Logger) *PollingWatcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if limit <= 0 {
		limit = 100
	}
	w := &PollingWatcher{
		src:        src,
		collection: collection,
		interval:   interval,
		limit:      limit,
		deliver:    deliver,
		logger:     logger,
		cursor:     time.Now().UTC(),
	}
	w.state.set(StateUninitialized)
	return w
}

func (w *PollingWatcher) Collection() string { return w.collection }

func (w *PollingWatcher) State() State { return w.state.get() }

// Cursor returns a snapshot of the polling cursor. The watcher goroutine
// is the only writer.
func (w *PollingWatcher) Cursor() time.Time {
	w.cursorMu.RLock()
	defer w.cursorMu.RUnlock()
	return w.cursor
}

func (w *PollingWatcher) setCursor(t time.Time) {
	w.cursorMu.Lock()
	w.cursor = t
	w.cursorMu.Unlock()
}

// Run polls until ctx is canceled.
func (w *PollingWatcher) Run(ctx context.Context) {
	w.state.set(StatePolling)
	defer w.state.set(StateStopped)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll(ctx)
		}
	}
}

// poll runs one round: fetch events strictly after the cursor, deliver
// them oldest first, then advance the cursor to the newest delivered
// timestamp.
func (w *PollingWatcher) poll(ctx context.Context) {
	cursor := w.Cursor()
	raws, err := w.src.Query(ctx, w.collection, cursor, w.limit)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Warn("Polling round failed",
				zap.String("collection", w.collection), zap.Error(err))
		}
		return
	}
	if len(raws) == 0 {
		return
	}

	newest := cursor
	for _, raw := range raws {
		if ctx.Err() != nil {
			return
		}
		w.deliver(ctx, w.collection, raw)
		if ts := raw.Timestamp("timestamp"); ts != nil && ts.After(newest) {
			newest = *ts
		}
	}
	if newest.After(cursor) {
		w.setCursor(newest)
	}
}

// LiveFeedWatcher observes a collection via the store's change feed. On
// feed error it transitions to Degraded, logs the downgrade, and hands
// over to polling for the rest of its life; connected subscribers only
// experience a change in delivery latency.
type LiveFeedWatcher struct {
	src        Source
	collection string
	deliver    deliverFunc
	logger     *zap.Logger
	state      stateBox

	// fallback polling parameters
	pollInterval time.Duration
	pollLimit    int
}

func newLiveFeedWatcher(src Source, collection string, pollInterval time.Duration, pollLimit int, deliver deliverFunc, logger *zap.Logger) *LiveFeedWatcher {
	w := &LiveFeedWatcher{
		src:          src,
		collection:   collection,
		deliver:      deliver,
		logger:       logger,
		pollInterval: pollInterval,
		pollLimit:    pollLimit,
	}
	w.state.set(StateUninitialized)
	return w
}

func (w *LiveFeedWatcher) Collection() string { return w.collection }

func (w *LiveFeedWatcher) State() State { return w.state.get() }

// Run consumes the live feed until ctx is canceled, degrading to polling
// if the feed cannot be opened or breaks.
func (w *LiveFeedWatcher) Run(ctx context.Context) {
	defer w.state.set(StateStopped)

	feed, err := w.src.ChangeFeed(ctx, w.collection, "$")
	if err != nil {
		w.degrade(ctx, err)
		return
	}
	w.state.set(StateWatchingLive)

	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-feed:
			if !ok {
				if ctx.Err() != nil {
					return
				}
				w.degrade(ctx, errors.New("change feed closed"))
				return
			}
			if entry.Err != nil {
				w.degrade(ctx, entry.Err)
				return
			}
			if entry.Raw != nil {
				w.deliver(ctx, w.collection, entry.Raw)
			}
		}
	}
}

// degrade logs the downgrade and runs the polling fallback in place.
// Never fatal; live-feed errors are not surfaced to API callers.
func (w *LiveFeedWatcher) degrade(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}
	w.state.set(StateDegraded)
	w.logger.Warn("Live change feed error, falling back to polling",
		zap.String("collection", w.collection), zap.Error(cause))

	fallback := newPollingWatcher(w.src, w.collection, w.pollInterval, w.pollLimit, w.deliver, w.logger)
	w.state.set(StatePolling)
	fallback.Run(ctx)
}
