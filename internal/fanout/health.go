package fanout

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// HealthSnapshot is the system health summary pushed to health topic
// subscribers.
type HealthSnapshot struct {
	Status          string    `json:"status"`
	Backend         string    `json:"backend,omitempty"`
	Collections     int       `json:"collections"`
	WatchersLive    int       `json:"watchers_live"`
	WatchersPolling int       `json:"watchers_polling"`
	Subscribers     int       `json:"subscribers"`
	DroppedMessages uint64    `json:"dropped_messages"`
	CheckedAt       time.Time `json:"checked_at"`
}

// sameAs compares everything except the check timestamp. A
// recomputed snapshot that differs only in CheckedAt is not news and is
// not rebroadcast.
func (s HealthSnapshot) sameAs(o HealthSnapshot) bool {
	return s.Status == o.Status &&
		s.Backend == o.Backend &&
		s.Collections == o.Collections &&
		s.WatchersLive == o.WatchersLive &&
		s.WatchersPolling == o.WatchersPolling &&
		s.Subscribers == o.Subscribers &&
		s.DroppedMessages == o.DroppedMessages
}

// HealthBroadcaster periodically checks system health and publishes a
// snapshot to the health topic, but only when the snapshot actually
// changed. Checks are skipped entirely while nobody is subscribed, and
// a fresh-enough cached snapshot is not recomputed.
type HealthBroadcaster struct {
	hub      *Hub
	compute  func(ctx context.Context) HealthSnapshot
	interval time.Duration
	maxAge   time.Duration
	logger   *zap.Logger

	last      HealthSnapshot
	computed  time.Time
	published bool
}

// NewHealthBroadcaster builds a broadcaster that ticks every interval
// and recomputes a snapshot at most once per maxAge.
func NewHealthBroadcaster(hub *Hub, compute func(ctx context.Context) HealthSnapshot, interval, maxAge time.Duration, logger *zap.Logger) *HealthBroadcaster {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	return &HealthBroadcaster{
		hub:      hub,
		compute:  compute,
		interval: interval,
		maxAge:   maxAge,
		logger:   logger,
	}
}

// Run broadcasts until ctx is canceled.
func (b *HealthBroadcaster) Run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			b.tick(ctx, now)
		}
	}
}

// tick runs one broadcast round.
func (b *HealthBroadcaster) tick(ctx context.Context, now time.Time) {
	if b.hub.SubscriberCount(TopicHealth) == 0 {
		return
	}
	if b.published && now.Sub(b.computed) < b.maxAge {
		return
	}

	snapshot := b.compute(ctx)
	if snapshot.CheckedAt.IsZero() {
		snapshot.CheckedAt = now.UTC()
	}
	b.computed = now

	if b.published && snapshot.sameAs(b.last) {
		b.last = snapshot
		return
	}
	b.last = snapshot
	b.published = true

	payload, err := json.Marshal(snapshot)
	if err != nil {
		b.logger.Warn("Failed to encode health snapshot", zap.Error(err))
		return
	}
	b.hub.Publish(Message{Topic: TopicHealth, Payload: payload, Timestamp: now.UTC()})
	b.logger.Debug("Published health snapshot",
		zap.String("status", snapshot.Status),
		zap.Int("subscribers", snapshot.Subscribers))
}
