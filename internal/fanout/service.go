package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/aggregate"
	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/observability"
	"github.com/lvonguyen/hivewatch/internal/store"
)

// Config controls the fan-out layer.
type Config struct {
	Collections    []string      `yaml:"collections"`
	BufferSize     int           `yaml:"buffer_size"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	PollLimit      int           `yaml:"poll_limit"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthMaxAge   time.Duration `yaml:"health_max_age"`
	MirrorTopic    string        `yaml:"mirror_topic"`
}

// DefaultConfig returns fan-out settings suitable for development.
func DefaultConfig() Config {
	return Config{
		Collections:    []string{aggregate.DefaultDataType},
		BufferSize:     64,
		PollInterval:   10 * time.Second,
		PollLimit:      100,
		HealthInterval: 30 * time.Second,
		HealthMaxAge:   2 * time.Minute,
		MirrorTopic:    "hivewatch:events",
	}
}

// Mirror re-publishes outbound messages to an external channel so
// processes outside this one can follow the stream. *store.Store
// satisfies it via Redis pub/sub.
type Mirror interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Backend reports reachability of the upstream aggregation API.
// *upstream.Client satisfies it.
type Backend interface {
	HealthCheck(ctx context.Context) error
}

// Service owns the watchers, the subscriber hub, and the health
// broadcaster for the live event stream.
type Service struct {
	cfg     Config
	src     Source
	proc    *aggregate.Service
	mirror  Mirror
	backend Backend
	hub     *Hub
	logger  *zap.Logger
	metrics *observability.Metrics

	mu       sync.Mutex
	lastID   map[string]string // collection -> last delivered event id
	watchers []Watcher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewService builds the fan-out service. mirror may be nil to disable
// external re-publishing, backend may be nil when no upstream API is
// configured.
func NewService(cfg Config, src Source, proc *aggregate.Service, mirror Mirror, backend Backend, logger *zap.Logger) *Service {
	if len(cfg.Collections) == 0 {
		cfg.Collections = []string{aggregate.DefaultDataType}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		cfg:     cfg,
		src:     src,
		proc:    proc,
		mirror:  mirror,
		backend: backend,
		hub:     NewHub(cfg.BufferSize),
		logger:  logger,
		lastID:  make(map[string]string, len(cfg.Collections)),
	}
}

// Hub exposes the subscriber hub for transports (SSE, websockets).
func (s *Service) Hub() *Hub { return s.hub }

// SetMetrics attaches fan-out metrics.
func (s *Service) SetMetrics(m *observability.Metrics) { s.metrics = m }

// Watchers returns the running watchers, one per collection.
func (s *Service) Watchers() []Watcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Watcher, len(s.watchers))
	copy(out, s.watchers)
	return out
}

// Start probes feed capability, launches one watcher per collection and
// the health broadcaster. It returns immediately; Stop tears down.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.mu.Lock()
	for _, collection := range s.cfg.Collections {
		w := NewWatcher(ctx, s.src, collection, s.cfg.PollInterval, s.cfg.PollLimit, s.deliver, s.logger)
		s.watchers = append(s.watchers, w)
		s.wg.Add(1)
		go func(w Watcher) {
			defer s.wg.Done()
			w.Run(ctx)
		}(w)
	}
	s.mu.Unlock()

	hb := NewHealthBroadcaster(s.hub, s.healthSnapshot, s.cfg.HealthInterval, s.cfg.HealthMaxAge, s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		hb.Run(ctx)
	}()

	s.logger.Info("Fan-out started",
		zap.Strings("collections", s.cfg.Collections),
		zap.Duration("poll_interval", s.cfg.PollInterval))
}

// Stop cancels the watchers and waits for them to finish. No messages
// are published after Stop returns.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// deliver handles one raw event observed by a watcher: it drops
// duplicates of the last delivered event, enriches, and publishes.
func (s *Service) deliver(ctx context.Context, collection string, raw event.RawEvent) {
	if ctx.Err() != nil {
		return
	}
	id := raw.Str("id", "_id", "event_id")

	s.mu.Lock()
	if id != "" && s.lastID[collection] == id {
		s.mu.Unlock()
		return
	}
	if id != "" {
		s.lastID[collection] = id
	}
	s.mu.Unlock()

	ev := s.proc.Process(ctx, raw, time.Now().UTC())
	s.publish(ctx, ev)
}

// publish encodes the enriched event once and fans it out to the global
// topic, the owning tenant's topic, and the honeypot's topic, then
// mirrors it externally.
func (s *Service) publish(ctx context.Context, ev *event.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode event for fan-out",
			zap.String("event_id", ev.ID), zap.Error(err))
		return
	}
	now := time.Now().UTC()

	s.hub.Publish(Message{Topic: TopicEvents, Payload: payload, Timestamp: now})
	s.countPublished(TopicEvents)
	if ev.ClientID != "" {
		s.hub.Publish(Message{Topic: TenantTopic(ev.ClientID), Payload: payload, Timestamp: now})
		s.countPublished("tenant")
	}
	if key := honeypotKey(ev.Honeypot); key != "" {
		s.hub.Publish(Message{Topic: HoneypotTopic(key), Payload: payload, Timestamp: now})
		s.countPublished("honeypot")
	}
	if s.metrics != nil {
		s.metrics.StreamSubscribers.Set(float64(s.hub.SubscriberCount("")))
		s.metrics.MessagesDropped.Set(float64(s.hub.Dropped()))
	}

	if s.mirror != nil && s.cfg.MirrorTopic != "" {
		if err := s.mirror.Publish(ctx, s.cfg.MirrorTopic, payload); err != nil && ctx.Err() == nil {
			s.logger.Warn("Failed to mirror event", zap.Error(err))
		}
	}
}

// countPublished increments the published-event counter by topic kind.
func (s *Service) countPublished(kind string) {
	if s.metrics != nil {
		s.metrics.EventsPublished.WithLabelValues(kind).Inc()
	}
}

// honeypotKey picks the topic key for a resolved honeypot. Unresolved
// sentinel entries get no per-honeypot topic.
func honeypotKey(info event.HoneypotInfo) string {
	if info.ID != "" && info.ID != "unknown" {
		return info.ID
	}
	if info.Name != "Unknown" {
		return info.Name
	}
	return ""
}

// healthSnapshot computes the current health view for the broadcaster.
func (s *Service) healthSnapshot(ctx context.Context) HealthSnapshot {
	snap := HealthSnapshot{
		Status:          "healthy",
		Subscribers:     s.hub.SubscriberCount(""),
		DroppedMessages: s.hub.Dropped(),
		CheckedAt:       time.Now().UTC(),
	}
	for _, w := range s.Watchers() {
		snap.Collections++
		state := w.State()
		switch state {
		case StateWatchingLive:
			snap.WatchersLive++
		case StatePolling, StateDegraded:
			snap.WatchersPolling++
		}
		s.setWatcherMode(w.Collection(), state)
	}
	probeErr := s.src.ProbeChangeFeed(ctx)
	if probeErr != nil && snap.WatchersLive > 0 {
		snap.Status = "degraded"
	}
	if snap.Collections > 0 && snap.WatchersLive == 0 && snap.WatchersPolling == 0 {
		snap.Status = "degraded"
	}
	if s.backend != nil {
		if err := s.backend.HealthCheck(ctx); err != nil {
			snap.Backend = "unhealthy"
			snap.Status = "degraded"
		} else {
			snap.Backend = "healthy"
		}
	}
	if s.metrics != nil {
		storeHealthy := probeErr == nil || errors.Is(probeErr, store.ErrLiveFeedUnsupported)
		s.metrics.HealthStatus.WithLabelValues("store").Set(boolGauge(storeHealthy))
		if snap.Backend != "" {
			s.metrics.HealthStatus.WithLabelValues("backend").Set(boolGauge(snap.Backend == "healthy"))
		}
		s.metrics.LastHealthCheck.Set(float64(snap.CheckedAt.Unix()))
	}
	return snap
}

// setWatcherMode marks the active delivery mode for one collection,
// zeroing the other modes so the series reads as a one-hot selector.
func (s *Service) setWatcherMode(collection string, active State) {
	if s.metrics == nil {
		return
	}
	for _, st := range []State{StateWatchingLive, StatePolling, StateDegraded} {
		s.metrics.WatcherMode.WithLabelValues(collection, string(st)).Set(boolGauge(st == active))
	}
}

func boolGauge(ok bool) float64 {
	if ok {
		return 1
	}
	return 0
}
