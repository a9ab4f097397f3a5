// Package store provides the Redis-backed document store for observed
// events, the honeypot directory, and the live change-feed primitive the
// fan-out layer watches. A single pooled client is created at startup and
// owned for the process lifetime; callers never open per-call connections.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/event"
)

const keyPrefix = "hivewatch"

// ErrEventNotFound is returned when an event id has no document.
var ErrEventNotFound = errors.New("event not found")

// ErrLiveFeedUnsupported indicates the backing store cannot provide a
// change feed. This is a detected, supported condition: the fan-out layer
// falls back to polling.
var ErrLiveFeedUnsupported = errors.New("live change feed not supported by store")

// Config holds Redis connection settings.
type Config struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	FeedMaxLen  int64         `yaml:"feed_max_len"`
	ReadBlock   time.Duration `yaml:"read_block"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		DB:         0,
		PoolSize:   10,
		FeedMaxLen: 10000,
		ReadBlock:  5 * time.Second,
	}
}

// FeedEntry is one change-feed delivery. Err is set on the final entry
// when the feed breaks; the channel is closed afterwards.
type FeedEntry struct {
	ID  string
	Raw event.RawEvent
	Err error
}

// Store is the Redis-backed event store. Safe for concurrent use.
type Store struct {
	cfg    Config
	rdb    *redis.Client
	logger *zap.Logger
}

// New creates a store with a pooled, long-lived Redis client.
func New(cfg Config, logger *zap.Logger) *Store {
	if cfg.Addr == "" {
		cfg.Addr = DefaultConfig().Addr
	}
	if cfg.ReadBlock <= 0 {
		cfg.ReadBlock = DefaultConfig().ReadBlock
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: os.Getenv(cfg.PasswordEnv),
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	return &Store{cfg: cfg, rdb: rdb, logger: logger}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the client pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

func eventKey(id string) string            { return keyPrefix + ":event:" + id }
func collectionKey(collection string) string { return keyPrefix + ":events:" + collection }
func feedKey(collection string) string     { return keyPrefix + ":feed:" + collection }
func ipIndexKey(ip string) string          { return keyPrefix + ":by_ip:" + ip }
func honeypotIndexKey(name string) string  { return keyPrefix + ":by_honeypot:" + name }
func honeypotKey(idOrName string) string   { return keyPrefix + ":honeypot:" + idOrName }

const collectionsKey = keyPrefix + ":collections"

// Append stores a raw event document in a collection, indexes it by
// timestamp, source IP and honeypot, and appends it to the collection's
// change feed. The event is assigned an id when it carries none. The
// assigned id and effective timestamp are returned.
func (s *Store) Append(ctx context.Context, collection string, raw event.RawEvent) (string, error) {
	if raw == nil {
		raw = event.RawEvent{}
	}

	id := raw.Str("_id", "id")
	if id == "" {
		id = uuid.NewString()
		raw = raw.Clone()
		raw["_id"] = id
	}

	ts := raw.Timestamp("timestamp")
	score := float64(time.Now().UTC().UnixMilli())
	if ts != nil {
		score = float64(ts.UnixMilli())
	}

	doc, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("encoding event %s: %w", id, err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, eventKey(id), doc, 0)
	pipe.ZAdd(ctx, collectionKey(collection), redis.Z{Score: score, Member: id})
	pipe.SAdd(ctx, collectionsKey, collection)
	if ip := raw.Str("source_ip", "src_ip"); ip != "" {
		pipe.ZAdd(ctx, ipIndexKey(ip), redis.Z{Score: score, Member: id})
	}
	if hp := raw.Str("honeypot_name", "honeypot_id"); hp != "" {
		pipe.ZAdd(ctx, honeypotIndexKey(hp), redis.Z{Score: score, Member: id})
	}
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: feedKey(collection),
		MaxLen: s.cfg.FeedMaxLen,
		Approx: true,
		Values: map[string]any{"id": id, "doc": string(doc)},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("appending event %s to %s: %w", id, collection, err)
	}

	return id, nil
}

// Get fetches one raw event document by id.
func (s *Store) Get(ctx context.Context, id string) (event.RawEvent, error) {
	doc, err := s.rdb.Get(ctx, eventKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching event %s: %w", id, err)
	}

	var raw event.RawEvent
	if err := json.Unmarshal(doc, &raw); err != nil {
		return nil, fmt.Errorf("decoding event %s: %w", id, err)
	}
	return raw, nil
}

// Query returns raw events from a collection with timestamps strictly
// after "since", oldest first, capped at limit. Zero since means the
// beginning of the collection.
func (s *Store) Query(ctx context.Context, collection string, since time.Time, limit int) ([]event.RawEvent, error) {
	min := "-inf"
	if !since.IsZero() {
		// Exclusive bound so a cursor round never re-reads its own edge.
		min = "(" + strconv.FormatInt(since.UnixMilli(), 10)
	}
	return s.rangeByScore(ctx, collectionKey(collection), min, limit)
}

// RecentBySourceIP returns raw events observed from one source IP since
// the given instant, oldest first.
func (s *Store) RecentBySourceIP(ctx context.Context, ip string, since time.Time, limit int) ([]event.RawEvent, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	return s.rangeByScore(ctx, ipIndexKey(ip), min, limit)
}

// RecentByHoneypot returns raw events observed on one honeypot since the
// given instant, oldest first.
func (s *Store) RecentByHoneypot(ctx context.Context, name string, since time.Time, limit int) ([]event.RawEvent, error) {
	min := strconv.FormatInt(since.UnixMilli(), 10)
	return s.rangeByScore(ctx, honeypotIndexKey(name), min, limit)
}

func (s *Store) rangeByScore(ctx context.Context, key, min string, limit int) ([]event.RawEvent, error) {
	rng := &redis.ZRangeBy{Min: min, Max: "+inf"}
	if limit > 0 {
		rng.Count = int64(limit)
	}

	ids, err := s.rdb.ZRangeByScore(ctx, key, rng).Result()
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", key, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = eventKey(id)
	}
	docs, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("fetching %d events: %w", len(keys), err)
	}

	events := make([]event.RawEvent, 0, len(docs))
	for i, doc := range docs {
		str, ok := doc.(string)
		if !ok {
			// Document expired or deleted between index read and fetch.
			continue
		}
		var raw event.RawEvent
		if err := json.Unmarshal([]byte(str), &raw); err != nil {
			s.logger.Warn("Skipping undecodable event document", zap.String("id", ids[i]), zap.Error(err))
			continue
		}
		events = append(events, raw)
	}
	return events, nil
}

// Collections lists the data partitions observed so far.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	collections, err := s.rdb.SMembers(ctx, collectionsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("listing collections: %w", err)
	}
	return collections, nil
}

// PutHoneypot registers honeypot directory metadata under both id and name.
func (s *Store) PutHoneypot(ctx context.Context, info event.HoneypotInfo) error {
	fields := map[string]any{
		"id":       info.ID,
		"name":     info.Name,
		"type":     info.Type,
		"category": info.Category,
		"status":   info.Status,
		"port":     strconv.Itoa(info.Port),
	}
	pipe := s.rdb.TxPipeline()
	for _, key := range []string{info.ID, info.Name} {
		if key != "" {
			pipe.HSet(ctx, honeypotKey(key), fields)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("storing honeypot %s: %w", info.ID, err)
	}
	return nil
}

// Resolve looks up honeypot metadata by id or name. A miss yields the
// Unknown sentinel; lookups never fail the calling pipeline. Implements
// the normalizer's Directory interface.
func (s *Store) Resolve(ctx context.Context, id, name string) event.HoneypotInfo {
	for _, key := range []string{id, name} {
		if key == "" {
			continue
		}
		fields, err := s.rdb.HGetAll(ctx, honeypotKey(key)).Result()
		if err != nil {
			s.logger.Warn("Honeypot directory lookup failed", zap.String("key", key), zap.Error(err))
			break
		}
		if len(fields) == 0 {
			continue
		}
		port, _ := strconv.Atoi(fields["port"])
		return event.HoneypotInfo{
			ID:       fields["id"],
			Name:     fields["name"],
			Type:     fields["type"],
			Category: fields["category"],
			Status:   fields["status"],
			Port:     port,
		}
	}
	return event.UnknownHoneypot(id, name)
}

// ProbeChangeFeed checks whether the backing store supports streams.
// Absence is a supported, detected condition, not an error to surface.
func (s *Store) ProbeChangeFeed(ctx context.Context) error {
	err := s.rdb.XLen(ctx, feedKey("_probe")).Err()
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if strings.Contains(strings.ToLower(err.Error()), "unknown command") {
		return ErrLiveFeedUnsupported
	}
	return err
}

// ChangeFeed opens a live feed over newly appended events in a
// collection, starting after fromID ("$" for only-new). Entries are
// delivered in stream order. On feed error a final entry carrying Err is
// delivered and the channel closes; the caller decides whether to degrade
// to polling. The channel also closes on context cancellation.
func (s *Store) ChangeFeed(ctx context.Context, collection, fromID string) (<-chan FeedEntry, error) {
	if err := s.ProbeChangeFeed(ctx); err != nil {
		return nil, err
	}
	if fromID == "" {
		fromID = "$"
	}

	out := make(chan FeedEntry)
	go func() {
		defer close(out)
		lastID := fromID
		for {
			streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{feedKey(collection), lastID},
				Block:   s.cfg.ReadBlock,
				Count:   100,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue // block timeout, nothing new
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- FeedEntry{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					entry := FeedEntry{ID: msg.ID}
					if doc, ok := msg.Values["doc"].(string); ok {
						var raw event.RawEvent
						if err := json.Unmarshal([]byte(doc), &raw); err != nil {
							s.logger.Warn("Skipping undecodable feed entry", zap.String("stream_id", msg.ID), zap.Error(err))
							continue
						}
						entry.Raw = raw
					}
					select {
					case out <- entry:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()
	return out, nil
}

// Publish mirrors a fan-out delivery onto Redis pub/sub so external
// dashboard gateways can bridge topics without joining the process.
func (s *Store) Publish(ctx context.Context, topic string, payload []byte) error {
	return s.rdb.Publish(ctx, keyPrefix+":"+topic, payload).Err()
}

// Client exposes the underlying Redis client for components that share
// the pool, such as the API rate limiter.
func (s *Store) Client() *redis.Client {
	return s.rdb
}
