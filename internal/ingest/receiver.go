// Package ingest accepts event submissions from deployed honeypot
// sensors over HTTP and appends them to the event store.
package ingest

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/observability"
)

// Sink is where accepted events go. *store.Store satisfies it.
type Sink interface {
	Append(ctx context.Context, collection string, raw event.RawEvent) (string, error)
}

// SensorCredential maps a sensor's client id to the env var holding its
// submission token.
type SensorCredential struct {
	ClientID string `yaml:"client_id"`
	TokenEnv string `yaml:"token_env"`
}

// Config holds receiver configuration.
type Config struct {
	Port         int                `yaml:"port"`
	Collection   string             `yaml:"collection"`
	Sensors      []SensorCredential `yaml:"sensors"`
	TLSCertFile  string             `yaml:"tls_cert_file"`
	TLSKeyFile   string             `yaml:"tls_key_file"`
	MaxBatchSize int                `yaml:"max_batch_size"`
	MaxBodySize  int                `yaml:"max_body_size"`
	ReadTimeout  time.Duration      `yaml:"read_timeout"`
	WriteTimeout time.Duration      `yaml:"write_timeout"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Port:         8090,
		Collection:   "deception_event",
		MaxBatchSize: 500,
		MaxBodySize:  1024 * 1024, // 1MB
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// Stats tracks receiver counters.
type Stats struct {
	EventsReceived int64
	EventsDropped  int64
	BytesReceived  int64
	AuthFailures   int64
	LastEventAt    time.Time
}

// Receiver accepts sensor event submissions.
type Receiver struct {
	config  Config
	sink    Sink
	logger  *zap.Logger
	metrics *observability.Metrics
	server  *http.Server
	mu      sync.RWMutex
	stats   Stats
}

// NewReceiver creates a sensor submission receiver.
func NewReceiver(config Config, sink Sink, logger *zap.Logger) *Receiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		config: config,
		sink:   sink,
		logger: logger,
	}
}

// SetMetrics attaches ingest metrics.
func (r *Receiver) SetMetrics(m *observability.Metrics) { r.metrics = m }

// Start begins listening for sensor submissions. It blocks until ctx is
// canceled or the listener fails.
func (r *Receiver) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/sensor/events", r.handleSubmit)
	mux.HandleFunc("/sensor/events/batch", r.handleSubmit)
	mux.HandleFunc("/sensor/health", r.handleHealth)

	r.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", r.config.Port),
		Handler:      mux,
		ReadTimeout:  r.config.ReadTimeout,
		WriteTimeout: r.config.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		r.server.Shutdown(shutdownCtx)
	}()

	if r.config.TLSCertFile != "" && r.config.TLSKeyFile != "" {
		return r.server.ListenAndServeTLS(r.config.TLSCertFile, r.config.TLSKeyFile)
	}
	return r.server.ListenAndServe()
}

// Stats returns current receiver counters.
func (r *Receiver) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.stats
}

// handleSubmit accepts a single JSON event or a JSON array of events.
func (r *Receiver) handleSubmit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	clientID, ok := r.authenticate(req)
	if !ok {
		r.mu.Lock()
		r.stats.AuthFailures++
		r.mu.Unlock()
		http.Error(w, `{"error":"invalid token"}`, http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(req.Body, int64(r.config.MaxBodySize)+1))
	if err != nil {
		http.Error(w, `{"error":"error reading body"}`, http.StatusBadRequest)
		return
	}
	if len(body) > r.config.MaxBodySize {
		http.Error(w, `{"error":"body too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	raws, err := parseBody(body)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}
	if len(raws) > r.config.MaxBatchSize {
		http.Error(w, `{"error":"batch too large"}`, http.StatusRequestEntityTooLarge)
		return
	}

	now := time.Now().UTC()
	ids := make([]string, 0, len(raws))
	dropped := 0
	for _, raw := range raws {
		stamp(raw, clientID, now)
		id, err := r.sink.Append(req.Context(), r.config.Collection, raw)
		if err != nil {
			dropped++
			r.logger.Warn("Failed to store submitted event",
				zap.String("client_id", clientID), zap.Error(err))
			continue
		}
		ids = append(ids, id)
	}

	r.mu.Lock()
	r.stats.EventsReceived += int64(len(ids))
	r.stats.EventsDropped += int64(dropped)
	r.stats.BytesReceived += int64(len(body))
	r.stats.LastEventAt = now
	r.mu.Unlock()
	if r.metrics != nil && len(ids) > 0 {
		r.metrics.EventsIngested.WithLabelValues(clientID).Add(float64(len(ids)))
	}

	if len(ids) == 0 && dropped > 0 {
		http.Error(w, `{"error":"error storing events"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"accepted": len(ids),
		"dropped":  dropped,
		"ids":      ids,
	})
}

// handleHealth handles sensor-side health probes.
func (r *Receiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy"}`))
}

// authenticate resolves the bearer token to a sensor's client id. A
// sensor whose env var is unset cannot authenticate; submissions fail
// closed.
func (r *Receiver) authenticate(req *http.Request) (string, bool) {
	auth := req.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		return "", false
	}

	for _, sensor := range r.config.Sensors {
		expected := os.Getenv(sensor.TokenEnv)
		if expected == "" {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1 {
			return sensor.ClientID, true
		}
	}
	return "", false
}

// stamp fills in an id and timestamps, and forces the client id to the
// authenticated sensor's so a sensor cannot write into another tenant.
func stamp(raw event.RawEvent, clientID string, now time.Time) {
	if raw.Str("id", "_id", "event_id") == "" {
		raw["id"] = uuid.NewString()
	}
	if raw.Timestamp("timestamp") == nil {
		raw["timestamp"] = now.Format(time.RFC3339Nano)
	}
	raw["received_at"] = now.Format(time.RFC3339Nano)
	raw["client_id"] = clientID
	delete(raw, "clientId")
}

// parseBody accepts a single JSON object, a JSON array, or
// newline-delimited JSON objects.
func parseBody(body []byte) ([]event.RawEvent, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty body")
	}

	if trimmed[0] == '[' {
		var raws []event.RawEvent
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, fmt.Errorf("failed to parse event batch: %w", err)
		}
		if len(raws) == 0 {
			return nil, fmt.Errorf("no valid events found")
		}
		return raws, nil
	}

	var raws []event.RawEvent
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	for decoder.More() {
		var raw event.RawEvent
		if err := decoder.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		raws = append(raws, raw)
	}
	if len(raws) == 0 {
		return nil, fmt.Errorf("no valid events found")
	}
	return raws, nil
}
