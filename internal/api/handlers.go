// Package api exposes the dashboard-facing HTTP surface: tenant-scoped
// event queries, privileged cross-tenant queries, and the live event
// stream over server-sent events.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/aggregate"
	"github.com/lvonguyen/hivewatch/internal/analytics"
	"github.com/lvonguyen/hivewatch/internal/fanout"
	"github.com/lvonguyen/hivewatch/internal/store"
	"github.com/lvonguyen/hivewatch/internal/upstream"
)

// Config holds API handler configuration.
type Config struct {
	// AdminKeyEnv names the env var holding the privileged dashboard key.
	AdminKeyEnv string `yaml:"admin_key_env"`
	// MaxLimit caps the per-request result size.
	MaxLimit int `yaml:"max_limit"`
	// HeartbeatInterval paces SSE keepalive comments.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		AdminKeyEnv:       "HIVEWATCH_ADMIN_KEY",
		MaxLimit:          1000,
		HeartbeatInterval: 15 * time.Second,
	}
}

// Directory is the upstream surface the handler consults directly:
// tenant identity checks and the privileged partition list.
// *upstream.Client satisfies it.
type Directory interface {
	KnownTenant(tenantID string) bool
	Collections(ctx context.Context) ([]string, error)
}

// Handler serves the query and stream endpoints.
type Handler struct {
	cfg     Config
	svc     *aggregate.Service
	hub     *fanout.Hub
	tenants Directory
	logger  *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg Config, svc *aggregate.Service, hub *fanout.Hub, tenants Directory, logger *zap.Logger) *Handler {
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = DefaultConfig().MaxLimit
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, svc: svc, hub: hub, tenants: tenants, logger: logger}
}

// Routes mounts the handler's endpoints on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/events", h.handleListEvents)
	r.Get("/events/{id}", h.handleGetEvent)
	r.Get("/tenants/{id}/events", h.handleTenantEvents)
	r.Get("/collections", h.handleCollections)
	r.Get("/analytics", h.handleAnalytics)
	r.Get("/stream", h.handleStream)
}

// Caller is the resolved identity of a request.
type Caller struct {
	Admin    bool
	ClientID string
}

// Tier names the rate-limit tier for the caller.
func (c Caller) Tier() string {
	if c.Admin {
		return "admin"
	}
	return "tenant"
}

// ResolveCaller authenticates a request. An x-admin-key matching the
// configured env var grants the privileged tier; otherwise x-client-id
// must name a configured tenant. Requests fail closed when the admin
// key env var is unset.
func (h *Handler) ResolveCaller(r *http.Request) (Caller, error) {
	if key := r.Header.Get("x-admin-key"); key != "" {
		expected := os.Getenv(h.cfg.AdminKeyEnv)
		if expected != "" && subtle.ConstantTimeCompare([]byte(key), []byte(expected)) == 1 {
			return Caller{Admin: true}, nil
		}
		return Caller{}, errors.New("invalid admin key")
	}

	clientID := r.Header.Get("x-client-id")
	if clientID == "" {
		return Caller{}, errors.New("missing credentials")
	}
	if !h.tenants.KnownTenant(clientID) {
		return Caller{}, fmt.Errorf("unknown tenant: %s", clientID)
	}
	return Caller{ClientID: clientID}, nil
}

// handleListEvents serves tenant-scoped and privileged cross-tenant
// event queries.
func (h *Handler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	who, err := h.ResolveCaller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	tenant := r.URL.Query().Get("tenant")
	switch {
	case tenant == "":
		if who.Admin {
			tenant = aggregate.AllTenants
		} else {
			tenant = who.ClientID
		}
	case tenant == aggregate.AllTenants, tenant != who.ClientID:
		if !who.Admin {
			writeError(w, http.StatusForbidden, "tenant access denied")
			return
		}
	}

	filters, err := h.parseFilters(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.ListTenantEvents(r.Context(), tenant, r.URL.Query().Get("type"), filters)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleTenantEvents is the path-scoped form of the event query. The
// same access rules apply: tenants may only name themselves.
func (h *Handler) handleTenantEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	q.Set("tenant", chi.URLParam(r, "id"))
	r.URL.RawQuery = q.Encode()
	h.handleListEvents(w, r)
}

// handleAnalytics serves the summary report over the caller's events
// observed inside the lookback window. Tenants get reports scoped to
// their own data; privileged callers may report across tenants.
func (h *Handler) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	who, err := h.ResolveCaller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	tenant := r.URL.Query().Get("tenant")
	switch {
	case tenant == "":
		if who.Admin {
			tenant = aggregate.AllTenants
		} else {
			tenant = who.ClientID
		}
	case tenant == aggregate.AllTenants, tenant != who.ClientID:
		if !who.Admin {
			writeError(w, http.StatusForbidden, "tenant access denied")
			return
		}
	}

	window := 24 * time.Hour
	if v := r.URL.Query().Get("time_range"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 1 || hours > 24*7 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid time_range: %s", v))
			return
		}
		window = time.Duration(hours) * time.Hour
	}

	now := time.Now().UTC()
	filters := upstream.Filters{Since: now.Add(-window), Limit: h.cfg.MaxLimit}
	result, err := h.svc.ListTenantEvents(r.Context(), tenant, r.URL.Query().Get("type"), filters)
	if err != nil {
		h.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"analytics": analytics.Analyze(result.Events, window, now),
		"meta":      result.Meta,
	})
}

// handleCollections lists the upstream data partitions. The upstream
// exposes this only to the admin key, so tenant callers are rejected
// before the upstream call.
func (h *Handler) handleCollections(w http.ResponseWriter, r *http.Request) {
	who, err := h.ResolveCaller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	if !who.Admin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}

	collections, err := h.tenants.Collections(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, upstream.ErrUpstreamUnavailable):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"collections": []any{},
				"error":       "upstream aggregation API unavailable",
			})
		default:
			h.logger.Error("Collections query failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "collections query failed")
		}
		return
	}
	if collections == nil {
		collections = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"collections": collections})
}

// handleGetEvent serves a single enriched event by id. Non-privileged
// callers only see events belonging to their tenant.
func (h *Handler) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	who, err := h.ResolveCaller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	ev, err := h.svc.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrEventNotFound):
			writeError(w, http.StatusNotFound, "event not found")
		case errors.Is(err, aggregate.ErrEventLookupUnavailable):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("Event lookup failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "event lookup failed")
		}
		return
	}
	if !who.Admin && ev.ClientID != who.ClientID {
		// Do not reveal that the event exists in another tenant.
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleStream attaches the caller to the live event stream over SSE.
// Privileged callers receive the global firehose; tenants receive their
// own topic. Health snapshots ride along on both.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	who, err := h.ResolveCaller(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	topics := []string{fanout.TopicHealth}
	if who.Admin {
		topics = append(topics, fanout.TopicEvents)
	} else {
		topics = append(topics, fanout.TenantTopic(who.ClientID))
	}

	sub := h.hub.Subscribe(topics...)
	defer h.hub.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// A server-wide write timeout would sever long-lived streams.
	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Time{})
	flusher.Flush()

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", sseEventName(msg.Topic), msg.Payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// sseEventName maps hub topics to stable SSE event names so tenant and
// global subscribers see the same event vocabulary.
func sseEventName(topic string) string {
	if topic == fanout.TopicHealth {
		return "health"
	}
	return "deception_event"
}

// parseFilters reads query filters, capping the limit.
func (h *Handler) parseFilters(r *http.Request) (upstream.Filters, error) {
	q := r.URL.Query()
	filters := upstream.Filters{
		Severity: q.Get("severity"),
		SourceIP: q.Get("source_ip"),
	}

	if v := q.Get("start_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, fmt.Errorf("invalid start_time: %v", err)
		}
		filters.Since = t
	}
	if v := q.Get("end_time"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return filters, fmt.Errorf("invalid end_time: %v", err)
		}
		filters.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filters, fmt.Errorf("invalid limit: %s", v)
		}
		filters.Limit = n
	}
	if filters.Limit == 0 || filters.Limit > h.cfg.MaxLimit {
		filters.Limit = h.cfg.MaxLimit
	}
	return filters, nil
}

// writeQueryError maps pipeline errors to HTTP statuses. Upstream
// unavailability is surfaced explicitly with an empty result set rather
// than dressed up as success.
func (h *Handler) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, aggregate.ErrTenantForbidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, upstream.ErrUnknownTenant):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, upstream.ErrUpstreamUnavailable):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"events": []any{},
			"error":  "upstream aggregation API unavailable",
		})
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "upstream query timed out")
	default:
		h.logger.Error("Event query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "event query failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
