// Package aggregate fetches raw events from the upstream aggregation
// boundary scoped to a tenant, enforces tenant ownership on every record,
// and exposes the query-style API that returns canonical enriched events.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/enrich"
	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/normalize"
	"github.com/lvonguyen/hivewatch/internal/observability"
	"github.com/lvonguyen/hivewatch/internal/upstream"
)

// AllTenants is the privileged tenant selector.
const AllTenants = "*"

// DefaultDataType is fetched when the caller does not name one.
const DefaultDataType = "deception_event"

// ErrTenantForbidden is returned when a caller asks for a tenant that is
// not configured.
var ErrTenantForbidden = errors.New("tenant not configured")

// Fetcher is the upstream surface the adapter consumes. *upstream.Client
// satisfies it.
type Fetcher interface {
	Tenants() []string
	KnownTenant(tenantID string) bool
	TenantData(ctx context.Context, tenantID, dataType string, filters upstream.Filters) ([]event.RawEvent, error)
}

// Meta reports how a multi-tenant aggregation went. Per-tenant failures
// are downgraded to skip-and-continue; the aggregate call itself never
// fails solely because one tenant's upstream call failed.
type Meta struct {
	TenantsQueried int      `json:"tenants_queried"`
	SkippedTenants []string `json:"skipped_tenants,omitempty"`
}

// Aggregator fetches raw events scoped to tenants. Every returned record
// is tagged with the tenant it was fetched under, overriding any
// conflicting value the upstream may have embedded: downstream isolation
// rests on the adapter, not on trusting upstream data.
type Aggregator struct {
	fetcher Fetcher
	logger  *zap.Logger
}

// NewAggregator creates a tenant aggregation adapter.
func NewAggregator(fetcher Fetcher, logger *zap.Logger) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Aggregator{fetcher: fetcher, logger: logger}
}

// FetchTenantEvents fetches one tenant's raw events. Upstream failures
// propagate typed to the caller.
func (a *Aggregator) FetchTenantEvents(ctx context.Context, tenantID, dataType string, filters upstream.Filters) ([]event.RawEvent, error) {
	if !a.fetcher.KnownTenant(tenantID) {
		return nil, fmt.Errorf("%w: %s", ErrTenantForbidden, tenantID)
	}
	if dataType == "" {
		dataType = DefaultDataType
	}

	raws, err := a.fetcher.TenantData(ctx, tenantID, dataType, filters)
	if err != nil {
		return nil, fmt.Errorf("fetching %s events for tenant %s: %w", dataType, tenantID, err)
	}
	return tagTenant(raws, tenantID), nil
}

// FetchAllTenantsEvents iterates the configured tenant set and
// concatenates results (privileged callers only). Individual tenant
// failures are skipped and logged; the returned Meta reports how many
// sources were skipped.
func (a *Aggregator) FetchAllTenantsEvents(ctx context.Context, dataTypes []string, filters upstream.Filters) ([]event.RawEvent, Meta, error) {
	if len(dataTypes) == 0 {
		dataTypes = []string{DefaultDataType}
	}

	tenants := a.fetcher.Tenants()
	meta := Meta{TenantsQueried: len(tenants)}

	var all []event.RawEvent
	for _, tenantID := range tenants {
		if err := ctx.Err(); err != nil {
			return all, meta, err
		}

		var tenantEvents []event.RawEvent
		failed := false
		for _, dataType := range dataTypes {
			raws, err := a.fetcher.TenantData(ctx, tenantID, dataType, filters)
			if err != nil {
				a.logger.Warn("Skipping tenant in aggregate fetch",
					zap.String("tenant", tenantID),
					zap.String("data_type", dataType),
					zap.Error(err))
				failed = true
				break
			}
			tenantEvents = append(tenantEvents, raws...)
		}
		if failed {
			meta.SkippedTenants = append(meta.SkippedTenants, tenantID)
			continue
		}
		all = append(all, tagTenant(tenantEvents, tenantID)...)
	}

	return all, meta, nil
}

// tagTenant stamps every record with the tenant it was fetched under.
func tagTenant(raws []event.RawEvent, tenantID string) []event.RawEvent {
	tagged := make([]event.RawEvent, 0, len(raws))
	for _, raw := range raws {
		clone := raw.Clone()
		clone["client_id"] = tenantID
		delete(clone, "clientId")
		tagged = append(tagged, clone)
	}
	return tagged
}

// HistorySource supplies the bounded recent-history lookup used for
// correlation hints. *store.Store satisfies it.
type HistorySource interface {
	Get(ctx context.Context, id string) (event.RawEvent, error)
	RecentBySourceIP(ctx context.Context, ip string, since time.Time, limit int) ([]event.RawEvent, error)
	RecentByHoneypot(ctx context.Context, name string, since time.Time, limit int) ([]event.RawEvent, error)
}

// historyLimit bounds the correlation lookups per event.
const historyLimit = 200

// ListResult is a query-path response: canonical enriched events plus
// aggregation metadata.
type ListResult struct {
	Events []*event.Event `json:"events"`
	Meta   Meta           `json:"meta"`
}

// Service is the query-style API over the adapter: raw upstream records
// in, canonical enriched events out.
type Service struct {
	agg     *Aggregator
	norm    *normalize.Normalizer
	engine  *enrich.Engine
	history HistorySource
	window  time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService wires the adapter to the normalization and enrichment
// pipeline. history may be nil, in which case correlation hints are
// simply absent.
func NewService(agg *Aggregator, norm *normalize.Normalizer, engine *enrich.Engine, history HistorySource, window time.Duration, logger *zap.Logger) *Service {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		agg:     agg,
		norm:    norm,
		engine:  engine,
		history: history,
		window:  window,
		logger:  logger,
		now:     time.Now,
	}
}

// SetMetrics attaches pipeline metrics. A nil receiver argument leaves
// the service uninstrumented.
func (s *Service) SetMetrics(m *observability.Metrics) { s.metrics = m }

// ListTenantEvents returns canonical enriched events for one tenant, or
// for every configured tenant when tenantID is "*" (privileged callers
// only; role checks happen at the gateway). Single-tenant upstream
// failures propagate typed; the HTTP layer maps them to an explicit
// failure status with an empty-result payload.
func (s *Service) ListTenantEvents(ctx context.Context, tenantID, dataType string, filters upstream.Filters) (*ListResult, error) {
	var (
		raws []event.RawEvent
		meta Meta
		err  error
	)

	if tenantID == AllTenants {
		var dataTypes []string
		if dataType != "" {
			dataTypes = []string{dataType}
		}
		raws, meta, err = s.agg.FetchAllTenantsEvents(ctx, dataTypes, filters)
	} else {
		meta.TenantsQueried = 1
		raws, err = s.agg.FetchTenantEvents(ctx, tenantID, dataType, filters)
	}
	if err != nil {
		return nil, err
	}
	if s.metrics != nil {
		for _, skipped := range meta.SkippedTenants {
			s.metrics.TenantsSkipped.WithLabelValues(skipped).Inc()
		}
	}

	result := &ListResult{Events: make([]*event.Event, 0, len(raws)), Meta: meta}
	now := s.now().UTC()
	for _, raw := range raws {
		result.Events = append(result.Events, s.Process(ctx, raw, now))
	}
	return result, nil
}

// GetEvent fetches one stored raw event and returns its canonical
// enriched form.
func (s *Service) GetEvent(ctx context.Context, id string) (*event.Event, error) {
	if s.history == nil {
		return nil, ErrEventLookupUnavailable
	}
	raw, err := s.history.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.Process(ctx, raw, s.now().UTC()), nil
}

// ErrEventLookupUnavailable is returned when no event store is wired.
var ErrEventLookupUnavailable = errors.New("event lookup unavailable: no store configured")

// Process runs one raw record through normalization and enrichment with
// the bounded recent-history snapshot looked up from the store.
func (s *Service) Process(ctx context.Context, raw event.RawEvent, now time.Time) *event.Event {
	ev := s.norm.Normalize(ctx, raw)
	enriched := s.engine.Enrich(ev, s.recentHistory(ctx, ev, now), now)
	if s.metrics != nil {
		s.metrics.EventsNormalized.WithLabelValues(ev.EventType, ev.Protocol.Normalized).Inc()
		if enriched.ThreatIntel != nil {
			s.metrics.EventsEnriched.WithLabelValues(string(enriched.ThreatIntel.ThreatLevel)).Inc()
		}
	}
	return enriched
}

// recentHistory collects the same-source and same-honeypot events inside
// the lookback window. Lookup failures degrade to an empty history; the
// pipeline never fails for a missing dependency.
func (s *Service) recentHistory(ctx context.Context, ev *event.Event, now time.Time) []event.Event {
	if s.history == nil {
		return nil
	}
	since := now.Add(-s.window)

	var history []event.Event
	appendRaws := func(raws []event.RawEvent, err error, kind string) {
		if err != nil {
			s.logger.Warn("Recent-history lookup failed", zap.String("kind", kind), zap.Error(err))
			return
		}
		for _, raw := range raws {
			history = append(history, *s.norm.Normalize(ctx, raw))
		}
	}

	if ip := ev.SourceIP.Address; ip != "" {
		raws, err := s.history.RecentBySourceIP(ctx, ip, since, historyLimit)
		appendRaws(raws, err, "source_ip")
	}
	if name := ev.Honeypot.Name; name != "" && name != "Unknown" {
		raws, err := s.history.RecentByHoneypot(ctx, name, since, historyLimit)
		appendRaws(raws, err, "honeypot")
	}
	return history
}
