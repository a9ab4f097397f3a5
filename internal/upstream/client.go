// Package upstream provides the HTTP client for the tenant aggregation
// API. The upstream exposes per-tenant data endpoints authenticated with
// tenant API keys and privileged dashboard endpoints authenticated with
// an admin key. Keys are referenced by environment variable name and
// resolved at call time, never stored in configuration.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/observability"
)

// ErrUpstreamUnavailable wraps network and server-side failures talking to
// the aggregation boundary.
var ErrUpstreamUnavailable = errors.New("upstream aggregation API unavailable")

// ErrUnknownTenant is returned when no API key is configured for a tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// TenantConfig binds a tenant identifier to the env var holding its key.
type TenantConfig struct {
	ID        string `yaml:"id"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// Config holds upstream client configuration.
type Config struct {
	BaseURL     string         `yaml:"base_url"`
	AdminKeyEnv string         `yaml:"admin_key_env"`
	Timeout     time.Duration  `yaml:"timeout"`
	RetryCount  int            `yaml:"retry_count"`
	Tenants     []TenantConfig `yaml:"tenants"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "http://localhost:8080",
		AdminKeyEnv: "HIVEWATCH_UPSTREAM_ADMIN_KEY",
		Timeout:     30 * time.Second,
		RetryCount:  3,
	}
}

// Filters narrows a tenant data fetch. Zero values are omitted from the
// query string.
type Filters struct {
	Since    time.Time
	Until    time.Time
	Severity string
	SourceIP string
	Limit    int
}

// query encodes the filters as upstream query parameters.
func (f Filters) query() url.Values {
	params := url.Values{}
	if !f.Since.IsZero() {
		params.Set("start_time", f.Since.UTC().Format(time.RFC3339))
	}
	if !f.Until.IsZero() {
		params.Set("end_time", f.Until.UTC().Format(time.RFC3339))
	}
	if f.Severity != "" {
		params.Set("severity", f.Severity)
	}
	if f.SourceIP != "" {
		params.Set("source_ip", f.SourceIP)
	}
	if f.Limit > 0 {
		params.Set("limit", strconv.Itoa(f.Limit))
	}
	return params
}

// DataResponse is the upstream per-tenant data payload.
type DataResponse struct {
	Data  []event.RawEvent `json:"data"`
	Total int              `json:"total"`
}

// StatusResponse is the upstream per-tenant status payload.
type StatusResponse struct {
	Status       string `json:"status"`
	TotalRecords int    `json:"total_records"`
}

// CollectionsResponse lists the upstream data partitions.
type CollectionsResponse struct {
	Collections []string `json:"collections"`
}

// Client talks to the upstream aggregation API. Safe for concurrent use;
// the underlying http.Client pools connections for the process lifetime.
type Client struct {
	cfg        Config
	httpClient *http.Client
	tenantKeys map[string]string // tenant id -> env var name
	metrics    *observability.Metrics
}

// NewClient creates an upstream client from configuration.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	keys := make(map[string]string, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		keys[t.ID] = t.APIKeyEnv
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		tenantKeys: keys,
	}
}

// SetMetrics attaches request metrics.
func (c *Client) SetMetrics(m *observability.Metrics) { c.metrics = m }

// Tenants returns the configured tenant identifiers in config order.
func (c *Client) Tenants() []string {
	ids := make([]string, 0, len(c.cfg.Tenants))
	for _, t := range c.cfg.Tenants {
		ids = append(ids, t.ID)
	}
	return ids
}

// KnownTenant reports whether a tenant has a configured key.
func (c *Client) KnownTenant(tenantID string) bool {
	_, ok := c.tenantKeys[tenantID]
	return ok
}

// TenantData fetches raw events for one tenant and data type.
func (c *Client) TenantData(ctx context.Context, tenantID, dataType string, filters Filters) ([]event.RawEvent, error) {
	path := "/api/client/data/" + url.PathEscape(dataType)
	if q := filters.query().Encode(); q != "" {
		path += "?" + q
	}

	var resp DataResponse
	if err := c.getTenant(ctx, tenantID, path, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// TenantStatus fetches the upstream status for one tenant.
func (c *Client) TenantStatus(ctx context.Context, tenantID string) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.getTenant(ctx, tenantID, "/api/client/status", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Collections lists the upstream data partitions (privileged).
func (c *Client) Collections(ctx context.Context) ([]string, error) {
	var resp CollectionsResponse
	if err := c.getAdmin(ctx, "/api/dashboard/collections", &resp); err != nil {
		return nil, err
	}
	return resp.Collections, nil
}

// Overview fetches the privileged system overview document.
func (c *Client) Overview(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	if err := c.getAdmin(ctx, "/api/dashboard/overview", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck verifies connectivity to the upstream API.
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := c.newRequest(ctx, "/health")
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned status %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) getTenant(ctx context.Context, tenantID, path string, out any) error {
	keyEnv, ok := c.tenantKeys[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return fmt.Errorf("tenant %s API key not found in env var: %s", tenantID, keyEnv)
	}

	return c.get(ctx, path, out, map[string]string{
		"x-api-key":   apiKey,
		"x-client-id": tenantID,
	})
}

func (c *Client) getAdmin(ctx context.Context, path string, out any) error {
	adminKey := os.Getenv(c.cfg.AdminKeyEnv)
	if adminKey == "" {
		return fmt.Errorf("admin API key not found in env var: %s", c.cfg.AdminKeyEnv)
	}
	return c.get(ctx, path, out, map[string]string{"x-admin-key": adminKey})
}

// get performs an authenticated GET with bounded retries. Only network
// errors and 5xx responses are retried; GETs are idempotent upstream.
func (c *Client) get(ctx context.Context, path string, out any, headers map[string]string) error {
	attempts := c.cfg.RetryCount + 1
	if attempts < 1 {
		attempts = 1
	}
	endpoint, _, _ := strings.Cut(path, "?")

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}

		req, err := c.newRequest(ctx, path)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		started := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.observe(endpoint, "error", started)
			lastErr = fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
			continue
		}
		c.observe(endpoint, strconv.Itoa(resp.StatusCode), started)

		if resp.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			lastErr = fmt.Errorf("%w: status %d: %s", ErrUpstreamUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body.Close()
			return fmt.Errorf("upstream returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decoding upstream response: %w", err)
		}
		return nil
	}

	return lastErr
}

// observe records one upstream request attempt.
func (c *Client) observe(endpoint, status string, started time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamRequests.WithLabelValues(endpoint, status).Inc()
	c.metrics.UpstreamDuration.WithLabelValues(endpoint).Observe(time.Since(started).Seconds())
}

func (c *Client) newRequest(ctx context.Context, path string) (*http.Request, error) {
	fullURL := strings.TrimSuffix(c.cfg.BaseURL, "/") + path

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "HiveWatch/1.0")
	return req, nil
}
