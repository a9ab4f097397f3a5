package ingest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/lvonguyen/hivewatch/internal/event"
)

// memorySink collects appended events.
type memorySink struct {
	mu     sync.Mutex
	events []event.RawEvent
	err    error
}

func (m *memorySink) Append(_ context.Context, _ string, raw event.RawEvent) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.events = append(m.events, raw)
	return raw.Str("id"), nil
}

func testReceiver(sink Sink) *Receiver {
	cfg := DefaultConfig()
	cfg.Sensors = []SensorCredential{
		{ClientID: "tenant-a", TokenEnv: "TEST_HW_SENSOR_A_TOKEN"},
		{ClientID: "tenant-b", TokenEnv: "TEST_HW_SENSOR_B_TOKEN"},
	}
	return NewReceiver(cfg, sink, zap.NewNop())
}

func submit(r *Receiver, token, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/sensor/events", strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.handleSubmit(w, req)
	return w
}

// =============================================================================
// Authentication Tests
// =============================================================================

// TestSubmit_FailsClosedWithoutTokens verifies submissions are rejected
// when no sensor env vars are set: an unset token never matches.
func TestSubmit_FailsClosedWithoutTokens(t *testing.T) {
	os.Unsetenv("TEST_HW_SENSOR_A_TOKEN")
	os.Unsetenv("TEST_HW_SENSOR_B_TOKEN")
	r := testReceiver(&memorySink{})

	if w := submit(r, "anything", `{"source_ip":"1.2.3.4"}`); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when no tokens are configured", w.Code)
	}
	if w := submit(r, "", `{"source_ip":"1.2.3.4"}`); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 without Authorization header", w.Code)
	}
	if r.Stats().AuthFailures != 2 {
		t.Errorf("auth failures = %d, want 2", r.Stats().AuthFailures)
	}
}

// TestSubmit_WrongToken verifies a mismatched token is rejected.
func TestSubmit_WrongToken(t *testing.T) {
	os.Setenv("TEST_HW_SENSOR_A_TOKEN", "secret-a")
	defer os.Unsetenv("TEST_HW_SENSOR_A_TOKEN")
	r := testReceiver(&memorySink{})

	if w := submit(r, "wrong", `{"source_ip":"1.2.3.4"}`); w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for wrong token", w.Code)
	}
}

// =============================================================================
// Submission Tests
// =============================================================================

// TestSubmit_StampsAndStores verifies accepted events get an id, a
// timestamp, and the authenticated sensor's client id regardless of what
// the payload claims.
func TestSubmit_StampsAndStores(t *testing.T) {
	os.Setenv("TEST_HW_SENSOR_A_TOKEN", "secret-a")
	defer os.Unsetenv("TEST_HW_SENSOR_A_TOKEN")

	sink := &memorySink{}
	r := testReceiver(sink)

	w := submit(r, "secret-a", `{"source_ip":"203.0.113.5","client_id":"tenant-b","clientId":"tenant-b"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	if len(sink.events) != 1 {
		t.Fatalf("stored = %d, want 1", len(sink.events))
	}
	stored := sink.events[0]
	if stored.Str("id") == "" {
		t.Error("stored event should be assigned an id")
	}
	if stored.Timestamp("timestamp") == nil {
		t.Error("stored event should be assigned a timestamp")
	}
	if got := stored.Str("client_id"); got != "tenant-a" {
		t.Errorf("client_id = %q, want forced tenant-a", got)
	}
	if _, lurks := stored["clientId"]; lurks {
		t.Error("camel-case clientId should be stripped")
	}
	if r.Stats().EventsReceived != 1 {
		t.Errorf("events received = %d, want 1", r.Stats().EventsReceived)
	}
}

// TestSubmit_BatchFormats verifies JSON arrays and newline-delimited
// objects are both accepted.
func TestSubmit_BatchFormats(t *testing.T) {
	os.Setenv("TEST_HW_SENSOR_A_TOKEN", "secret-a")
	defer os.Unsetenv("TEST_HW_SENSOR_A_TOKEN")

	sink := &memorySink{}
	r := testReceiver(sink)

	if w := submit(r, "secret-a", `[{"id":"1"},{"id":"2"}]`); w.Code != http.StatusOK {
		t.Fatalf("array batch status = %d", w.Code)
	}
	if w := submit(r, "secret-a", "{\"id\":\"3\"}\n{\"id\":\"4\"}\n"); w.Code != http.StatusOK {
		t.Fatalf("ndjson batch status = %d", w.Code)
	}
	if len(sink.events) != 4 {
		t.Errorf("stored = %d, want 4", len(sink.events))
	}
}

// TestSubmit_RejectsOversizedAndMalformed verifies body and batch caps
// and parse failures map to client errors.
func TestSubmit_RejectsOversizedAndMalformed(t *testing.T) {
	os.Setenv("TEST_HW_SENSOR_A_TOKEN", "secret-a")
	defer os.Unsetenv("TEST_HW_SENSOR_A_TOKEN")

	sink := &memorySink{}
	cfg := DefaultConfig()
	cfg.MaxBodySize = 64
	cfg.MaxBatchSize = 1
	cfg.Sensors = []SensorCredential{{ClientID: "tenant-a", TokenEnv: "TEST_HW_SENSOR_A_TOKEN"}}
	r := NewReceiver(cfg, sink, zap.NewNop())

	big := `{"note":"` + strings.Repeat("x", 100) + `"}`
	if w := submit(r, "secret-a", big); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized body status = %d, want 413", w.Code)
	}
	if w := submit(r, "secret-a", `[{"id":"1"},{"id":"2"}]`); w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized batch status = %d, want 413", w.Code)
	}
	if w := submit(r, "secret-a", `not json`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}
	if len(sink.events) != 0 {
		t.Errorf("stored = %d, want 0", len(sink.events))
	}
}

// TestSubmit_StoreFailure verifies a sink failure on every event maps to
// a server error and counts drops.
func TestSubmit_StoreFailure(t *testing.T) {
	os.Setenv("TEST_HW_SENSOR_A_TOKEN", "secret-a")
	defer os.Unsetenv("TEST_HW_SENSOR_A_TOKEN")

	sink := &memorySink{err: errors.New("redis down")}
	r := testReceiver(sink)

	if w := submit(r, "secret-a", `{"id":"1"}`); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500 when nothing was stored", w.Code)
	}
	if r.Stats().EventsDropped != 1 {
		t.Errorf("dropped = %d, want 1", r.Stats().EventsDropped)
	}
}
