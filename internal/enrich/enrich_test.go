package enrich

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lvonguyen/hivewatch/internal/event"
	"github.com/lvonguyen/hivewatch/internal/normalize"
)

func testEngine() *Engine {
	return New(DefaultConfig())
}

// =============================================================================
// Risk Score Tests
// =============================================================================

// TestRiskScore_ExternalCredentialSuccess covers an external SSH attacker
// with a successful credential: 4 (high) + 2 (non-local) + 3 (credential
// success) gives 9 and a Critical threat level.
func TestRiskScore_ExternalCredentialSuccess(t *testing.T) {
	n := normalize.New(nil)
	raw := event.RawEvent{
		"source_ip": "203.0.113.5",
		"protocol":  "ssh",
		"severity":  "high",
		"data": map[string]any{
			"credentials": map[string]any{"username": "root", "password": "root", "success": true},
		},
	}
	ev := testEngine().Enrich(n.Normalize(context.Background(), raw), nil, time.Now())

	if ev.Insights.RiskScore != 9 {
		t.Errorf("risk score = %d, want 9", ev.Insights.RiskScore)
	}
	if ev.ThreatIntel.ThreatLevel != event.SeverityCritical {
		t.Errorf("threat level = %q, want Critical", ev.ThreatIntel.ThreatLevel)
	}
	if ev.ThreatIntel.Category != "Authentication_Breach" {
		t.Errorf("category = %q, want Authentication_Breach", ev.ThreatIntel.Category)
	}
}

// TestRiskScore_InternalMinimalRecord covers a private-network record
// with no severity, protocol or payload: the Medium default contributes
// 3 and nothing else applies.
func TestRiskScore_InternalMinimalRecord(t *testing.T) {
	n := normalize.New(nil)
	ev := testEngine().Enrich(
		n.Normalize(context.Background(), event.RawEvent{"source_ip": "192.168.1.10"}),
		nil, time.Now())

	if ev.Insights.RiskScore != 3 {
		t.Errorf("risk score = %d, want 3", ev.Insights.RiskScore)
	}
	if ev.ThreatIntel.ThreatLevel != event.SeverityLow {
		t.Errorf("threat level = %q, want Low", ev.ThreatIntel.ThreatLevel)
	}
	if ev.Geolocation.Country != "Local Network" {
		t.Errorf("geolocation = %q, want Local Network", ev.Geolocation.Country)
	}
	if got := ev.Insights.AttackPattern; len(got) != 1 || got[0] != "Standard_Attack" {
		t.Errorf("attack patterns = %v, want [Standard_Attack]", got)
	}
}

// TestRiskScore_Cap verifies the additive heuristic never exceeds the cap.
func TestRiskScore_Cap(t *testing.T) {
	commands := make([]event.CommandRecord, 20)
	for i := range commands {
		commands[i] = event.CommandRecord{Command: "rm -rf /"}
	}
	ev := &event.Event{
		Severity: event.SeverityCritical,
		SourceIP: event.IPAddress{Address: "203.0.113.9", Class: event.AddressPublic},
		AttackDetails: event.AttackDetails{
			Commands:    commands,
			Credentials: &event.CredentialAttempt{Success: true},
		},
	}

	if got := testEngine().RiskScore(ev); got != MaxRiskScore {
		t.Errorf("risk score = %d, want capped at %d", got, MaxRiskScore)
	}
}

// TestRiskScore_CommandFactorCap verifies the command factor saturates
// at five even when more commands were captured.
func TestRiskScore_CommandFactorCap(t *testing.T) {
	commands := make([]event.CommandRecord, 7)
	ev := &event.Event{
		Severity:      event.SeverityMinimal,
		SourceIP:      event.IPAddress{Address: "192.168.0.2", Class: event.AddressPrivate},
		AttackDetails: event.AttackDetails{Commands: commands},
	}

	// 1 (minimal) + 5 (command cap)
	if got := testEngine().RiskScore(ev); got != 6 {
		t.Errorf("risk score = %d, want 6", got)
	}
}

// =============================================================================
// Threat Level Tests
// =============================================================================

// TestThreatLevel_Thresholds walks the fixed score thresholds.
func TestThreatLevel_Thresholds(t *testing.T) {
	cases := []struct {
		score int
		want  event.Severity
	}{
		{10, event.SeverityCritical},
		{8, event.SeverityCritical},
		{7, event.SeverityHigh},
		{6, event.SeverityHigh},
		{5, event.SeverityMedium},
		{4, event.SeverityMedium},
		{3, event.SeverityLow},
		{2, event.SeverityLow},
		{1, event.SeverityMinimal},
		{0, event.SeverityMinimal},
	}
	for _, tc := range cases {
		if got := ThreatLevel(tc.score); got != tc.want {
			t.Errorf("ThreatLevel(%d) = %q, want %q", tc.score, got, tc.want)
		}
	}
}

// =============================================================================
// Pattern, Indicator and Behavior Tests
// =============================================================================

// TestEnrich_OTTargeting verifies OT protocol access drives pattern,
// indicator, category, focus and recommended actions together.
func TestEnrich_OTTargeting(t *testing.T) {
	n := normalize.New(nil)
	raw := event.RawEvent{
		"source_ip": "203.0.113.77",
		"protocol":  "modbus",
		"severity":  "critical",
	}
	ev := testEngine().Enrich(n.Normalize(context.Background(), raw), nil, time.Now())

	if !contains(ev.Insights.AttackPattern, "OT_Targeting") {
		t.Errorf("patterns = %v, want OT_Targeting", ev.Insights.AttackPattern)
	}
	if !contains(ev.Insights.ThreatIndicators, "OT_Protocol_Access") {
		t.Errorf("indicators = %v, want OT_Protocol_Access", ev.Insights.ThreatIndicators)
	}
	if ev.ThreatIntel.Category != "OT_Threat" {
		t.Errorf("category = %q, want OT_Threat", ev.ThreatIntel.Category)
	}
	if ev.Insights.Behavior.TargetFocus != "OT_Specific" {
		t.Errorf("target focus = %q, want OT_Specific", ev.Insights.Behavior.TargetFocus)
	}
	if !contains(ev.ThreatIntel.RecommendedActions, "OT_Security_Review") {
		t.Errorf("actions = %v, want OT_Security_Review", ev.ThreatIntel.RecommendedActions)
	}
}

// TestEnrich_SuspiciousCommandsAndPorts verifies the command lexicon and
// critical port scans surface as indicators.
func TestEnrich_SuspiciousCommandsAndPorts(t *testing.T) {
	ev := &event.Event{
		Severity: event.SeverityMedium,
		SourceIP: event.IPAddress{Address: "203.0.113.1", Class: event.AddressPublic},
		AttackDetails: event.AttackDetails{
			Commands: []event.CommandRecord{{Command: "rm -rf /var/log"}, {Command: "ls"}},
			Ports:    &event.PortActivity{Scanned: []int{22, 443, 8080}},
		},
	}
	enriched := testEngine().Enrich(ev, nil, time.Now())

	if !contains(enriched.Insights.ThreatIndicators, "Suspicious_Command:rm -rf /var/log") {
		t.Errorf("indicators = %v, want suspicious rm", enriched.Insights.ThreatIndicators)
	}
	if !contains(enriched.Insights.ThreatIndicators, "Critical_Port_Scan:22,443") {
		t.Errorf("indicators = %v, want Critical_Port_Scan:22,443", enriched.Insights.ThreatIndicators)
	}
}

// TestEnrich_BehaviorAxes verifies the aggressiveness and persistence
// thresholds.
func TestEnrich_BehaviorAxes(t *testing.T) {
	commands := make([]event.CommandRecord, 11)
	ev := &event.Event{
		Severity: event.SeverityLow,
		AttackDetails: event.AttackDetails{
			Commands: commands,
			Session:  &event.SessionData{DurationSeconds: 301},
		},
	}
	b := testEngine().Enrich(ev, nil, time.Now()).Insights.Behavior

	if b.Aggressiveness != "High" {
		t.Errorf("aggressiveness = %q, want High", b.Aggressiveness)
	}
	if b.Persistence != "Medium" {
		t.Errorf("persistence = %q, want Medium", b.Persistence)
	}
}

// =============================================================================
// Correlation Tests
// =============================================================================

// TestEnrich_Correlations verifies repeated same-source and same-target
// history inside the window produces correlation hints, and stale
// history does not.
func TestEnrich_Correlations(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	recent := now.Add(-time.Hour)
	stale := now.Add(-48 * time.Hour)

	ev := &event.Event{
		SourceIP: event.IPAddress{Address: "203.0.113.5", Class: event.AddressPublic},
		Honeypot: event.HoneypotInfo{ID: "hp-1", Name: "cowrie-east"},
		Severity: event.SeverityMedium,
	}
	history := []event.Event{
		{Timestamp: &recent, SourceIP: ev.SourceIP, Honeypot: ev.Honeypot},
		{Timestamp: &recent, SourceIP: ev.SourceIP, Honeypot: event.HoneypotInfo{ID: "hp-2"}},
		{Timestamp: &stale, SourceIP: ev.SourceIP, Honeypot: ev.Honeypot},
	}

	got := testEngine().Enrich(ev, history, now).Insights.Correlations

	var ipCorr, hpCorr *event.Correlation
	for i := range got {
		switch got[i].Type {
		case "IP_Repetition":
			ipCorr = &got[i]
		case "Honeypot_Targeting":
			hpCorr = &got[i]
		}
	}
	if ipCorr == nil || ipCorr.Count != 2 {
		t.Errorf("IP_Repetition = %+v, want count 2", ipCorr)
	}
	if hpCorr != nil {
		t.Errorf("Honeypot_Targeting = %+v, want absent (single recent hit)", hpCorr)
	}
	if ipCorr != nil && ipCorr.TimeSpan != "24h" {
		t.Errorf("time span = %q, want 24h", ipCorr.TimeSpan)
	}
}

// =============================================================================
// Determinism Tests
// =============================================================================

// TestEnrich_Deterministic verifies identical inputs produce identical
// output, and the input event is not mutated.
func TestEnrich_Deterministic(t *testing.T) {
	n := normalize.New(nil)
	raw := event.RawEvent{
		"source_ip": "203.0.113.5",
		"protocol":  "ssh",
		"severity":  "high",
		"data": map[string]any{
			"commands":    []any{"id", "cat /etc/passwd"},
			"credentials": map[string]any{"username": "admin", "success": true},
		},
	}
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	base := n.Normalize(context.Background(), raw)

	first := testEngine().Enrich(base, nil, now)
	second := testEngine().Enrich(base, nil, now)

	a, _ := json.Marshal(first)
	b, _ := json.Marshal(second)
	if string(a) != string(b) {
		t.Error("identical inputs produced different enrichment")
	}
	if base.Insights != nil || base.ThreatIntel != nil {
		t.Error("enrichment must not mutate its input")
	}
}

// TestEnrich_ConfidenceBounds verifies confidence stays within [0.5, 1.0].
func TestEnrich_ConfidenceBounds(t *testing.T) {
	empty := testEngine().Enrich(&event.Event{}, nil, time.Now())
	if empty.ThreatIntel.Confidence != baseConfidence {
		t.Errorf("empty event confidence = %v, want %v", empty.ThreatIntel.Confidence, baseConfidence)
	}

	full := testEngine().Enrich(&event.Event{
		SourceIP: event.IPAddress{Address: "203.0.113.5", Class: event.AddressPublic},
		AttackDetails: event.AttackDetails{
			Commands:    []event.CommandRecord{{Command: "ls"}},
			Credentials: &event.CredentialAttempt{Success: false},
		},
	}, nil, time.Now())
	if c := full.ThreatIntel.Confidence; c < 0.99 || c > 1.0 {
		t.Errorf("full event confidence = %v, want ~1.0", c)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
