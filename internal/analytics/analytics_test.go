package analytics

import (
	"testing"
	"time"

	"github.com/lvonguyen/hivewatch/internal/event"
)

func at(t time.Time) *time.Time { return &t }

func sampleEvents(now time.Time) []*event.Event {
	return []*event.Event{
		{
			ID:        "ev-1",
			Timestamp: at(now.Add(-30 * time.Minute)),
			SourceIP:  event.IPAddress{Address: "203.0.113.9"},
			Severity:  event.SeverityHigh,
			Protocol:  event.Protocol{Normalized: "SSH"},
			EventType: "login_attempt",
			Honeypot:  event.HoneypotInfo{Name: "SSH Trap"},
			Insights: &event.Insights{
				ThreatIndicators: []string{"Successful_Authentication", "Critical_Port_Scan:22,443"},
			},
			ThreatIntel: &event.ThreatIntelligence{ThreatLevel: event.SeverityCritical, Category: "Authentication_Breach"},
		},
		{
			ID:          "ev-2",
			Timestamp:   at(now.Add(-90 * time.Minute)),
			SourceIP:    event.IPAddress{Address: "203.0.113.9"},
			Severity:    event.SeverityMedium,
			Protocol:    event.Protocol{Normalized: "SSH"},
			EventType:   "command_execution",
			Honeypot:    event.HoneypotInfo{Name: "SSH Trap"},
			ThreatIntel: &event.ThreatIntelligence{ThreatLevel: event.SeverityHigh, Category: "Command_Execution"},
		},
		{
			ID:        "ev-3",
			Timestamp: at(now.Add(-45 * time.Minute)),
			SourceIP:  event.IPAddress{Address: "198.51.100.7"},
			Severity:  event.SeverityLow,
			Protocol:  event.Protocol{Normalized: "HTTP"},
			EventType: "scan",
			Honeypot:  event.HoneypotInfo{Name: "Unknown"},
		},
	}
}

// TestAnalyze_Overview verifies totals, unique attacker and honeypot
// counts, and the per-axis distributions.
func TestAnalyze_Overview(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	report := Analyze(sampleEvents(now), 24*time.Hour, now)
	o := report.Overview

	if o.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", o.TotalEvents)
	}
	if o.TimeRange != "24h" {
		t.Errorf("TimeRange = %q, want 24h", o.TimeRange)
	}
	if o.UniqueAttackers != 2 {
		t.Errorf("UniqueAttackers = %d, want 2", o.UniqueAttackers)
	}
	// The unresolved sentinel honeypot is not counted as active.
	if o.ActiveHoneypots != 1 {
		t.Errorf("ActiveHoneypots = %d, want 1", o.ActiveHoneypots)
	}
	if o.ProtocolDistribution["SSH"] != 2 || o.ProtocolDistribution["HTTP"] != 1 {
		t.Errorf("ProtocolDistribution = %v", o.ProtocolDistribution)
	}
	if o.SeverityDistribution["High"] != 1 || o.SeverityDistribution["Medium"] != 1 || o.SeverityDistribution["Low"] != 1 {
		t.Errorf("SeverityDistribution = %v", o.SeverityDistribution)
	}
	// Threat distribution prefers the enriched threat level, falling
	// back to severity for unenriched events.
	if o.ThreatDistribution["Critical"] != 1 || o.ThreatDistribution["High"] != 1 || o.ThreatDistribution["Low"] != 1 {
		t.Errorf("ThreatDistribution = %v", o.ThreatDistribution)
	}
	if o.AttackTypeDistribution["login_attempt"] != 1 {
		t.Errorf("AttackTypeDistribution = %v", o.AttackTypeDistribution)
	}
}

// TestAnalyze_EventRate verifies the per-hour and per-minute rates are
// rounded to two decimals.
func TestAnalyze_EventRate(t *testing.T) {
	now := time.Now().UTC()
	events := make([]*event.Event, 50)
	for i := range events {
		events[i] = &event.Event{ID: "x"}
	}

	rate := Analyze(events, 24*time.Hour, now).Overview.EventRate
	if rate.Total != 50 {
		t.Errorf("Total = %d, want 50", rate.Total)
	}
	if rate.PerHour != 2.08 {
		t.Errorf("PerHour = %v, want 2.08", rate.PerHour)
	}
	if rate.PerMinute != 0.03 {
		t.Errorf("PerMinute = %v, want 0.03", rate.PerMinute)
	}
}

// TestAnalyze_ThreatAnalysis verifies category and indicator breakdowns,
// top-attacker ordering, and critical indicator family matching against
// suffixed indicator names.
func TestAnalyze_ThreatAnalysis(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	ta := Analyze(sampleEvents(now), 24*time.Hour, now).Threats

	if ta.CategoryDistribution["Authentication_Breach"] != 1 || ta.CategoryDistribution["Unknown"] != 1 {
		t.Errorf("CategoryDistribution = %v", ta.CategoryDistribution)
	}
	if len(ta.TopAttackers) != 2 || ta.TopAttackers[0].Name != "203.0.113.9" || ta.TopAttackers[0].Count != 2 {
		t.Errorf("TopAttackers = %v, want 203.0.113.9 first with 2", ta.TopAttackers)
	}

	wantCritical := []string{"Successful_Authentication", "Critical_Port_Scan"}
	if len(ta.CriticalIndicators) != len(wantCritical) {
		t.Fatalf("CriticalIndicators = %v, want %v", ta.CriticalIndicators, wantCritical)
	}
	for _, family := range wantCritical {
		found := false
		for _, got := range ta.CriticalIndicators {
			if got == family {
				found = true
			}
		}
		if !found {
			t.Errorf("CriticalIndicators = %v, missing %s", ta.CriticalIndicators, family)
		}
	}
}

// TestAnalyze_Trends verifies the hourly series is oldest first, slots
// events by timestamp, and leaves timestamp-less events out.
func TestAnalyze_Trends(t *testing.T) {
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	events := append(sampleEvents(now), &event.Event{ID: "no-ts"})

	trends := Analyze(events, 3*time.Hour, now).Trends
	if len(trends) != 3 {
		t.Fatalf("trends = %d slots, want 3", len(trends))
	}
	if trends[0].Label != "10:00" || trends[2].Label != "12:00" {
		t.Errorf("labels = %q..%q, want 10:00..12:00", trends[0].Label, trends[2].Label)
	}
	// ev-2 landed in the 10:00-11:00 slot, ev-1 and ev-3 in 11:00-12:00.
	if trends[1].Count != 1 {
		t.Errorf("slot 11:00 count = %d, want 1", trends[1].Count)
	}
	if trends[2].Count != 2 {
		t.Errorf("slot 12:00 count = %d, want 2", trends[2].Count)
	}
	if trends[2].ThreatLevels["Critical"] != 1 {
		t.Errorf("slot 12:00 threat levels = %v", trends[2].ThreatLevels)
	}
	total := 0
	for _, slot := range trends {
		total += slot.Count
	}
	if total != 3 {
		t.Errorf("slotted events = %d, want 3 (timestamp-less excluded)", total)
	}
}

// TestAnalyze_TopCountsStableOrder verifies ties break by name so the
// report is deterministic.
func TestAnalyze_TopCountsStableOrder(t *testing.T) {
	counts := map[string]int{"b": 2, "a": 2, "c": 5}
	top := topCounts(counts, 10)
	if top[0].Name != "c" || top[1].Name != "a" || top[2].Name != "b" {
		t.Errorf("order = %v, want c, a, b", top)
	}
}
