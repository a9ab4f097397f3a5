// Package analytics computes summary reports over enriched events:
// distributions, attacker counts, indicator breakdowns, and hourly
// evolution over a bounded lookback window.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/lvonguyen/hivewatch/internal/event"
)

// criticalIndicators are the indicator families that warrant immediate
// attention when present in the window.
var criticalIndicators = []string{"OT_Protocol_Access", "Successful_Authentication", "Critical_Port_Scan"}

// Rate describes the observed event rate over the window.
type Rate struct {
	Total     int     `json:"total"`
	PerHour   float64 `json:"per_hour"`
	PerMinute float64 `json:"per_minute"`
	TimeRange string  `json:"time_range"`
}

// NamedCount pairs a distribution key with its event count.
type NamedCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Overview summarizes the window at a glance.
type Overview struct {
	TotalEvents            int            `json:"total_events"`
	TimeRange              string         `json:"time_range"`
	EventRate              Rate           `json:"event_rate"`
	UniqueAttackers        int            `json:"unique_attackers"`
	ActiveHoneypots        int            `json:"active_honeypots"`
	ThreatDistribution     map[string]int `json:"threat_distribution"`
	SeverityDistribution   map[string]int `json:"severity_distribution"`
	ProtocolDistribution   map[string]int `json:"protocol_distribution"`
	AttackTypeDistribution map[string]int `json:"attack_type_distribution"`
	HoneypotDistribution   map[string]int `json:"honeypot_distribution"`
}

// ThreatAnalysis breaks the window down by enrichment output.
type ThreatAnalysis struct {
	CategoryDistribution  map[string]int `json:"category_distribution"`
	TopCategories         []NamedCount   `json:"top_categories"`
	IndicatorDistribution map[string]int `json:"indicator_distribution"`
	TopIndicators         []NamedCount   `json:"top_indicators"`
	CriticalIndicators    []string       `json:"critical_indicators"`
	TopAttackers          []NamedCount   `json:"top_attackers"`
}

// TrendSlot is one hourly bucket of the evolution series.
type TrendSlot struct {
	Label        string         `json:"label"`
	Count        int            `json:"count"`
	ThreatLevels map[string]int `json:"threat_levels"`
	TopAttackers []NamedCount   `json:"top_attackers"`
}

// Report is the full analytics document for one window.
type Report struct {
	Overview    Overview       `json:"overview"`
	Threats     ThreatAnalysis `json:"threat_analysis"`
	Trends      []TrendSlot    `json:"trends"`
	GeneratedAt time.Time      `json:"generated_at"`
}

// Analyze computes the report for events observed inside the window
// ending at now. Events outside the window still count toward the
// distributions; only the trend series is slot-filtered.
func Analyze(events []*event.Event, window time.Duration, now time.Time) *Report {
	if window <= 0 {
		window = 24 * time.Hour
	}
	now = now.UTC()

	return &Report{
		Overview:    buildOverview(events, window),
		Threats:     buildThreatAnalysis(events),
		Trends:      buildTrends(events, window, now),
		GeneratedAt: now,
	}
}

func buildOverview(events []*event.Event, window time.Duration) Overview {
	attackers := make(map[string]struct{})
	honeypots := make(map[string]struct{})
	o := Overview{
		TotalEvents:            len(events),
		TimeRange:              rangeLabel(window),
		EventRate:              eventRate(len(events), window),
		ThreatDistribution:     make(map[string]int),
		SeverityDistribution:   make(map[string]int),
		ProtocolDistribution:   make(map[string]int),
		AttackTypeDistribution: make(map[string]int),
		HoneypotDistribution:   make(map[string]int),
	}

	for _, ev := range events {
		if ip := ev.SourceIP.Address; ip != "" {
			attackers[ip] = struct{}{}
		}
		o.ThreatDistribution[threatLevel(ev)]++
		o.SeverityDistribution[orUnknown(string(ev.Severity))]++
		o.ProtocolDistribution[orUnknown(ev.Protocol.Normalized)]++
		o.AttackTypeDistribution[orUnknown(ev.EventType)]++
		if name := honeypotName(ev); name != "" {
			honeypots[name] = struct{}{}
			o.HoneypotDistribution[name]++
		}
	}
	o.UniqueAttackers = len(attackers)
	o.ActiveHoneypots = len(honeypots)
	return o
}

func buildThreatAnalysis(events []*event.Event) ThreatAnalysis {
	ta := ThreatAnalysis{
		CategoryDistribution:  make(map[string]int),
		IndicatorDistribution: make(map[string]int),
	}
	attackers := make(map[string]int)

	for _, ev := range events {
		category := "Unknown"
		if ev.ThreatIntel != nil && ev.ThreatIntel.Category != "" {
			category = ev.ThreatIntel.Category
		}
		ta.CategoryDistribution[category]++

		if ev.Insights != nil {
			for _, indicator := range ev.Insights.ThreatIndicators {
				ta.IndicatorDistribution[indicator]++
			}
		}
		if ip := ev.SourceIP.Address; ip != "" {
			attackers[ip]++
		}
	}

	ta.TopCategories = topCounts(ta.CategoryDistribution, 5)
	ta.TopIndicators = topCounts(ta.IndicatorDistribution, 10)
	ta.CriticalIndicators = presentCritical(ta.IndicatorDistribution)
	ta.TopAttackers = topCounts(attackers, 10)
	return ta
}

// buildTrends slices the window into hourly slots, oldest first. Slots
// are labeled by their end hour; events without a timestamp are left
// out of the series.
func buildTrends(events []*event.Event, window time.Duration, now time.Time) []TrendSlot {
	hours := int(window / time.Hour)
	if hours < 1 {
		hours = 1
	}

	slots := make([]TrendSlot, 0, hours)
	for i := hours - 1; i >= 0; i-- {
		end := now.Add(-time.Duration(i) * time.Hour)
		start := end.Add(-time.Hour)

		slot := TrendSlot{
			Label:        fmt.Sprintf("%d:00", end.Hour()),
			ThreatLevels: make(map[string]int),
		}
		attackers := make(map[string]int)
		for _, ev := range events {
			if ev.Timestamp == nil {
				continue
			}
			ts := ev.Timestamp.UTC()
			if ts.Before(start) || !ts.Before(end) {
				continue
			}
			slot.Count++
			slot.ThreatLevels[threatLevel(ev)]++
			if ip := ev.SourceIP.Address; ip != "" {
				attackers[ip]++
			}
		}
		slot.TopAttackers = topCounts(attackers, 5)
		slots = append(slots, slot)
	}
	return slots
}

func eventRate(total int, window time.Duration) Rate {
	hours := window.Hours()
	if hours <= 0 {
		hours = 1
	}
	perHour := round2(float64(total) / hours)
	return Rate{
		Total:     total,
		PerHour:   perHour,
		PerMinute: round2(perHour / 60),
		TimeRange: rangeLabel(window),
	}
}

// topCounts sorts a distribution descending by count, names breaking
// ties so the order is stable.
func topCounts(distribution map[string]int, limit int) []NamedCount {
	out := make([]NamedCount, 0, len(distribution))
	for name, count := range distribution {
		out = append(out, NamedCount{Name: name, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// presentCritical returns the critical indicator families seen in the
// distribution. Families match on the prefix before any ":" detail
// suffix, e.g. "Critical_Port_Scan:22,443".
func presentCritical(distribution map[string]int) []string {
	present := make([]string, 0, len(criticalIndicators))
	for _, family := range criticalIndicators {
		for indicator := range distribution {
			name, _, _ := strings.Cut(indicator, ":")
			if name == family {
				present = append(present, family)
				break
			}
		}
	}
	return present
}

func threatLevel(ev *event.Event) string {
	if ev.ThreatIntel != nil && ev.ThreatIntel.ThreatLevel != "" {
		return string(ev.ThreatIntel.ThreatLevel)
	}
	return orUnknown(string(ev.Severity))
}

func honeypotName(ev *event.Event) string {
	if ev.Honeypot.Name != "" && ev.Honeypot.Name != "Unknown" {
		return ev.Honeypot.Name
	}
	return ""
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func rangeLabel(window time.Duration) string {
	return fmt.Sprintf("%dh", int(window/time.Hour))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
