// Package enrich derives risk score, attack-pattern tags, behavioral
// profile and a threat-intelligence block for canonical events. The
// scoring policy is a deterministic, explainable heuristic: every score
// is a sum of named factors, reproducible from the event alone plus the
// recent-history snapshot supplied by the caller. Enrichment never
// fails; missing inputs yield empty or partial blocks.
package enrich

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lvonguyen/hivewatch/internal/event"
)

const (
	// MaxRiskScore caps the additive risk heuristic.
	MaxRiskScore = 10

	// Factor weights for the risk score.
	commandFactorCap  = 5
	nonLocalFactor    = 2
	credSuccessFactor = 3

	// Confidence increments.
	baseConfidence       = 0.5
	commandsConfidence   = 0.2
	credentialConfidence = 0.2
	nonLocalConfidence   = 0.1
)

// suspiciousCommands is the fixed lexicon scanned against command lists.
var suspiciousCommands = []string{"rm", "dd", "format", "shutdown", "reboot", "kill"}

// criticalPorts is the fixed set of ports flagged when scanned.
var criticalPorts = map[int]bool{22: true, 23: true, 21: true, 80: true, 443: true, 3389: true, 5900: true}

// Config bounds the correlation lookback window.
type Config struct {
	CorrelationWindow time.Duration `yaml:"correlation_window"`
}

// DefaultConfig returns the standard 24h correlation window.
func DefaultConfig() Config {
	return Config{CorrelationWindow: 24 * time.Hour}
}

// Engine computes insights and threat intelligence for canonical events.
// It is stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates an enrichment engine.
func New(cfg Config) *Engine {
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = DefaultConfig().CorrelationWindow
	}
	return &Engine{cfg: cfg}
}

// Enrich returns a copy of the event with Insights and ThreatIntel
// populated. Already-normalized fields are never altered. "now" is passed
// explicitly and used only to bound the correlation window, so identical
// inputs always produce identical output.
func (e *Engine) Enrich(ev *event.Event, history []event.Event, now time.Time) *event.Event {
	if ev == nil {
		return nil
	}

	enriched := *ev
	enriched.Insights = &event.Insights{
		RiskScore:        e.RiskScore(ev),
		AttackPattern:    e.attackPatterns(ev),
		ThreatIndicators: e.threatIndicators(ev),
		Behavior:         e.behavior(ev),
		Correlations:     e.correlations(ev, history, now),
	}
	enriched.ThreatIntel = e.threatIntelligence(ev, enriched.Insights.RiskScore)
	return &enriched
}

// RiskScore computes the additive risk heuristic, capped at MaxRiskScore:
// severity base + min(commands, 5) + 2 if non-local + 3 if credential success.
func (e *Engine) RiskScore(ev *event.Event) int {
	score := ev.Severity.Rank()

	if n := ev.CommandCount(); n > 0 {
		if n > commandFactorCap {
			n = commandFactorCap
		}
		score += n
	}

	if !ev.SourceIP.IsLocal() {
		score += nonLocalFactor
	}

	if ev.CredentialSuccess() {
		score += credSuccessFactor
	}

	if score > MaxRiskScore {
		score = MaxRiskScore
	}
	return score
}

func (e *Engine) attackPatterns(ev *event.Event) []string {
	var patterns []string

	if ev.CommandCount() > 5 {
		patterns = append(patterns, "Command_Flood")
	}
	if ev.AttackDetails.Ports != nil && len(ev.AttackDetails.Ports.Scanned) > 100 {
		patterns = append(patterns, "Port_Scanning")
	}
	if ev.CredentialSuccess() {
		patterns = append(patterns, "Successful_Authentication")
	}
	if ev.Protocol.Category == event.CategoryOT {
		patterns = append(patterns, "OT_Targeting")
	}

	if len(patterns) == 0 {
		return []string{"Standard_Attack"}
	}
	return patterns
}

func (e *Engine) threatIndicators(ev *event.Event) []string {
	var indicators []string

	for _, cmd := range ev.AttackDetails.Commands {
		for _, suspicious := range suspiciousCommands {
			if strings.Contains(cmd.Command, suspicious) {
				indicators = append(indicators, "Suspicious_Command:"+cmd.Command)
				break
			}
		}
	}

	if ev.AttackDetails.Ports != nil {
		var critical []string
		for _, port := range ev.AttackDetails.Ports.Scanned {
			if criticalPorts[port] {
				critical = append(critical, strconv.Itoa(port))
			}
		}
		if len(critical) > 0 {
			indicators = append(indicators, "Critical_Port_Scan:"+strings.Join(critical, ","))
		}
	}

	if ev.Protocol.Category == event.CategoryOT {
		indicators = append(indicators, "OT_Protocol_Access")
	}

	return indicators
}

func (e *Engine) behavior(ev *event.Event) event.Behavior {
	b := event.Behavior{
		Aggressiveness: "Low",
		Sophistication: "Low",
		Persistence:    "Low",
		TargetFocus:    "General",
	}

	switch n := ev.CommandCount(); {
	case n > 10:
		b.Aggressiveness = "High"
	case n > 5:
		b.Aggressiveness = "Medium"
	}

	if ev.CredentialSuccess() {
		b.Sophistication = "Medium"
	}

	if ev.AttackDetails.Session != nil && ev.AttackDetails.Session.DurationSeconds > 300 {
		b.Persistence = "Medium"
	}

	if ev.Protocol.Category == event.CategoryOT {
		b.TargetFocus = "OT_Specific"
	}

	return b
}

func (e *Engine) correlations(ev *event.Event, history []event.Event, now time.Time) []event.Correlation {
	if len(history) == 0 {
		return nil
	}

	cutoff := now.Add(-e.cfg.CorrelationWindow)
	span := formatSpan(e.cfg.CorrelationWindow)

	var sameIP, sameHoneypot int
	for _, h := range history {
		if h.Timestamp == nil || h.Timestamp.Before(cutoff) {
			continue
		}
		if ev.SourceIP.Address != "" && h.SourceIP.Address == ev.SourceIP.Address {
			sameIP++
		}
		if sameHoneypotTarget(ev, &h) {
			sameHoneypot++
		}
	}

	var correlations []event.Correlation
	if sameIP > 1 {
		correlations = append(correlations, event.Correlation{Type: "IP_Repetition", Count: sameIP, TimeSpan: span})
	}
	if sameHoneypot > 1 {
		correlations = append(correlations, event.Correlation{Type: "Honeypot_Targeting", Count: sameHoneypot, TimeSpan: span})
	}
	return correlations
}

func sameHoneypotTarget(ev, h *event.Event) bool {
	if ev.Honeypot.ID != "" && ev.Honeypot.ID != "unknown" && h.Honeypot.ID == ev.Honeypot.ID {
		return true
	}
	return ev.Honeypot.Name != "" && ev.Honeypot.Name != "Unknown" && h.Honeypot.Name == ev.Honeypot.Name
}

func (e *Engine) threatIntelligence(ev *event.Event, riskScore int) *event.ThreatIntelligence {
	return &event.ThreatIntelligence{
		ThreatLevel:        ThreatLevel(riskScore),
		Confidence:         e.confidence(ev),
		Category:           e.category(ev),
		RecommendedActions: e.recommendedActions(ev),
	}
}

// ThreatLevel derives the threat level from a risk score via fixed thresholds.
func ThreatLevel(riskScore int) event.Severity {
	switch {
	case riskScore >= 8:
		return event.SeverityCritical
	case riskScore >= 6:
		return event.SeverityHigh
	case riskScore >= 4:
		return event.SeverityMedium
	case riskScore >= 2:
		return event.SeverityLow
	default:
		return event.SeverityMinimal
	}
}

func (e *Engine) confidence(ev *event.Event) float64 {
	confidence := baseConfidence
	if len(ev.AttackDetails.Commands) > 0 {
		confidence += commandsConfidence
	}
	if ev.AttackDetails.Credentials != nil {
		confidence += credentialConfidence
	}
	if !ev.SourceIP.IsLocal() {
		confidence += nonLocalConfidence
	}
	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}

// category picks the threat category by fixed priority: OT access, then
// credential breach, then command execution, then reconnaissance.
func (e *Engine) category(ev *event.Event) string {
	switch {
	case ev.Protocol.Category == event.CategoryOT:
		return "OT_Threat"
	case ev.CredentialSuccess():
		return "Authentication_Breach"
	case ev.CommandCount() > 0:
		return "Command_Execution"
	case ev.AttackDetails.Ports != nil && len(ev.AttackDetails.Ports.Scanned) > 0:
		return "Reconnaissance"
	default:
		return "General_Attack"
	}
}

func (e *Engine) recommendedActions(ev *event.Event) []string {
	var actions []string

	if ev.Severity == event.SeverityCritical || ev.Severity == event.SeverityHigh {
		actions = append(actions,
			"Immediate_Response_Required",
			"Block_Source_IP",
			"Notify_Security_Team",
		)
	}

	if ev.Protocol.Category == event.CategoryOT {
		actions = append(actions, "OT_Security_Review", "Check_OT_Network_Isolation")
	}

	if ev.CredentialSuccess() {
		actions = append(actions, "Credential_Reset_Required", "Review_Authentication_Logs")
	}

	if !ev.SourceIP.IsLocal() {
		actions = append(actions, "Geographic_Blocking_Consideration")
	}

	if len(actions) == 0 {
		return []string{"Monitor_Closely"}
	}
	return actions
}

func formatSpan(d time.Duration) string {
	if h := d.Hours(); h == float64(int(h)) {
		return fmt.Sprintf("%dh", int(h))
	}
	return d.String()
}
