// Package event defines the canonical enriched event model shared by the
// normalization, enrichment, aggregation and fan-out layers, plus the
// untrusted raw record shape received from sensors and upstream tenants.
package event

import "time"

// AddressClass classifies an IP address.
type AddressClass string

const (
	AddressPrivate AddressClass = "private"
	AddressPublic  AddressClass = "public"
	AddressSpecial AddressClass = "special"
	AddressUnknown AddressClass = "unknown"
)

// ProtocolCategory groups protocols by the kind of system they target.
type ProtocolCategory string

const (
	CategoryIT        ProtocolCategory = "IT_Protocol"
	CategoryOT        ProtocolCategory = "OT_Protocol"
	CategoryTransport ProtocolCategory = "Transport_Protocol"
	CategoryUnknown   ProtocolCategory = "Unknown"
)

// Severity is the ordinal severity taxonomy.
type Severity string

const (
	SeverityMinimal  Severity = "Minimal"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// Rank returns the base risk contribution of a severity (Minimal=1 ... Critical=5).
// Unrecognized severities rank as Medium.
func (s Severity) Rank() int {
	switch s {
	case SeverityMinimal:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 3
	}
}

// IPAddress is a classified IP address.
type IPAddress struct {
	Address  string       `json:"address"`
	Class    AddressClass `json:"address_class"`
	Category string       `json:"category"`
}

// IsLocal reports whether the address belongs to the local network. An
// absent address counts as local: it contributes no external-source risk
// and resolves to the Local Network geolocation placeholder.
func (a IPAddress) IsLocal() bool {
	return a.Class == AddressPrivate || a.Address == ""
}

// Protocol carries the original protocol string alongside its canonical form.
type Protocol struct {
	Original   string           `json:"original"`
	Normalized string           `json:"normalized"`
	Category   ProtocolCategory `json:"category"`
}

// HoneypotInfo describes the honeypot an event was observed on. Fields are
// "Unknown" when the directory lookup missed.
type HoneypotInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Status   string `json:"status"`
	Port     int    `json:"port,omitempty"`
}

// CommandRecord is a single command captured during a session.
type CommandRecord struct {
	Command   string     `json:"command"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Output    string     `json:"output,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
}

// CredentialAttempt records a credential the attacker tried.
type CredentialAttempt struct {
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Success  bool   `json:"success"`
}

// PortActivity records ports touched during reconnaissance.
type PortActivity struct {
	Scanned []int `json:"scanned,omitempty"`
	Open    []int `json:"open,omitempty"`
	Closed  []int `json:"closed,omitempty"`
}

// SessionData summarizes the interactive session, when one existed.
type SessionData struct {
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	CommandCount    int      `json:"command_count,omitempty"`
	FilesAccessed   []string `json:"files_accessed,omitempty"`
}

// AttackDetails is the normalized attack sub-structure, each field sourced
// opportunistically from whatever the raw record provided.
type AttackDetails struct {
	Commands    []CommandRecord    `json:"commands,omitempty"`
	Credentials *CredentialAttempt `json:"credentials,omitempty"`
	Ports       *PortActivity      `json:"ports,omitempty"`
	Session     *SessionData       `json:"session,omitempty"`
}

// Geolocation holds source geography. Private sources resolve to the
// Local Network placeholder; external lookup is a collaborator concern.
type Geolocation struct {
	Country     string     `json:"country"`
	Region      string     `json:"region"`
	City        string     `json:"city"`
	Coordinates []float64  `json:"coordinates,omitempty"`
	ISP         string     `json:"isp"`
}

// Behavior is the four-axis behavioral profile, each axis an independent
// threshold judgment rather than a composite score.
type Behavior struct {
	Aggressiveness string `json:"aggressiveness"`
	Sophistication string `json:"sophistication"`
	Persistence    string `json:"persistence"`
	TargetFocus    string `json:"target_focus"`
}

// Correlation is a hint that this event relates to recent history.
type Correlation struct {
	Type     string `json:"type"` // IP_Repetition or Honeypot_Targeting
	Count    int    `json:"count"`
	TimeSpan string `json:"time_span"`
}

// Insights is the enrichment output block. Nil until enrichment runs.
type Insights struct {
	RiskScore        int           `json:"risk_score"`
	AttackPattern    []string      `json:"attack_pattern"`
	ThreatIndicators []string      `json:"threat_indicators"`
	Behavior         Behavior      `json:"behavioral_analysis"`
	Correlations     []Correlation `json:"correlation_opportunities"`
}

// ThreatIntelligence is derived purely from the event's own risk factors.
type ThreatIntelligence struct {
	ThreatLevel        Severity `json:"threat_level"`
	Confidence         float64  `json:"confidence"`
	Category           string   `json:"category"`
	RecommendedActions []string `json:"recommended_actions"`
}

// Event is the canonical, risk-scored representation of a raw sensor
// record. Immutable once enriched; corrections require a new event.
type Event struct {
	ID            string              `json:"id"`
	Timestamp     *time.Time          `json:"timestamp"`
	SourceIP      IPAddress           `json:"source_ip"`
	DestinationIP IPAddress           `json:"destination_ip,omitempty"`
	Protocol      Protocol            `json:"protocol"`
	EventType     string              `json:"event_type"`
	Severity      Severity            `json:"severity"`
	Description   string              `json:"description,omitempty"`
	Honeypot      HoneypotInfo        `json:"honeypot_info"`
	AttackDetails AttackDetails       `json:"attack_details"`
	Geolocation   Geolocation         `json:"geolocation"`
	Insights      *Insights           `json:"insights,omitempty"`
	ThreatIntel   *ThreatIntelligence `json:"threat_intelligence,omitempty"`
	ClientID      string              `json:"client_id"`
}

// CommandCount returns the number of captured commands.
func (e *Event) CommandCount() int {
	return len(e.AttackDetails.Commands)
}

// CredentialSuccess reports whether a credential attempt succeeded.
func (e *Event) CredentialSuccess() bool {
	return e.AttackDetails.Credentials != nil && e.AttackDetails.Credentials.Success
}

// UnknownHoneypot is the sentinel returned when a directory lookup misses.
func UnknownHoneypot(id, name string) HoneypotInfo {
	if id == "" {
		id = "unknown"
	}
	if name == "" {
		name = "Unknown"
	}
	return HoneypotInfo{
		ID:       id,
		Name:     name,
		Type:     "Unknown",
		Category: "Unknown",
		Status:   "Unknown",
	}
}
