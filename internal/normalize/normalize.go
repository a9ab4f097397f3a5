// Package normalize converts arbitrary raw sensor records into the
// canonical event shape: one time representation, classified addresses,
// a fixed protocol and event-type taxonomy, and a defaulted severity.
// Normalization never fails; unresolvable fields degrade to zero values
// or Unknown rather than aborting the record.
package normalize

import (
	"context"
	"strings"

	"github.com/lvonguyen/hivewatch/internal/event"
)

// Directory resolves honeypot metadata by id or name. Implementations
// must not fail on a miss; they return the Unknown sentinel instead.
type Directory interface {
	Resolve(ctx context.Context, id, name string) event.HoneypotInfo
}

// DirectoryFunc adapts a function to the Directory interface.
type DirectoryFunc func(ctx context.Context, id, name string) event.HoneypotInfo

func (f DirectoryFunc) Resolve(ctx context.Context, id, name string) event.HoneypotInfo {
	return f(ctx, id, name)
}

// UnknownDirectory always returns the Unknown sentinel. Used when no
// honeypot directory backend is configured.
var UnknownDirectory Directory = DirectoryFunc(func(_ context.Context, id, name string) event.HoneypotInfo {
	return event.UnknownHoneypot(id, name)
})

// protocolAliases maps lowercase protocol names to their canonical form.
var protocolAliases = map[string]string{
	"ssh":    "SSH",
	"telnet": "Telnet",
	"ftp":    "FTP",
	"http":   "HTTP",
	"https":  "HTTPS",
	"s7":     "S7",
	"modbus": "Modbus",
	"dnp3":   "DNP3",
	"iec104": "IEC 60870-5-104",
	"tcp":    "TCP",
	"udp":    "UDP",
}

// protocolCategories maps canonical protocol names to their category.
var protocolCategories = map[string]event.ProtocolCategory{
	"SSH":             event.CategoryIT,
	"Telnet":          event.CategoryIT,
	"FTP":             event.CategoryIT,
	"HTTP":            event.CategoryIT,
	"HTTPS":           event.CategoryIT,
	"S7":              event.CategoryOT,
	"Modbus":          event.CategoryOT,
	"DNP3":            event.CategoryOT,
	"IEC 60870-5-104": event.CategoryOT,
	"TCP":             event.CategoryTransport,
	"UDP":             event.CategoryTransport,
}

// eventTypeAliases maps lowercase raw event types to the canonical taxonomy.
var eventTypeAliases = map[string]string{
	"connection": "Connection_Attempt",
	"login":      "Authentication_Attempt",
	"command":    "Command_Execution",
	"scan":       "Port_Scan",
	"attack":     "Attack_Attempt",
	"session":    "Session_Data",
	"alert":      "Security_Alert",
}

// protocolEventTypes infers an event type when the raw record carries none.
var protocolEventTypes = map[string]string{
	"SSH":    "Authentication_Attempt",
	"Telnet": "Authentication_Attempt",
	"FTP":    "Authentication_Attempt",
	"HTTP":   "Connection_Attempt",
	"S7":     "Connection_Attempt",
	"Modbus": "Connection_Attempt",
}

var severityAliases = map[string]event.Severity{
	"minimal":  event.SeverityMinimal,
	"low":      event.SeverityLow,
	"medium":   event.SeverityMedium,
	"high":     event.SeverityHigh,
	"critical": event.SeverityCritical,
}

// Normalizer converts raw records into canonical events.
type Normalizer struct {
	dir Directory
}

// New creates a Normalizer backed by the given honeypot directory.
func New(dir Directory) *Normalizer {
	if dir == nil {
		dir = UnknownDirectory
	}
	return &Normalizer{dir: dir}
}

// Normalize converts a raw record into a canonical event. It is a pure,
// deterministic function of the record (plus the directory snapshot) and
// leaves Insights and ThreatIntel nil; enrichment is a separate pass.
func (n *Normalizer) Normalize(ctx context.Context, raw event.RawEvent) *event.Event {
	if raw == nil {
		raw = event.RawEvent{}
	}

	protocol := NormalizeProtocol(raw.Str("protocol"))

	ev := &event.Event{
		ID:          raw.Str("_id", "id", "data_id", "uid"),
		Timestamp:   raw.Timestamp("timestamp", "start_time", "created_at"),
		SourceIP:    ClassifyIP(raw.Str("source_ip", "src_ip", "attackerIP")),
		Protocol:    protocol,
		EventType:   NormalizeEventType(raw.Str("event_type", "data_type", "note_type"), protocol),
		Severity:    NormalizeSeverity(raw.Str("severity", "threat_level", "threatLevel")),
		Description: raw.Str("description", "message"),
		ClientID:    raw.Str("client_id", "clientId"),
	}
	if dst := raw.Str("destination_ip", "dest_ip"); dst != "" {
		ev.DestinationIP = ClassifyIP(dst)
	}

	ev.Geolocation = GeolocationFor(ev.SourceIP)
	ev.AttackDetails = normalizeAttackDetails(raw)
	ev.Honeypot = n.resolveHoneypot(ctx, raw)

	return ev
}

func (n *Normalizer) resolveHoneypot(ctx context.Context, raw event.RawEvent) event.HoneypotInfo {
	id := raw.Str("honeypot_id")
	name := raw.Str("honeypot_name")
	info := n.dir.Resolve(ctx, id, name)
	if info.Port == 0 {
		if port, ok := raw.Num("dest_port", "port"); ok {
			info.Port = int(port)
		}
	}
	return info
}

// ClassifyIP classifies an address into private/public/special. The three
// private-range prefixes and loopback classify as private; the all-zero
// address is special; everything else is public.
func ClassifyIP(addr string) event.IPAddress {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return event.IPAddress{Class: event.AddressUnknown, Category: "unknown"}
	}

	switch {
	case strings.HasPrefix(addr, "192.168.") || strings.HasPrefix(addr, "10.") || strings.HasPrefix(addr, "172."):
		return event.IPAddress{Address: addr, Class: event.AddressPrivate, Category: "local_network"}
	case strings.HasPrefix(addr, "127."):
		return event.IPAddress{Address: addr, Class: event.AddressPrivate, Category: "localhost"}
	case addr == "0.0.0.0":
		return event.IPAddress{Address: addr, Class: event.AddressSpecial, Category: "any_address"}
	default:
		return event.IPAddress{Address: addr, Class: event.AddressPublic, Category: "external"}
	}
}

// NormalizeProtocol maps a raw protocol string to its canonical name and
// category. Unknown protocols pass through unchanged with category Unknown.
func NormalizeProtocol(raw string) event.Protocol {
	if raw == "" {
		return event.Protocol{Category: event.CategoryUnknown}
	}

	normalized, ok := protocolAliases[strings.ToLower(raw)]
	if !ok {
		normalized = raw
	}

	category, ok := protocolCategories[normalized]
	if !ok {
		category = event.CategoryUnknown
	}

	return event.Protocol{Original: raw, Normalized: normalized, Category: category}
}

// NormalizeEventType maps a raw event type through the alias table, falling
// back to protocol-based inference when the raw type is absent.
func NormalizeEventType(raw string, protocol event.Protocol) string {
	if raw == "" {
		if protocol.Normalized == "" {
			return "unknown"
		}
		if inferred, ok := protocolEventTypes[protocol.Normalized]; ok {
			return inferred
		}
		return "Connection_Attempt"
	}
	if canonical, ok := eventTypeAliases[strings.ToLower(raw)]; ok {
		return canonical
	}
	return raw
}

// NormalizeSeverity maps a raw severity to the ordinal taxonomy,
// defaulting to Medium when absent or unrecognized.
func NormalizeSeverity(raw string) event.Severity {
	if raw == "" {
		return event.SeverityMedium
	}
	if sev, ok := severityAliases[strings.ToLower(raw)]; ok {
		return sev
	}
	return event.SeverityMedium
}

// GeolocationFor returns the geolocation placeholder for an address.
// Private sources resolve to the Local Network block; external lookups
// belong to a collaborator and yield the Unknown placeholder here.
func GeolocationFor(ip event.IPAddress) event.Geolocation {
	if ip.IsLocal() {
		return event.Geolocation{
			Country: "Local Network",
			Region:  "Internal",
			City:    "Internal",
			ISP:     "Internal",
		}
	}
	return event.Geolocation{
		Country: "Unknown",
		Region:  "Unknown",
		City:    "Unknown",
		ISP:     "Unknown",
	}
}

func normalizeAttackDetails(raw event.RawEvent) event.AttackDetails {
	payload := raw.Payload()
	if payload == nil {
		return event.AttackDetails{}
	}

	var details event.AttackDetails

	for _, item := range payload.List("commands") {
		switch cmd := item.(type) {
		case string:
			details.Commands = append(details.Commands, event.CommandRecord{Command: cmd})
		case map[string]any:
			rec := event.RawEvent(cmd)
			exit := event.CommandRecord{
				Command:   rec.Str("command"),
				Timestamp: rec.Timestamp("timestamp"),
				Output:    rec.Str("output"),
			}
			if code, ok := rec.Num("exit_code"); ok {
				c := int(code)
				exit.ExitCode = &c
			}
			details.Commands = append(details.Commands, exit)
		}
	}

	if creds := payload.Map("credentials"); creds != nil {
		details.Credentials = &event.CredentialAttempt{
			Username: creds.Str("username"),
			Password: creds.Str("password"),
			Success:  creds.Bool("success"),
		}
	}

	if ports := payload.Map("ports"); ports != nil {
		details.Ports = &event.PortActivity{
			Scanned: ports.Ints("scanned"),
			Open:    ports.Ints("open"),
			Closed:  ports.Ints("closed"),
		}
	} else if scanned := payload.Ints("ports"); len(scanned) > 0 {
		// Some sensors send a bare port list.
		details.Ports = &event.PortActivity{Scanned: scanned}
	}

	if session := payload.Map("session_data"); session != nil {
		sd := &event.SessionData{}
		if dur, ok := session.Num("duration"); ok {
			sd.DurationSeconds = dur
		}
		if count, ok := session.Num("commands_count"); ok {
			sd.CommandCount = int(count)
		}
		for _, f := range session.List("files_accessed") {
			if s, ok := f.(string); ok {
				sd.FilesAccessed = append(sd.FilesAccessed, s)
			}
		}
		details.Session = sd
	}

	return details
}
