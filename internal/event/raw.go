package event

import (
	"encoding/json"
	"strconv"
	"time"
)

// RawEvent is an unprocessed record as received from a sensor or an
// upstream tenant. Field names vary by source and nothing about the shape
// can be trusted; accessors degrade to zero values instead of failing.
type RawEvent map[string]any

// Str returns the first non-empty string found under the given keys.
func (r RawEvent) Str(keys ...string) string {
	for _, k := range keys {
		switch v := r[k].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case int:
			return strconv.Itoa(v)
		}
	}
	return ""
}

// Num returns the first numeric value found under the given keys.
func (r RawEvent) Num(keys ...string) (float64, bool) {
	for _, k := range keys {
		switch v := r[k].(type) {
		case float64:
			return v, true
		case int:
			return float64(v), true
		case int64:
			return float64(v), true
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

// Bool returns the first boolean value found under the given keys.
func (r RawEvent) Bool(keys ...string) bool {
	for _, k := range keys {
		if v, ok := r[k].(bool); ok {
			return v
		}
	}
	return false
}

// Map returns a nested object under the given keys, or nil.
func (r RawEvent) Map(keys ...string) RawEvent {
	for _, k := range keys {
		switch v := r[k].(type) {
		case map[string]any:
			return RawEvent(v)
		case RawEvent:
			return v
		}
	}
	return nil
}

// List returns a nested array under the given keys, or nil.
func (r RawEvent) List(keys ...string) []any {
	for _, k := range keys {
		if v, ok := r[k].([]any); ok {
			return v
		}
	}
	return nil
}

// Ints coerces a list field into integers, skipping anything non-numeric.
func (r RawEvent) Ints(keys ...string) []int {
	var out []int
	for _, item := range r.List(keys...) {
		switch v := item.(type) {
		case float64:
			out = append(out, int(v))
		case int:
			out = append(out, v)
		case string:
			if n, err := strconv.Atoi(v); err == nil {
				out = append(out, n)
			}
		}
	}
	return out
}

// Payload returns the event's nested data block, whichever of the known
// aliases the source used.
func (r RawEvent) Payload() RawEvent {
	return r.Map("data", "payload", "metadata")
}

// timestampLayouts are the formats accepted for string timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp normalizes a raw timestamp value. Accepts time values,
// ISO-style strings and epoch seconds; anything else yields nil.
func ParseTimestamp(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		u := t.UTC()
		return &u
	case *time.Time:
		if t == nil {
			return nil
		}
		u := t.UTC()
		return &u
	case string:
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, t); err == nil {
				u := parsed.UTC()
				return &u
			}
		}
		return nil
	case float64:
		sec, frac := int64(t), t-float64(int64(t))
		u := time.Unix(sec, int64(frac*float64(time.Second))).UTC()
		return &u
	case int:
		u := time.Unix(int64(t), 0).UTC()
		return &u
	case int64:
		u := time.Unix(t, 0).UTC()
		return &u
	default:
		return nil
	}
}

// Timestamp parses the record's timestamp field.
func (r RawEvent) Timestamp(keys ...string) *time.Time {
	if len(keys) == 0 {
		keys = []string{"timestamp"}
	}
	for _, k := range keys {
		if v, ok := r[k]; ok {
			if ts := ParseTimestamp(v); ts != nil {
				return ts
			}
		}
	}
	return nil
}

// Clone returns a shallow copy, used when the adapter overrides fields
// such as the owning tenant without mutating the upstream payload.
func (r RawEvent) Clone() RawEvent {
	out := make(RawEvent, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
