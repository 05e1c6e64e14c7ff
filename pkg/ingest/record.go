package ingest

import (
	"strconv"
	"strings"
	"time"
)

// recordFields is the outcome of generic JSON record extraction: promoted
// columns plus the leftover metadata.
type recordFields struct {
	Message   string
	Level     string
	Source    string
	Category  string
	Host      string
	Timestamp time.Time
	Tags      []string
	DedupKey  string
	Metadata  map[string]any
}

// extractRecord promotes well-known keys out of a JSON record. Source is
// resolved by priority: automation_name, then entity_id, then
// domain.service, then an explicit source key. Unconsumed keys stay in
// metadata untouched.
func extractRecord(record map[string]any) recordFields {
	f := recordFields{Metadata: make(map[string]any)}
	consumed := map[string]bool{}

	pick := func(keys ...string) (any, bool) {
		for _, k := range keys {
			if v, ok := record[k]; ok {
				consumed[k] = true
				return v, true
			}
		}
		return nil, false
	}

	if v, ok := pick("message", "msg", "text"); ok {
		f.Message = asString(v)
	}
	if v, ok := pick("level", "severity"); ok {
		f.Level = levelString(v)
	}
	if v, ok := pick("category", "facility"); ok {
		f.Category = asString(v)
	}
	if v, ok := pick("host", "hostname"); ok {
		f.Host = asString(v)
	}
	if v, ok := pick("timestamp", "time", "ts"); ok {
		f.Timestamp = parseEventTime(v)
	}
	if v, ok := pick("tags"); ok {
		f.Tags = parseTags(v)
	}
	if v, ok := pick("dedup_key"); ok {
		f.DedupKey = asString(v)
	}

	explicit := ""
	if v, ok := pick("source", "logger", "app"); ok {
		explicit = asString(v)
	}
	switch {
	case asString(record["automation_name"]) != "":
		f.Source = asString(record["automation_name"])
		consumed["automation_name"] = true
	case asString(record["entity_id"]) != "":
		f.Source = asString(record["entity_id"])
		consumed["entity_id"] = true
	case asString(record["domain"]) != "" && asString(record["service"]) != "":
		f.Source = asString(record["domain"]) + "." + asString(record["service"])
		consumed["domain"] = true
		consumed["service"] = true
	default:
		f.Source = explicit
	}

	for k, v := range record {
		if !consumed[k] {
			f.Metadata[k] = v
		}
	}
	return f
}

// extractBeats promotes the Elastic common-schema keys a shipper sends,
// reading both flat ("log.level") and nested ({"log":{"level":...}}) forms.
func extractBeats(record map[string]any) recordFields {
	f := recordFields{Metadata: make(map[string]any)}

	if v, ok := lookupPath(record, "message"); ok {
		f.Message = asString(v)
	}
	if v, ok := lookupPath(record, "log.level"); ok {
		f.Level = levelString(v)
	}
	if v, ok := lookupPath(record, "host.name"); ok {
		f.Host = asString(v)
	}
	if v, ok := lookupPath(record, "service.name"); ok {
		f.Source = asString(v)
	}
	if v, ok := lookupPath(record, "@timestamp"); ok {
		f.Timestamp = parseEventTime(v)
	}

	for k, v := range record {
		switch k {
		case "message", "@timestamp":
		default:
			f.Metadata[k] = v
		}
	}
	return f
}

// lookupPath reads a dotted key either literally or as a nested map walk.
func lookupPath(record map[string]any, path string) (any, bool) {
	if v, ok := record[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	current := record
	for i, part := range parts {
		v, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		current, ok = v.(map[string]any)
		if !ok {
			return nil, false
		}
	}
	return nil, false
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// levelString renders a level value; numeric levels are read as syslog
// severities.
func levelString(v any) string {
	if n, ok := asNumber(v); ok {
		if n >= 0 && n <= 7 {
			return syslogSeverityLevel(int(n))
		}
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return asString(v)
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case uint64:
		return float64(t), true
	case int:
		return float64(t), true
	}
	return 0, false
}

// parseEventTime reads RFC 3339 strings and epoch numbers. Magnitude picks
// seconds vs milliseconds.
func parseEventTime(v any) time.Time {
	switch t := v.(type) {
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return ts.UTC()
		}
		if n, err := strconv.ParseFloat(t, 64); err == nil {
			return epochTime(n)
		}
		return time.Time{}
	default:
		if n, ok := asNumber(v); ok {
			return epochTime(n)
		}
		return time.Time{}
	}
}

func epochTime(n float64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	if n > 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	return time.UnixMilli(int64(n * 1000)).UTC()
}

func parseTags(v any) []string {
	switch t := v.(type) {
	case string:
		var out []string
		for _, tag := range strings.Split(t, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				out = append(out, tag)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			if s := asString(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}
