package ingest

import (
	"strconv"
	"strings"
	"time"
)

// syslogMessage is the decoded form shared by RFC 3164 and RFC 5424 input.
type syslogMessage struct {
	Facility  int
	Severity  int
	Timestamp time.Time
	Host      string
	App       string
	ProcID    string
	MsgID     string
	// Structured holds RFC 5424 SD elements as id → params.
	Structured map[string]map[string]string
	Message    string
}

// defaultPRI applies when a message arrives without a priority header
// (facility user, severity notice).
const defaultPRI = 13

// parseSyslog auto-detects the dialect: a version field after the PRI means
// RFC 5424, otherwise the message is read as RFC 3164. now anchors the
// year-less 3164 timestamp.
func parseSyslog(payload []byte, now time.Time) (syslogMessage, error) {
	s := string(payload)
	s = strings.TrimRight(s, "\r\n\x00")
	if strings.TrimSpace(s) == "" {
		return syslogMessage{}, parseErrorf("empty", "empty syslog payload")
	}

	pri := defaultPRI
	rest := s
	if strings.HasPrefix(s, "<") {
		end := strings.IndexByte(s, '>')
		if end < 2 || end > 4 {
			return syslogMessage{}, parseErrorf("bad_pri", "malformed priority in %.20q", s)
		}
		n, err := strconv.Atoi(s[1:end])
		if err != nil || n < 0 || n > 191 {
			return syslogMessage{}, parseErrorf("bad_pri", "priority %q out of range", s[1:end])
		}
		pri = n
		rest = s[end+1:]
	}

	msg := syslogMessage{Facility: pri / 8, Severity: pri % 8}
	if strings.HasPrefix(rest, "1 ") {
		if err := parseRFC5424(rest[2:], &msg); err != nil {
			return syslogMessage{}, err
		}
		return msg, nil
	}
	parseRFC3164(rest, now, &msg)
	return msg, nil
}

// parseRFC5424 decodes "TIMESTAMP HOSTNAME APP-NAME PROCID MSGID SD MSG"
// where any field may be the nil value "-".
func parseRFC5424(s string, msg *syslogMessage) error {
	fields := strings.SplitN(s, " ", 6)
	if len(fields) < 5 {
		return parseErrorf("bad_header", "rfc5424 header has %d fields", len(fields))
	}

	if fields[0] != "-" {
		ts, err := time.Parse(time.RFC3339Nano, fields[0])
		if err != nil {
			return parseErrorf("bad_timestamp", "rfc5424 timestamp %q: %v", fields[0], err)
		}
		msg.Timestamp = ts.UTC()
	}
	msg.Host = nilDash(fields[1])
	msg.App = nilDash(fields[2])
	msg.ProcID = nilDash(fields[3])
	msg.MsgID = nilDash(fields[4])

	if len(fields) < 6 {
		return nil
	}
	rest := fields[5]
	if strings.HasPrefix(rest, "-") {
		msg.Message = strings.TrimPrefix(strings.TrimPrefix(rest, "-"), " ")
		return nil
	}

	sd, remainder, err := parseStructuredData(rest)
	if err != nil {
		return err
	}
	msg.Structured = sd
	msg.Message = strings.TrimPrefix(remainder, " ")
	return nil
}

// parseStructuredData reads consecutive [id k="v" ...] elements. Escaped
// characters inside param values (\" \] \\) are unescaped.
func parseStructuredData(s string) (map[string]map[string]string, string, error) {
	sd := make(map[string]map[string]string)
	for strings.HasPrefix(s, "[") {
		end := findElementEnd(s)
		if end < 0 {
			return nil, "", parseErrorf("bad_sd", "unterminated structured data element")
		}
		element := s[1:end]
		s = s[end+1:]

		parts := strings.SplitN(element, " ", 2)
		id := parts[0]
		params := make(map[string]string)
		if len(parts) == 2 {
			for _, kv := range splitSDParams(parts[1]) {
				eq := strings.IndexByte(kv, '=')
				if eq <= 0 {
					continue
				}
				val := strings.Trim(kv[eq+1:], `"`)
				val = strings.NewReplacer(`\"`, `"`, `\]`, `]`, `\\`, `\`).Replace(val)
				params[kv[:eq]] = val
			}
		}
		sd[id] = params
	}
	return sd, s, nil
}

// findElementEnd locates the closing bracket of the element starting at
// s[0], honoring backslash escapes.
func findElementEnd(s string) int {
	escaped := false
	for i := 1; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == ']':
			return i
		}
	}
	return -1
}

// splitSDParams splits `k="v" k2="v 2"` on spaces outside quotes.
func splitSDParams(s string) []string {
	var out []string
	var start int
	inQuotes := false
	escaped := false
	for i := 0; i < len(s); i++ {
		switch {
		case escaped:
			escaped = false
		case s[i] == '\\':
			escaped = true
		case s[i] == '"':
			inQuotes = !inQuotes
		case s[i] == ' ' && !inQuotes:
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

// rfc3164TimeLayout is the year-less BSD timestamp.
const rfc3164TimeLayout = "Jan _2 15:04:05"

// parseRFC3164 decodes "TIMESTAMP HOSTNAME TAG: CONTENT". Every part is
// optional in the wild, so this never fails: whatever does not parse stays
// in the message text.
func parseRFC3164(s string, now time.Time, msg *syslogMessage) {
	rest := s
	if len(rest) >= 15 {
		if ts, err := time.Parse(rfc3164TimeLayout, rest[:15]); err == nil {
			msg.Timestamp = anchorYear(ts, now)
			rest = strings.TrimPrefix(rest[15:], " ")
		}
	}

	// Hostname only when a timestamp was present; otherwise the first
	// token is almost always the tag.
	if !msg.Timestamp.IsZero() {
		if sp := strings.IndexByte(rest, ' '); sp > 0 && !strings.ContainsAny(rest[:sp], ":[") {
			msg.Host = rest[:sp]
			rest = rest[sp+1:]
		}
	}

	msg.App, msg.ProcID, msg.Message = splitTag(rest)
}

// splitTag separates the leading "tag[pid]:" from the content. Tags are
// alphanumeric and short; anything else is treated as plain content.
func splitTag(s string) (app, procID, content string) {
	limit := min(len(s), 48)
	for i := 0; i < limit; i++ {
		c := s[i]
		switch {
		case c == ':':
			return s[:i], "", strings.TrimPrefix(s[i+1:], " ")
		case c == '[':
			rb := strings.IndexByte(s[i:], ']')
			if rb < 0 {
				return "", "", s
			}
			app = s[:i]
			procID = s[i+1 : i+rb]
			rest := s[i+rb+1:]
			rest = strings.TrimPrefix(rest, ":")
			return app, procID, strings.TrimPrefix(rest, " ")
		case c == ' ':
			return "", "", s
		}
	}
	return "", "", s
}

// anchorYear pins a year-less timestamp near now, handling the December
// logs read in January case.
func anchorYear(ts, now time.Time) time.Time {
	t := time.Date(now.Year(), ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), 0, time.UTC)
	if t.After(now.Add(48 * time.Hour)) {
		t = t.AddDate(-1, 0, 0)
	}
	return t
}

func nilDash(s string) string {
	if s == "-" {
		return ""
	}
	return s
}

// syslogSeverityLevel maps severity 0..7 onto the canonical enum.
func syslogSeverityLevel(severity int) string {
	switch {
	case severity <= 2:
		return "critical"
	case severity == 3:
		return "error"
	case severity == 4:
		return "warn"
	case severity <= 6:
		return "info"
	default:
		return "debug"
	}
}

var facilityNames = []string{
	"kern", "user", "mail", "daemon", "auth", "syslog", "lpr", "news",
	"uucp", "cron", "auth", "ftp",
}

// syslogFacilityName names facility f; authpriv folds into auth, the
// local0..local7 block keeps its numbering, and reserved slots fall back
// to a numeric name.
func syslogFacilityName(f int) string {
	switch {
	case f >= 0 && f < len(facilityNames):
		return facilityNames[f]
	case f >= 16 && f <= 23:
		return "local" + strconv.Itoa(f-16)
	default:
		return "facility" + strconv.Itoa(f)
	}
}
