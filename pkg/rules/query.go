// Package rules evaluates alert rules, correlation patterns, and the
// anomaly detector over the post-commit event stream.
package rules

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loghive/loghive/pkg/models"
)

// ErrBadQuery marks a rule query that does not compile.
var ErrBadQuery = errors.New("invalid rule query")

// Matcher is a compiled rule query: whitespace-separated field=value
// terms, AND across fields, OR across repeated fields. Values may be
// double-quoted; all fields except message accept glob syntax. message
// matches as a case-insensitive substring.
//
//	level=error source=nginx-*
//	message="connection refused" category=web
type Matcher struct {
	terms map[string][]string
}

var queryFields = map[string]bool{
	"level":    true,
	"source":   true,
	"category": true,
	"host":     true,
	"peer_ip":  true,
	"tag":      true,
	"message":  true,
}

// Compile parses query into a Matcher. Errors wrap ErrBadQuery.
func Compile(query string) (*Matcher, error) {
	parts, err := splitTerms(query)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: empty query", ErrBadQuery)
	}

	m := &Matcher{terms: make(map[string][]string)}
	for _, part := range parts {
		field, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: term %q is not field=value", ErrBadQuery, part)
		}
		field = strings.ToLower(strings.TrimSpace(field))
		if !queryFields[field] {
			return nil, fmt.Errorf("%w: unknown field %q", ErrBadQuery, field)
		}
		if value == "" {
			return nil, fmt.Errorf("%w: field %q has no value", ErrBadQuery, field)
		}
		switch field {
		case "level":
			lvl, ok := models.ParseLevel(value)
			if !ok {
				return nil, fmt.Errorf("%w: unknown level %q", ErrBadQuery, value)
			}
			value = string(lvl)
		case "message":
			// Substring match, no pattern to validate.
		default:
			if !doublestar.ValidatePattern(value) {
				return nil, fmt.Errorf("%w: bad pattern %q for field %q", ErrBadQuery, value, field)
			}
		}
		m.terms[field] = append(m.terms[field], value)
	}
	return m, nil
}

// Validate reports whether query compiles. RuleService installs this as
// its QueryValidator.
func Validate(query string) error {
	_, err := Compile(query)
	return err
}

// splitTerms cuts query on whitespace, honoring double quotes. Quotes are
// stripped; an unterminated quote is an error.
func splitTerms(query string) ([]string, error) {
	var terms []string
	var b strings.Builder
	inQuote := false
	for _, r := range query {
		switch {
		case r == '"':
			inQuote = !inQuote
		case unicode.IsSpace(r) && !inQuote:
			if b.Len() > 0 {
				terms = append(terms, b.String())
				b.Reset()
			}
		default:
			b.WriteRune(r)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrBadQuery)
	}
	if b.Len() > 0 {
		terms = append(terms, b.String())
	}
	return terms, nil
}

// Match reports whether ev satisfies every term.
func (m *Matcher) Match(ev *models.LogEvent) bool {
	for field, values := range m.terms {
		if !matchField(ev, field, values) {
			return false
		}
	}
	return true
}

func matchField(ev *models.LogEvent, field string, values []string) bool {
	switch field {
	case "level":
		for _, v := range values {
			if string(ev.Level) == v {
				return true
			}
		}
	case "source":
		return matchGlobAny(values, ev.Source)
	case "category":
		return matchGlobAny(values, ev.Category)
	case "host":
		return matchGlobAny(values, ev.Host)
	case "peer_ip":
		return matchGlobAny(values, ev.PeerIP)
	case "tag":
		for _, tag := range ev.Tags {
			if matchGlobAny(values, tag) {
				return true
			}
		}
	case "message":
		msg := strings.ToLower(ev.Message)
		for _, v := range values {
			if strings.Contains(msg, strings.ToLower(v)) {
				return true
			}
		}
	}
	return false
}

func matchGlobAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, err := doublestar.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
