package search

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/loghive/loghive/pkg/models"
)

// Text match kinds.
const (
	MatchSubstring = "substring"
	MatchRegex     = "regex"
)

// FilterSpec is the neutral query object shared by search, facets, export,
// and saved searches. Set members OR within a field and AND across fields.
type FilterSpec struct {
	Text          string   `json:"text,omitempty"`
	TextMatch     string   `json:"text_match,omitempty"`
	CaseSensitive bool     `json:"case_sensitive,omitempty"`
	Levels        []string `json:"levels,omitempty"`
	Sources       []string `json:"sources,omitempty"`
	Categories    []string `json:"categories,omitempty"`
	TimeFrom      string   `json:"time_from,omitempty"`
	TimeTo        string   `json:"time_to,omitempty"`
	Limit         int      `json:"limit,omitempty"`
	Cursor        string   `json:"cursor,omitempty"`
}

// filter is the validated, typed form the engine executes.
type filter struct {
	text          string
	textMatch     string
	caseSensitive bool
	levels        []string
	sources       []string
	categories    []string
	timeFrom      *time.Time
	timeTo        *time.Time
	limit         int
	cursor        string
}

// ParseQuery reads a FilterSpec from URL query parameters. List fields
// accept repeats and comma separation.
func ParseQuery(values url.Values) FilterSpec {
	spec := FilterSpec{
		Text:          values.Get("text"),
		TextMatch:     values.Get("text_match"),
		CaseSensitive: parseBool(values.Get("case_sensitive")),
		Levels:        splitMulti(values["levels"]),
		Sources:       splitMulti(values["sources"]),
		Categories:    splitMulti(values["categories"]),
		TimeFrom:      values.Get("time_from"),
		TimeTo:        values.Get("time_to"),
		Cursor:        values.Get("cursor"),
	}
	if v := values.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			spec.Limit = n
		}
	}
	return spec
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func splitMulti(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// compile validates a FilterSpec into its executable form. maxLimit caps
// page size.
func (s FilterSpec) compile(maxLimit int) (*filter, error) {
	f := &filter{
		text:          s.Text,
		textMatch:     s.TextMatch,
		caseSensitive: s.CaseSensitive,
		sources:       trimSet(s.Sources),
		categories:    trimSet(s.Categories),
		limit:         s.Limit,
		cursor:        s.Cursor,
	}

	if f.text != "" && f.textMatch == "" {
		f.textMatch = MatchSubstring
	}
	switch f.textMatch {
	case "", MatchSubstring, MatchRegex:
	default:
		return nil, fmt.Errorf("%w: text_match must be substring or regex", ErrBadFilter)
	}

	for _, raw := range s.Levels {
		level, ok := models.ParseLevel(raw)
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrBadLevel, raw)
		}
		f.levels = append(f.levels, string(level))
	}

	var err error
	if f.timeFrom, err = parseTime(s.TimeFrom); err != nil {
		return nil, fmt.Errorf("%w: time_from: %v", ErrBadFilter, err)
	}
	if f.timeTo, err = parseTime(s.TimeTo); err != nil {
		return nil, fmt.Errorf("%w: time_to: %v", ErrBadFilter, err)
	}
	if f.timeFrom != nil && f.timeTo != nil && f.timeTo.Before(*f.timeFrom) {
		return nil, fmt.Errorf("%w: time_to precedes time_from", ErrBadFilter)
	}

	if f.limit <= 0 || f.limit > maxLimit {
		f.limit = maxLimit
	}
	return f, nil
}

func trimSet(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// parseTime accepts RFC 3339 or Unix milliseconds.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return &t, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := models.FromMillis(ms)
		return &t, nil
	}
	return nil, fmt.Errorf("want RFC 3339 or unix milliseconds, got %q", s)
}
