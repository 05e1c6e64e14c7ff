package search

import (
	"fmt"
	"regexp"
	"regexp/syntax"
	"strings"
	"unicode"
)

type planKind string

const (
	planIndex planKind = "index"
	planFTS   planKind = "fts"
	planScan  planKind = "scan"
	planRegex planKind = "regex"
)

// plan is the planner's decision for one filter: which access path to take
// and what in-process verification remains.
type plan struct {
	kind planKind

	// ftsMatch, when non-empty, prefilters candidates through the
	// full-text index.
	ftsMatch string

	// needle is the substring for scan and case-sensitive verification.
	needle string

	// re is the compiled pattern verified in process.
	re *regexp.Regexp

	// scanCap bounds examined candidates when the regex has no literal.
	scanCap int

	warning string
}

// buildPlan picks the access path:
//
//  1. no text: walk the time index and filter in SQL.
//  2. substring: full-text prefix match when the needle is a single token,
//     otherwise a bounded LIKE scan.
//  3. regex: extract an obligatory literal token for full-text prefiltering,
//     then verify in process; without a literal the scan is capped.
func buildPlan(f *filter, regexScanCap int) (*plan, error) {
	if f.text == "" {
		return &plan{kind: planIndex}, nil
	}

	if f.textMatch == MatchSubstring {
		if tok := singleToken(f.text); tok != "" {
			return &plan{kind: planFTS, ftsMatch: ftsPrefixQuery(tok), needle: f.text}, nil
		}
		return &plan{kind: planScan, needle: f.text}, nil
	}

	pattern := f.text
	if !f.caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRegex, err)
	}

	p := &plan{kind: planRegex, re: re}
	if tok := longestToken(requiredLiteral(pattern)); tok != "" {
		p.ftsMatch = ftsPrefixQuery(tok)
	} else {
		p.scanCap = regexScanCap
		p.warning = fmt.Sprintf("regex has no literal token; scan capped at %d rows", regexScanCap)
	}
	return p, nil
}

// ftsPrefixQuery quotes a token for FTS5 and appends the prefix operator,
// so continuations inside longer tokens still match.
func ftsPrefixQuery(tok string) string {
	return `"` + tok + `"*`
}

// singleToken returns text when it is one indexable token (letters and
// digits only, at least 3 runes), else "".
func singleToken(text string) string {
	runes := []rune(text)
	if len(runes) < 3 {
		return ""
	}
	for _, r := range runes {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ""
		}
	}
	return text
}

// requiredLiteral parses pattern and returns the longest literal string
// that every match must contain, or "".
func requiredLiteral(pattern string) string {
	re, err := syntax.Parse(pattern, syntax.Perl)
	if err != nil {
		return ""
	}
	return obligatoryLiteral(re.Simplify())
}

// obligatoryLiteral walks alternation-free paths: literals under
// alternation or zero-minimum repetition are optional and contribute
// nothing.
func obligatoryLiteral(re *syntax.Regexp) string {
	switch re.Op {
	case syntax.OpLiteral:
		return string(re.Rune)
	case syntax.OpCapture, syntax.OpPlus:
		return obligatoryLiteral(re.Sub[0])
	case syntax.OpConcat:
		best := ""
		for _, sub := range re.Sub {
			if lit := obligatoryLiteral(sub); len(lit) > len(best) {
				best = lit
			}
		}
		return best
	case syntax.OpRepeat:
		if re.Min >= 1 {
			return obligatoryLiteral(re.Sub[0])
		}
	}
	return ""
}

// longestToken returns the longest run of letters and digits in s with at
// least 3 runes, or "".
func longestToken(s string) string {
	var best, current []rune
	flush := func() {
		if len(current) > len(best) {
			best = current
		}
		current = nil
	}
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			current = append(current, r)
			continue
		}
		flush()
	}
	flush()
	if len(best) < 3 {
		return ""
	}
	return string(best)
}

// likePattern wraps needle for a contains LIKE with escaping.
func likePattern(needle string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(needle)
	return "%" + escaped + "%"
}
