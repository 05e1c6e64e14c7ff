package rules

import (
	"sort"
	"time"

	"github.com/loghive/loghive/pkg/models"
)

// Tumbling window bucket width for alert counting.
const bucketSeconds = 10

// maxMatchedIDs caps the event ids carried on one firing so a wide window
// over a hot rule cannot balloon the history rows. The count stays exact.
const maxMatchedIDs = 500

type windowBucket struct {
	count int64
	ids   []int64
}

// alertState is one rule's evaluation state: the compiled query, the
// bucketed window counter, and the cooldown clock. Owned by the engine
// goroutine.
type alertState struct {
	rule          models.AlertRule
	matcher       *Matcher
	buckets       map[int64]*windowBucket
	cooldownUntil time.Time
}

func newAlertState(rule models.AlertRule) (*alertState, error) {
	m, err := Compile(rule.Query)
	if err != nil {
		return nil, err
	}
	return &alertState{
		rule:    rule,
		matcher: m,
		buckets: make(map[int64]*windowBucket),
	}, nil
}

// observe counts ev into its tumbling bucket when the query matches.
func (s *alertState) observe(ev *models.LogEvent) {
	if !s.matcher.Match(ev) {
		return
	}
	b := ev.IngestTime.Unix() / bucketSeconds
	wb := s.buckets[b]
	if wb == nil {
		wb = &windowBucket{}
		s.buckets[b] = wb
	}
	wb.count++
	if len(wb.ids) < maxMatchedIDs {
		wb.ids = append(wb.ids, ev.ID)
	}
}

// windowCount sums the buckets inside [now-window, now], pruning older
// ones as a side effect.
func (s *alertState) windowCount(now time.Time) (int64, []int64, time.Time) {
	start := now.Add(-time.Duration(s.rule.WindowSeconds) * time.Second)
	horizon := start.Unix() / bucketSeconds

	var count int64
	var ids []int64
	for b, wb := range s.buckets {
		if b < horizon {
			delete(s.buckets, b)
			continue
		}
		count += wb.count
		ids = append(ids, wb.ids...)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > maxMatchedIDs {
		ids = ids[:maxMatchedIDs]
	}
	return count, ids, start
}

// evaluate runs the state machine at instant now and returns a firing
// when the rule transitions into Firing. The transition into Cooldown is
// immediate, so Firing itself is never observable between calls.
func (s *alertState) evaluate(now time.Time) *models.AlertFiring {
	if !s.cooldownUntil.IsZero() {
		if now.Before(s.cooldownUntil) {
			return nil
		}
		// Cooldown over: re-evaluate; still over threshold refires,
		// otherwise the rule re-arms.
		s.cooldownUntil = time.Time{}
	}

	count, ids, start := s.windowCount(now)
	if !s.rule.Comparator.Apply(count, s.rule.Threshold) {
		return nil
	}

	s.cooldownUntil = now.Add(time.Duration(s.rule.CooldownSeconds) * time.Second)
	return &models.AlertFiring{
		RuleID:      s.rule.ID,
		RuleName:    s.rule.Name,
		Severity:    s.rule.Severity,
		Count:       count,
		MatchedIDs:  ids,
		WindowStart: start,
		WindowEnd:   now,
		FiredAt:     now,
	}
}
