package rules

import (
	"container/list"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// CorrelationMatch is the record emitted when a sequence completes. It is
// the payload persisted to system_events and streamed on the alerts
// channel.
type CorrelationMatch struct {
	PatternID   int64     `json:"pattern_id"`
	PatternName string    `json:"pattern_name"`
	GroupBy     string    `json:"group_by"`
	GroupValue  string    `json:"group_value"`
	MatchedIDs  []int64   `json:"matched_ids"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

type compiledPattern struct {
	def      models.CorrelationPattern
	matchers []*Matcher
	order    *list.List // open instances, oldest at front
}

type groupKey struct {
	patternID int64
	group     string
}

// sequenceState is one open instance waiting on its next stage.
type sequenceState struct {
	key      groupKey
	stage    int
	deadline time.Time
	started  time.Time
	matched  []int64
}

// correlator owns every open sequence. Instances are memory-only; a
// restart starts from an empty table. Owned by the engine goroutine.
type correlator struct {
	maxOpen  int
	met      *metrics.Metrics
	patterns map[int64]*compiledPattern
	open     map[groupKey]*list.Element
}

func newCorrelator(maxOpen int, met *metrics.Metrics) *correlator {
	return &correlator{
		maxOpen:  maxOpen,
		met:      met,
		patterns: make(map[int64]*compiledPattern),
		open:     make(map[groupKey]*list.Element),
	}
}

// setPatterns installs the enabled pattern set. Open instances survive
// for patterns whose definition is unchanged; edited or removed patterns
// drop theirs.
func (c *correlator) setPatterns(patterns []models.CorrelationPattern) {
	next := make(map[int64]*compiledPattern, len(patterns))
	for _, p := range patterns {
		if prev, ok := c.patterns[p.ID]; ok && prev.def.UpdatedAt.Equal(p.UpdatedAt) {
			next[p.ID] = prev
			continue
		}
		cp := &compiledPattern{def: p, order: list.New()}
		bad := false
		for _, stage := range p.Sequence {
			m, err := Compile(stage.Query)
			if err != nil {
				slog.Error("Correlation pattern skipped, stage query does not compile",
					"pattern_id", p.ID, "pattern", p.Name, "error", err)
				bad = true
				break
			}
			cp.matchers = append(cp.matchers, m)
		}
		if !bad {
			next[p.ID] = cp
		}
	}

	// Drop open instances belonging to replaced or removed patterns.
	for id, prev := range c.patterns {
		if next[id] == prev {
			continue
		}
		for el := prev.order.Front(); el != nil; el = el.Next() {
			delete(c.open, el.Value.(*sequenceState).key)
		}
	}
	c.patterns = next
}

// groupValue extracts the pattern's grouping field from ev.
func groupValue(field string, ev *models.LogEvent) string {
	switch field {
	case "source":
		return ev.Source
	case "host":
		return ev.Host
	case "category":
		return ev.Category
	case "peer_ip":
		return ev.PeerIP
	}
	return ""
}

// process advances open sequences with ev and returns completed matches.
func (c *correlator) process(ev *models.LogEvent) []CorrelationMatch {
	var matches []CorrelationMatch
	now := ev.IngestTime

	for id, p := range c.patterns {
		g := groupValue(p.def.GroupBy, ev)
		if g == "" {
			continue
		}
		key := groupKey{patternID: id, group: g}

		if el, ok := c.open[key]; ok {
			st := el.Value.(*sequenceState)
			if now.After(st.deadline) {
				c.remove(p, el, st)
			} else {
				if p.matchers[st.stage].Match(ev) {
					st.matched = append(st.matched, ev.ID)
					st.stage++
					if st.stage == len(p.matchers) {
						matches = append(matches, CorrelationMatch{
							PatternID:   id,
							PatternName: p.def.Name,
							GroupBy:     p.def.GroupBy,
							GroupValue:  g,
							MatchedIDs:  st.matched,
							StartedAt:   st.started,
							CompletedAt: now,
						})
						c.met.CorrelationMatches.Inc()
						c.remove(p, el, st)
					} else {
						st.deadline = now.Add(stageWindow(p, st.stage))
					}
				}
				// An open, unexpired instance is never restarted by a
				// fresh first-stage match.
				continue
			}
		}

		if p.matchers[0].Match(ev) {
			if p.order.Len() >= c.maxOpen {
				oldest := p.order.Front()
				c.remove(p, oldest, oldest.Value.(*sequenceState))
				c.met.CorrelationEvicted.Inc()
			}
			st := &sequenceState{
				key:      key,
				stage:    1,
				deadline: now.Add(stageWindow(p, 1)),
				started:  now,
				matched:  []int64{ev.ID},
			}
			c.open[key] = p.order.PushBack(st)
		}
	}
	return matches
}

// sweep drops every instance whose current-stage window has expired.
func (c *correlator) sweep(now time.Time) {
	for _, p := range c.patterns {
		var next *list.Element
		for el := p.order.Front(); el != nil; el = next {
			next = el.Next()
			st := el.Value.(*sequenceState)
			if now.After(st.deadline) {
				c.remove(p, el, st)
			}
		}
	}
}

func (c *correlator) remove(p *compiledPattern, el *list.Element, st *sequenceState) {
	p.order.Remove(el)
	delete(c.open, st.key)
}

// openCount reports open instances across all patterns, for status.
func (c *correlator) openCount() int {
	return len(c.open)
}

func stageWindow(p *compiledPattern, stage int) time.Duration {
	return time.Duration(p.def.Sequence[stage].WithinSeconds) * time.Second
}
