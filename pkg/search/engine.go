// Package search executes FilterSpec queries against the event store. A
// planner picks between the time index, the full-text index, and bounded
// scans with in-process regex verification.
package search

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/database"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// csvTimeLayout renders stored millisecond timestamps, always UTC.
const csvTimeLayout = "2006-01-02T15:04:05.000Z"

// Engine runs searches, facets, and exports over the read pool.
type Engine struct {
	client *database.Client
	cfg    *config.SearchConfig
	met    *metrics.Metrics
}

func NewEngine(client *database.Client, cfg *config.SearchConfig, met *metrics.Metrics) *Engine {
	return &Engine{client: client, cfg: cfg, met: met}
}

// Page is one search result page. Cursor is present while more rows may
// exist; Warning reports capped regex scans.
type Page struct {
	Rows    []models.LogEvent `json:"rows"`
	Cursor  string            `json:"cursor,omitempty"`
	Warning string            `json:"warning,omitempty"`
}

// FacetBucket is one value count within a facet field.
type FacetBucket struct {
	Value string `json:"value" db:"value"`
	Count int64  `json:"count" db:"count"`
}

var facetColumns = map[string]string{
	"level":    "level",
	"source":   "source",
	"category": "category",
}

// orderColumn is the ordering (and cursor) column. Time-range bounds always
// apply to event time regardless.
func (e *Engine) orderColumn() string {
	if e.cfg.OrderByIngest {
		return "ingest_time"
	}
	return "timestamp"
}

func (e *Engine) ordValue(r eventRow) int64 {
	if e.cfg.OrderByIngest {
		return r.IngestTime
	}
	return r.Timestamp
}

// Search returns one page ordered by (order column DESC, id DESC).
func (e *Engine) Search(ctx context.Context, spec FilterSpec) (*Page, error) {
	f, err := spec.compile(e.cfg.PageLimit)
	if err != nil {
		return nil, err
	}
	p, err := buildPlan(f, e.cfg.RegexScanCap)
	if err != nil {
		return nil, err
	}
	var cur *cursor
	if f.cursor != "" {
		c, err := decodeCursor(f.cursor)
		if err != nil {
			return nil, err
		}
		cur = &c
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		e.met.SearchQueries.WithLabelValues(string(p.kind)).Inc()
		e.met.SearchLatency.Observe(time.Since(start).Seconds())
	}()

	if p.kind == planRegex {
		return e.searchRegex(ctx, f, p, cur)
	}

	rows, err := e.fetchRows(ctx, f, p, cur, f.limit)
	if err != nil {
		return nil, e.mapErr(ctx, err)
	}

	page := &Page{Rows: make([]models.LogEvent, 0, len(rows))}
	for _, r := range rows {
		page.Rows = append(page.Rows, r.model())
	}
	if len(rows) == f.limit {
		last := rows[len(rows)-1]
		page.Cursor = encodeCursor(e.ordValue(last), last.ID)
	}
	return page, nil
}

// searchRegex walks candidates in chunks and verifies in process. The
// page cursor always points at the last examined position, so a capped
// page can be continued.
func (e *Engine) searchRegex(ctx context.Context, f *filter, p *plan, cur *cursor) (*Page, error) {
	page := &Page{Rows: make([]models.LogEvent, 0, min(f.limit, 64)), Warning: p.warning}
	chunk := max(f.limit, 256)

	scanned := 0
	pos := cur
	for {
		rows, err := e.fetchRows(ctx, f, p, pos, chunk)
		if err != nil {
			return nil, e.mapErr(ctx, err)
		}
		if len(rows) == 0 {
			return page, nil
		}

		var last *eventRow
		for i := range rows {
			r := rows[i]
			if p.scanCap > 0 && scanned >= p.scanCap {
				if last != nil {
					page.Cursor = encodeCursor(e.ordValue(*last), last.ID)
				} else if pos != nil {
					page.Cursor = encodeCursor(pos.T, pos.I)
				}
				return page, nil
			}
			scanned++
			if p.re.MatchString(r.Message) {
				page.Rows = append(page.Rows, r.model())
				if len(page.Rows) == f.limit {
					page.Cursor = encodeCursor(e.ordValue(r), r.ID)
					return page, nil
				}
			}
			last = &rows[i]
		}

		pos = &cursor{T: e.ordValue(*last), I: last.ID}
		if len(rows) < chunk {
			return page, nil
		}
	}
}

// Facets returns top-100 value counts for the requested fields under the
// same filter. Empty fields means all three.
func (e *Engine) Facets(ctx context.Context, spec FilterSpec, fields []string) (map[string][]FacetBucket, error) {
	if len(fields) == 0 {
		fields = []string{"level", "source", "category"}
	}
	for _, field := range fields {
		if _, ok := facetColumns[field]; !ok {
			return nil, fmt.Errorf("%w: facet field %q", ErrBadFilter, field)
		}
	}

	f, err := spec.compile(e.cfg.PageLimit)
	if err != nil {
		return nil, err
	}
	f.cursor = ""
	p, err := buildPlan(f, e.cfg.RegexScanCap)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()

	if p.kind == planRegex {
		return e.facetsRegex(ctx, f, p, fields)
	}

	out := make(map[string][]FacetBucket, len(fields))
	for _, field := range fields {
		col := facetColumns[field]
		conds, args := e.buildConds(f, p, nil)
		q := "SELECT " + col + " AS value, COUNT(*) AS count FROM log_events"
		if conds != "" {
			q += " WHERE " + conds
		}
		q += " GROUP BY " + col + " ORDER BY count DESC, value LIMIT 100"

		var buckets []FacetBucket
		if err := e.client.Reader().SelectContext(ctx, &buckets, q, args...); err != nil {
			return nil, e.mapErr(ctx, err)
		}
		out[field] = buckets
	}
	return out, nil
}

// facetsRegex aggregates in process over at most RegexScanCap verified
// candidates.
func (e *Engine) facetsRegex(ctx context.Context, f *filter, p *plan, fields []string) (map[string][]FacetBucket, error) {
	counts := make(map[string]map[string]int64, len(fields))
	for _, field := range fields {
		counts[field] = make(map[string]int64)
	}

	scanned := 0
	var pos *cursor
	for scanned < e.cfg.RegexScanCap {
		chunk := min(1000, e.cfg.RegexScanCap-scanned)
		rows, err := e.fetchRows(ctx, f, p, pos, chunk)
		if err != nil {
			return nil, e.mapErr(ctx, err)
		}
		if len(rows) == 0 {
			break
		}
		for _, r := range rows {
			scanned++
			if !p.re.MatchString(r.Message) {
				continue
			}
			for _, field := range fields {
				switch field {
				case "level":
					counts[field][r.Level]++
				case "source":
					counts[field][r.Source]++
				case "category":
					counts[field][r.Category]++
				}
			}
		}
		last := rows[len(rows)-1]
		pos = &cursor{T: e.ordValue(last), I: last.ID}
		if len(rows) < chunk {
			break
		}
	}

	out := make(map[string][]FacetBucket, len(fields))
	for field, values := range counts {
		buckets := make([]FacetBucket, 0, len(values))
		for v, c := range values {
			buckets = append(buckets, FacetBucket{Value: v, Count: c})
		}
		sort.Slice(buckets, func(i, j int) bool {
			if buckets[i].Count != buckets[j].Count {
				return buckets[i].Count > buckets[j].Count
			}
			return buckets[i].Value < buckets[j].Value
		})
		if len(buckets) > 100 {
			buckets = buckets[:100]
		}
		out[field] = buckets
	}
	return out, nil
}

// Export streams matching rows as CSV in one statement. On deadline the
// partial output is flushed and ErrTimeout returned.
func (e *Engine) Export(ctx context.Context, spec FilterSpec, w io.Writer) error {
	f, err := spec.compile(e.cfg.PageLimit)
	if err != nil {
		return err
	}
	p, err := buildPlan(f, e.cfg.RegexScanCap)
	if err != nil {
		return err
	}
	var cur *cursor
	if f.cursor != "" {
		c, err := decodeCursor(f.cursor)
		if err != nil {
			return err
		}
		cur = &c
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.ExportTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		e.met.SearchQueries.WithLabelValues("export").Inc()
		e.met.SearchLatency.Observe(time.Since(start).Seconds())
	}()

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "level", "source", "category", "message"}); err != nil {
		return err
	}

	conds, args := e.buildConds(f, p, cur)
	q := "SELECT " + eventColumns + " FROM log_events"
	if conds != "" {
		q += " WHERE " + conds
	}
	q += " ORDER BY " + e.orderColumn() + " DESC, id DESC"

	rows, err := e.client.Reader().QueryxContext(ctx, q, args...)
	if err != nil {
		return e.mapErr(ctx, err)
	}
	defer func() { _ = rows.Close() }()

	scanned := 0
	for rows.Next() {
		var r eventRow
		if err := rows.StructScan(&r); err != nil {
			cw.Flush()
			return err
		}
		if p.scanCap > 0 {
			scanned++
			if scanned > p.scanCap {
				break
			}
		}
		if p.re != nil && !p.re.MatchString(r.Message) {
			continue
		}
		rec := []string{
			models.FromMillis(r.Timestamp).Format(csvTimeLayout),
			r.Level, r.Source, r.Category, r.Message,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		cw.Flush()
		return e.mapErr(ctx, err)
	}
	cw.Flush()
	return cw.Error()
}

// fetchRows runs one SQL page.
func (e *Engine) fetchRows(ctx context.Context, f *filter, p *plan, cur *cursor, limit int) ([]eventRow, error) {
	conds, args := e.buildConds(f, p, cur)
	q := "SELECT " + eventColumns + " FROM log_events"
	if conds != "" {
		q += " WHERE " + conds
	}
	ord := e.orderColumn()
	q += " ORDER BY " + ord + " DESC, id DESC LIMIT ?"
	args = append(args, limit)

	var rows []eventRow
	if err := e.client.Reader().SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}

// buildConds assembles the SQL-expressible conditions. Regex verification
// stays in process; everything else lands here.
func (e *Engine) buildConds(f *filter, p *plan, cur *cursor) (string, []any) {
	var conds []string
	var args []any

	if f.timeFrom != nil {
		conds = append(conds, "timestamp >= ?")
		args = append(args, models.ToMillis(*f.timeFrom))
	}
	if f.timeTo != nil {
		conds = append(conds, "timestamp <= ?")
		args = append(args, models.ToMillis(*f.timeTo))
	}
	if len(f.levels) > 0 {
		conds = append(conds, inClause("level", f.levels, &args))
	}
	if len(f.sources) > 0 {
		conds = append(conds, inClause("source", f.sources, &args))
	}
	if len(f.categories) > 0 {
		conds = append(conds, inClause("category", f.categories, &args))
	}

	if p.ftsMatch != "" {
		conds = append(conds, "id IN (SELECT rowid FROM log_events_fts WHERE log_events_fts MATCH ?)")
		args = append(args, p.ftsMatch)
	}
	switch p.kind {
	case planFTS:
		if f.caseSensitive {
			conds = append(conds, "instr(message, ?) > 0")
			args = append(args, p.needle)
		}
	case planScan:
		if f.caseSensitive {
			conds = append(conds, "instr(message, ?) > 0")
			args = append(args, p.needle)
		} else {
			conds = append(conds, `message LIKE ? ESCAPE '\'`)
			args = append(args, likePattern(p.needle))
		}
	}

	if cur != nil {
		ord := e.orderColumn()
		conds = append(conds, "("+ord+" < ? OR ("+ord+" = ? AND id < ?))")
		args = append(args, cur.T, cur.T, cur.I)
	}
	return strings.Join(conds, " AND "), args
}

func inClause(col string, vals []string, args *[]any) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(vals)), ",")
	for _, v := range vals {
		*args = append(*args, v)
	}
	return col + " IN (" + placeholders + ")"
}

// mapErr folds driver-level deadline errors into ErrTimeout.
func (e *Engine) mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: deadline exceeded", ErrTimeout)
	}
	return err
}
