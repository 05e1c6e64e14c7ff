package rules

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// AnomalyFlag is the record emitted when a (source, level) rate turns
// anomalous.
type AnomalyFlag struct {
	Source string       `json:"source"`
	Level  models.Level `json:"level"`
	Bucket time.Time    `json:"bucket"`
	Count  int64        `json:"count"`
	Mean   float64      `json:"mean"`
	StdDev float64      `json:"std_dev"`
	Z      float64      `json:"z"`
}

// Model warmup and bounds. A model flags nothing until it has digested a
// few complete minutes; the std-dev floor keeps near-constant rates from
// flagging on single-event jitter.
const (
	anomalyWarmupBuckets = 5
	anomalyStdDevFloor   = 1.0
	maxAnomalyKeys       = 10000
	maxCatchUpMinutes    = 120
)

type anomalyKey struct {
	source string
	level  models.Level
}

// anomalyModel tracks one (source, level) rate with an exponentially
// weighted mean and variance over one-minute buckets.
type anomalyModel struct {
	mean     float64
	variance float64
	buckets  int // completed buckets folded in

	bucket    int64 // current open minute
	count     int64 // events in the open minute
	lastCount int64 // count of the last completed minute

	streak      int
	flagged     bool
	lastUpdate  time.Time
	lastFlagged time.Time
}

// detector owns every anomaly model. The mutex exists for API snapshot
// reads; all mutation happens on the engine goroutine.
type detector struct {
	cfg *config.RulesConfig
	met *metrics.Metrics

	mu     sync.Mutex
	models map[anomalyKey]*anomalyModel
}

func newDetector(cfg *config.RulesConfig, met *metrics.Metrics) *detector {
	return &detector{
		cfg:    cfg,
		met:    met,
		models: make(map[anomalyKey]*anomalyModel),
	}
}

// observe counts ev into its minute bucket, first rolling the model
// forward over any completed minutes. Completed minutes may flag.
func (d *detector) observe(ev *models.LogEvent) []AnomalyFlag {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := anomalyKey{source: ev.Source, level: ev.Level}
	m := d.models[key]
	if m == nil {
		d.evictIfFull()
		m = &anomalyModel{bucket: models.MinuteBucket(ev.IngestTime)}
		d.models[key] = m
	}

	flags := d.advance(key, m, models.MinuteBucket(ev.IngestTime), ev.IngestTime)
	m.count++
	m.lastUpdate = ev.IngestTime
	return flags
}

// tick rolls every model forward to the current minute so quiet sources
// decay instead of freezing, and stale flags clear.
func (d *detector) tick(now time.Time) []AnomalyFlag {
	d.mu.Lock()
	defer d.mu.Unlock()

	var flags []AnomalyFlag
	target := models.MinuteBucket(now)
	for key, m := range d.models {
		flags = append(flags, d.advance(key, m, target, now)...)
	}
	return flags
}

// advance finalizes minutes [m.bucket, target), folding each completed
// count into the EWMA and checking it for anomaly, then opens target.
func (d *detector) advance(key anomalyKey, m *anomalyModel, target int64, now time.Time) []AnomalyFlag {
	if target <= m.bucket {
		return nil
	}
	if target-m.bucket > maxCatchUpMinutes {
		// A long quiet gap: reset instead of replaying thousands of
		// empty minutes one by one. Warmup runs again so the first
		// minutes back are not scored against a zeroed baseline.
		m.mean = 0
		m.variance = 0
		m.buckets = 0
		m.streak = 0
		m.flagged = false
		m.bucket = target
		m.count = 0
		m.lastCount = 0
		return nil
	}

	var flags []AnomalyFlag
	for m.bucket < target {
		if flag := d.finalize(key, m, now); flag != nil {
			flags = append(flags, *flag)
		}
		m.bucket++
		m.count = 0
	}
	return flags
}

// finalize scores the completed bucket against the model before folding
// it in. Anomalous counts fold winsorized at mean + k*stddev: one spike
// minute must not blow up the variance and mask its own continuation,
// while a sustained legitimate shift still absorbs within tens of
// minutes.
func (d *detector) finalize(key anomalyKey, m *anomalyModel, now time.Time) *AnomalyFlag {
	count := m.count
	m.lastCount = count
	folded := float64(count)

	var flag *AnomalyFlag
	if m.buckets >= anomalyWarmupBuckets {
		stddev := math.Sqrt(m.variance)
		if stddev < anomalyStdDevFloor {
			stddev = anomalyStdDevFloor
		}
		z := (float64(count) - m.mean) / stddev
		if z > d.cfg.AnomalyK {
			if limit := m.mean + d.cfg.AnomalyK*stddev; folded > limit {
				folded = limit
			}
			m.streak++
			if m.streak >= d.cfg.AnomalyConsecutive && now.Sub(m.lastFlagged) >= d.cfg.AnomalyCooldown {
				m.lastFlagged = now
				m.flagged = true
				d.met.AnomaliesFlagged.Inc()
				flag = &AnomalyFlag{
					Source: key.source,
					Level:  key.level,
					Bucket: models.FromMillis(m.bucket * 60000),
					Count:  count,
					Mean:   m.mean,
					StdDev: stddev,
					Z:      z,
				}
			}
		} else {
			m.streak = 0
			m.flagged = false
		}
	}

	// West's recurrence for the exponentially weighted moments.
	alpha := d.cfg.AnomalyAlpha
	delta := folded - m.mean
	m.mean += alpha * delta
	m.variance = (1 - alpha) * (m.variance + alpha*delta*delta)
	m.buckets++
	return flag
}

// evictIfFull drops the stalest model to admit a new key at the cap.
func (d *detector) evictIfFull() {
	if len(d.models) < maxAnomalyKeys {
		return
	}
	var oldestKey anomalyKey
	var oldest time.Time
	first := true
	for key, m := range d.models {
		if first || m.lastUpdate.Before(oldest) {
			oldestKey, oldest = key, m.lastUpdate
			first = false
		}
	}
	delete(d.models, oldestKey)
}

// Snapshots returns the externally visible model states, sorted for
// stable API output.
func (d *detector) Snapshots() []models.AnomalySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.AnomalySnapshot, 0, len(d.models))
	for key, m := range d.models {
		out = append(out, models.AnomalySnapshot{
			Source:      key.source,
			Level:       key.level,
			Mean:        m.mean,
			StdDev:      math.Sqrt(m.variance),
			LastCount:   m.lastCount,
			Flagged:     m.flagged,
			LastUpdate:  m.lastUpdate,
			LastFlagged: m.lastFlagged,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Level < out[j].Level
	})
	return out
}
