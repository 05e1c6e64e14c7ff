// Package metrics defines the Prometheus instruments for every subsystem.
// A single Metrics value is constructed at startup and handed to each task;
// nothing registers against a global registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "loghive"

// Metrics holds the instruments shared across the pipeline, engines, and
// servers.
type Metrics struct {
	registry *prometheus.Registry

	// Ingest.
	IngestReceived    *prometheus.CounterVec
	IngestParseErrors *prometheus.CounterVec
	IngestOversize    *prometheus.CounterVec
	Deduplicated      prometheus.Counter

	// Queue.
	QueueDepth   prometheus.Gauge
	DropsByLevel *prometheus.CounterVec

	// Writer.
	WriteLatency  prometheus.Histogram
	BatchSize     prometheus.Histogram
	EventsWritten *prometheus.CounterVec
	BytesWritten  *prometheus.CounterVec
	WriteFailures prometheus.Counter

	// Retry queue.
	RetryReplayed    prometheus.Counter
	RetryQuarantined prometheus.Counter

	// Stream hub.
	StreamClients  prometheus.Gauge
	StreamEvicted  prometheus.Counter
	StreamLagDrops prometheus.Counter

	// Rule engine.
	AlertsFired        *prometheus.CounterVec
	CorrelationMatches prometheus.Counter
	CorrelationEvicted prometheus.Counter
	AnomaliesFlagged   prometheus.Counter

	// Search.
	SearchQueries *prometheus.CounterVec
	SearchLatency prometheus.Histogram

	// Retention and backups.
	RetentionDeleted prometheus.Counter
	BackupDuration   prometheus.Histogram
}

// New builds the full instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,

		IngestReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "received_total",
			Help: "Raw frames received, per protocol.",
		}, []string{"protocol"}),
		IngestParseErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "parse_errors_total",
			Help: "Frames that failed to parse, per protocol and reason.",
		}, []string{"protocol", "reason"}),
		IngestOversize: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "oversize_total",
			Help: "Frames rejected for exceeding size limits, per protocol.",
		}, []string{"protocol"}),
		Deduplicated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "deduplicated_total",
			Help: "Events discarded by the (dedup_key, minute) constraint.",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "queue", Name: "depth",
			Help: "Events currently buffered in the ingest queue.",
		}),
		DropsByLevel: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "queue", Name: "drops_total",
			Help: "Events dropped on overflow, per level.",
		}, []string{"level"}),

		WriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "write_latency_ms",
			Help:    "Per-batch transaction latency in milliseconds.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "writer", Name: "batch_size",
			Help:    "Events per committed batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),
		EventsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "events_total",
			Help: "Events committed, per source.",
		}, []string{"source"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "bytes_total",
			Help: "Message bytes committed, per source.",
		}, []string{"source"}),
		WriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "writer", Name: "failures_total",
			Help: "Batch transactions that failed and went to the retry queue.",
		}),

		RetryReplayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retry", Name: "replayed_total",
			Help: "Failed batches replayed successfully.",
		}),
		RetryQuarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retry", Name: "quarantined_total",
			Help: "Failed batches marked terminal after exhausting attempts.",
		}),

		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "stream", Name: "clients",
			Help: "Connected websocket clients.",
		}),
		StreamEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "evicted_total",
			Help: "Clients terminated to enforce the connection cap.",
		}),
		StreamLagDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "stream", Name: "lag_drops_total",
			Help: "Messages dropped for slow clients.",
		}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "alerts_fired_total",
			Help: "Alert rule firings, per severity.",
		}, []string{"severity"}),
		CorrelationMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "correlation_matches_total",
			Help: "Correlation sequences completed.",
		}),
		CorrelationEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "correlation_evicted_total",
			Help: "Open sequences evicted by the per-pattern cap.",
		}),
		AnomaliesFlagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rules", Name: "anomalies_flagged_total",
			Help: "Anomaly flags raised.",
		}),

		SearchQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "search", Name: "queries_total",
			Help: "Search executions, per plan.",
		}, []string{"plan"}),
		SearchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "search", Name: "latency_seconds",
			Help:    "Search latency.",
			Buckets: prometheus.DefBuckets,
		}),

		RetentionDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "retention", Name: "deleted_total",
			Help: "Events deleted by retention policies.",
		}),
		BackupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "retention", Name: "backup_duration_seconds",
			Help:    "Snapshot plus verification duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}),
	}

	reg.MustRegister(
		m.IngestReceived, m.IngestParseErrors, m.IngestOversize, m.Deduplicated,
		m.QueueDepth, m.DropsByLevel,
		m.WriteLatency, m.BatchSize, m.EventsWritten, m.BytesWritten, m.WriteFailures,
		m.RetryReplayed, m.RetryQuarantined,
		m.StreamClients, m.StreamEvicted, m.StreamLagDrops,
		m.AlertsFired, m.CorrelationMatches, m.CorrelationEvicted, m.AnomaliesFlagged,
		m.SearchQueries, m.SearchLatency,
		m.RetentionDeleted, m.BackupDuration,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
