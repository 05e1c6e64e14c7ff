package rules

import (
	"context"
	"log/slog"
	"time"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/pkg/pipeline"
	"github.com/loghive/loghive/pkg/services"
)

// Engine subscribes to committed batches and turns rule hits into
// persisted firings, system events, and stream notices.
type Engine struct {
	cfg    *config.RulesConfig
	rules  *services.RuleService
	system *services.SystemEventService
	hub    *pipeline.Hub
	met    *metrics.Metrics
	notify pipeline.TaskNotify

	alerts     map[int64]*alertState
	correlator *correlator
	anomalies  *detector

	reload chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(
	cfg *config.RulesConfig,
	rules *services.RuleService,
	system *services.SystemEventService,
	hub *pipeline.Hub,
	met *metrics.Metrics,
	notify pipeline.TaskNotify,
) *Engine {
	return &Engine{
		cfg:        cfg,
		rules:      rules,
		system:     system,
		hub:        hub,
		met:        met,
		notify:     notify,
		alerts:     make(map[int64]*alertState),
		correlator: newCorrelator(cfg.MaxOpenSequences, met),
		anomalies:  newDetector(cfg, met),
		reload:     make(chan struct{}, 1),
	}
}

func (e *Engine) Start(ctx context.Context) {
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})

	events := e.hub.SubscribeEvents("rule_engine", 256)
	go func() {
		defer close(e.done)
		pipeline.RunSupervised(ctx, "rule_engine", e.notify, func(ctx context.Context) {
			e.run(ctx, events)
		})
	}()
	slog.Info("Rule engine started", "eval_interval", e.cfg.EvalInterval)
}

func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	slog.Info("Rule engine stopped")
}

// Reload nudges the engine to re-read rule and pattern definitions
// before the next tick. Safe to call from HTTP handlers.
func (e *Engine) Reload() {
	select {
	case e.reload <- struct{}{}:
	default:
	}
}

// Anomalies reports the current per-(source, level) model states.
func (e *Engine) Anomalies() []models.AnomalySnapshot {
	return e.anomalies.Snapshots()
}

func (e *Engine) run(ctx context.Context, events <-chan []models.LogEvent) {
	e.reloadDefinitions(ctx)

	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-events:
			e.observeBatch(ctx, batch)
		case <-e.reload:
			e.reloadDefinitions(ctx)
		case <-ticker.C:
			now := time.Now()
			e.reloadDefinitions(ctx)
			e.evaluateAlerts(ctx, now)
			e.correlator.sweep(now)
			for _, flag := range e.anomalies.tick(now) {
				e.emitAnomaly(ctx, flag)
			}
		}
	}
}

// observeBatch feeds one committed batch through all three evaluators.
// Alerts are re-evaluated immediately at the batch's newest ingest time
// so a burst fires without waiting for the next tick.
func (e *Engine) observeBatch(ctx context.Context, batch []models.LogEvent) {
	var latest time.Time
	for i := range batch {
		ev := &batch[i]
		if ev.IngestTime.After(latest) {
			latest = ev.IngestTime
		}
		for _, st := range e.alerts {
			st.observe(ev)
		}
		for _, match := range e.correlator.process(ev) {
			e.emitCorrelation(ctx, match)
		}
		for _, flag := range e.anomalies.observe(ev) {
			e.emitAnomaly(ctx, flag)
		}
	}
	e.evaluateAlerts(ctx, latest)
}

func (e *Engine) evaluateAlerts(ctx context.Context, now time.Time) {
	if now.IsZero() {
		return
	}
	for _, st := range e.alerts {
		if f := st.evaluate(now); f != nil {
			e.fire(ctx, *f)
		}
	}
}

func (e *Engine) fire(ctx context.Context, f models.AlertFiring) {
	recorded, err := e.rules.RecordFiring(ctx, f)
	if err != nil {
		slog.Error("Failed to persist alert firing", "rule", f.RuleName, "error", err)
		recorded = f
	}
	e.met.AlertsFired.WithLabelValues(string(recorded.Severity)).Inc()
	e.system.Append(services.SystemEventAlertFired, pipeline.ChannelAlerts, recorded)
	e.hub.PublishNotice(pipeline.Notice{
		Event:   services.SystemEventAlertFired,
		Channel: pipeline.ChannelAlerts,
		Payload: recorded,
	})
	slog.Info("Alert rule fired",
		"rule", recorded.RuleName,
		"severity", recorded.Severity,
		"count", recorded.Count)
}

func (e *Engine) emitCorrelation(ctx context.Context, match CorrelationMatch) {
	e.system.Append(services.SystemEventCorrelationMatch, pipeline.ChannelAlerts, match)
	e.hub.PublishNotice(pipeline.Notice{
		Event:   services.SystemEventCorrelationMatch,
		Channel: pipeline.ChannelAlerts,
		Payload: match,
	})
	slog.Info("Correlation pattern completed",
		"pattern", match.PatternName,
		"group", match.GroupValue)
}

func (e *Engine) emitAnomaly(ctx context.Context, flag AnomalyFlag) {
	e.system.Append(services.SystemEventAnomalyFlagged, pipeline.ChannelAlerts, flag)
	e.hub.PublishNotice(pipeline.Notice{
		Event:   services.SystemEventAnomalyFlagged,
		Channel: pipeline.ChannelAlerts,
		Payload: flag,
	})
	slog.Warn("Anomalous event rate",
		"source", flag.Source,
		"level", flag.Level,
		"count", flag.Count,
		"z", flag.Z)
}

// reloadDefinitions re-reads enabled rules and patterns. States whose
// definition is unchanged (same updated_at) keep their window and
// cooldown; edited ones start over armed.
func (e *Engine) reloadDefinitions(ctx context.Context) {
	defs, err := e.rules.ListEnabledRules(ctx)
	if err != nil {
		slog.Error("Failed to load alert rules", "error", err)
	} else {
		next := make(map[int64]*alertState, len(defs))
		for _, r := range defs {
			if prev, ok := e.alerts[r.ID]; ok && prev.rule.UpdatedAt.Equal(r.UpdatedAt) {
				next[r.ID] = prev
				continue
			}
			st, err := newAlertState(r)
			if err != nil {
				slog.Error("Skipping alert rule with bad query", "rule", r.Name, "error", err)
				continue
			}
			next[r.ID] = st
		}
		e.alerts = next
	}

	patterns, err := e.rules.ListPatterns(ctx, true)
	if err != nil {
		slog.Error("Failed to load correlation patterns", "error", err)
		return
	}
	e.correlator.setPatterns(patterns)
}
