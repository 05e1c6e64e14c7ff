package ingest

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/enrich"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
)

// Sink receives normalized, enriched events. The pipeline queue's Offer
// backs it in production; it must never block.
type Sink func(ev models.LogEvent)

// SystemHook observes ingest-side observability events such as GELF
// reassembly timeouts.
type SystemHook func(kind string, payload any)

// frameBuffer is the shared channel between listeners and the normalizer
// workers. Listeners never block on it: overflow drops the frame and
// counts it.
const frameBuffer = 4096

const normalizerWorkers = 4

// Listener is one protocol server managed by the Manager.
type Listener interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Manager owns every protocol listener, the shared frame channel, and the
// normalizer workers that turn frames into enriched events.
type Manager struct {
	cfg      *config.IngestConfig
	norm     *Normalizer
	enricher *enrich.Enricher
	met      *metrics.Metrics
	sink     Sink
	hook     SystemHook
	offsets  OffsetStore

	frames    chan RawFrame
	stats     map[Protocol]*protocolStats
	listeners []Listener

	mu      sync.Mutex
	running map[string]bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewManager wires the enabled listeners. Nothing runs until Start. The
// offset store may be nil when file tailing is disabled.
func NewManager(cfg *config.IngestConfig, norm *Normalizer, enricher *enrich.Enricher, met *metrics.Metrics, sink Sink, hook SystemHook, offsets OffsetStore) *Manager {
	m := &Manager{
		cfg:      cfg,
		norm:     norm,
		enricher: enricher,
		met:      met,
		sink:     sink,
		hook:     hook,
		offsets:  offsets,
		frames:   make(chan RawFrame, frameBuffer),
		stats:    make(map[Protocol]*protocolStats),
		running:  make(map[string]bool),
	}
	for _, proto := range []Protocol{ProtoSyslog, ProtoGELF, ProtoBeats, ProtoFluent, ProtoHTTP, ProtoMQTT, ProtoFile} {
		m.stats[proto] = &protocolStats{}
	}
	m.buildListeners()
	return m
}

func (m *Manager) buildListeners() {
	if m.cfg.Syslog.Enabled {
		m.listeners = append(m.listeners,
			newSyslogUDPListener(m, m.cfg.Syslog.UDPPort),
			newSyslogTCPListener(m, m.cfg.Syslog.TCPPort),
		)
	}
	if m.cfg.GELF.Enabled {
		m.listeners = append(m.listeners,
			newGELFUDPListener(m, m.cfg.GELF),
			newGELFTCPListener(m, m.cfg.GELF.TCPPort),
		)
	}
	if m.cfg.Beats.Enabled {
		m.listeners = append(m.listeners, newBeatsListener(m, m.cfg.Beats.Port))
	}
	if m.cfg.Fluent.Enabled {
		m.listeners = append(m.listeners, newFluentListener(m, m.cfg.Fluent.Port))
	}
	if m.cfg.MQTT.Enabled {
		m.listeners = append(m.listeners, newMQTTListener(m, m.cfg.MQTT))
	}
	if m.cfg.FileTail.Enabled {
		m.listeners = append(m.listeners, newTailListener(m, m.cfg.FileTail, m.offsets))
	}
}

// Start launches the normalizer workers and every enabled listener. A
// listener that cannot bind aborts startup; already-started listeners are
// stopped again.
func (m *Manager) Start(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(normalizerWorkers)
	for i := 0; i < normalizerWorkers; i++ {
		go func() {
			defer wg.Done()
			m.worker(workerCtx)
		}()
	}
	go func() {
		wg.Wait()
		close(m.done)
	}()

	var started []Listener
	for _, l := range m.listeners {
		if err := l.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			m.cancel()
			return err
		}
		started = append(started, l)
		m.setRunning(l.Name(), true)
		slog.Info("Listener started", "listener", l.Name())
	}
	return nil
}

// Stop shuts the listeners down, then drains and stops the workers.
func (m *Manager) Stop(ctx context.Context) {
	for _, l := range m.listeners {
		if err := l.Stop(ctx); err != nil {
			slog.Error("Listener stop failed", "listener", l.Name(), "error", err)
		}
		m.setRunning(l.Name(), false)
	}
	if m.cancel != nil {
		m.cancel()
		select {
		case <-m.done:
		case <-ctx.Done():
			slog.Warn("Normalizer drain cut short", "pending", len(m.frames))
		}
	}
}

func (m *Manager) setRunning(name string, up bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.running[name] = up
}

func (m *Manager) isRunning(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[name]
}

// offer hands a frame from a listener to the workers without ever
// blocking; a full channel drops the frame.
func (m *Manager) offer(frame RawFrame) {
	st := m.stats[frame.Proto]
	st.received.Add(1)
	st.bytes.Add(int64(len(frame.Payload)))
	m.met.IngestReceived.WithLabelValues(string(frame.Proto)).Inc()

	select {
	case m.frames <- frame:
	default:
		st.dropped.Add(1)
	}
}

// Ingest normalizes and enriches one frame synchronously and pushes the
// event to the sink. The HTTP intake and tests use this path; listener
// goroutines go through offer instead.
func (m *Manager) Ingest(ctx context.Context, frame RawFrame) error {
	st := m.stats[frame.Proto]
	st.received.Add(1)
	st.bytes.Add(int64(len(frame.Payload)))
	m.met.IngestReceived.WithLabelValues(string(frame.Proto)).Inc()

	return m.process(ctx, frame)
}

func (m *Manager) worker(ctx context.Context) {
	for {
		select {
		case frame := <-m.frames:
			_ = m.process(ctx, frame)
		case <-ctx.Done():
			for {
				select {
				case frame := <-m.frames:
					_ = m.process(context.Background(), frame)
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) process(ctx context.Context, frame RawFrame) error {
	ev, err := m.norm.Normalize(frame)
	if err != nil {
		m.stats[frame.Proto].malformed.Add(1)
		m.met.IngestParseErrors.WithLabelValues(string(frame.Proto), Reason(err)).Inc()
		slog.Debug("Frame dropped", "protocol", frame.Proto, "reason", Reason(err), "peer", frame.PeerIP)
		return err
	}
	if ev.HasTag("truncated=true") {
		m.met.IngestOversize.WithLabelValues(string(frame.Proto)).Inc()
	}

	m.enricher.Enrich(ctx, &ev)
	m.sink(ev)
	return nil
}

// reassemblyTimeout reports an expired GELF chunk set.
func (m *Manager) reassemblyTimeout(id string, got, total int) {
	m.stats[ProtoGELF].malformed.Add(1)
	m.met.IngestParseErrors.WithLabelValues(string(ProtoGELF), "reassembly_timeout").Inc()
	slog.Warn("GELF reassembly timeout", "message_id", id, "chunks", got, "total", total)
	if m.hook != nil {
		m.hook("gelf_reassembly_timeout", map[string]any{
			"message_id": id,
			"chunks":     got,
			"total":      total,
			"at":         time.Now().UTC(),
		})
	}
}

// Status snapshots per-protocol counters for the ingestion status
// endpoint, ordered by protocol name.
func (m *Manager) Status() []ProtocolStatus {
	enabled := map[Protocol]bool{
		ProtoSyslog: m.cfg.Syslog.Enabled,
		ProtoGELF:   m.cfg.GELF.Enabled,
		ProtoBeats:  m.cfg.Beats.Enabled,
		ProtoFluent: m.cfg.Fluent.Enabled,
		ProtoHTTP:   true,
		ProtoMQTT:   m.cfg.MQTT.Enabled,
		ProtoFile:   m.cfg.FileTail.Enabled,
	}

	out := make([]ProtocolStatus, 0, len(m.stats))
	for proto, st := range m.stats {
		running := enabled[proto]
		if proto != ProtoHTTP {
			running = m.anyRunning(string(proto))
		}
		out = append(out, st.snapshot(proto, enabled[proto], running))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}

// anyRunning reports whether any listener whose name starts with prefix is
// up (syslog has both a UDP and a TCP listener).
func (m *Manager) anyRunning(prefix string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, up := range m.running {
		if up && len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
