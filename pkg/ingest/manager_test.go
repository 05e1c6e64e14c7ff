package ingest

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/enrich"
	"github.com/loghive/loghive/pkg/metrics"
	"github.com/loghive/loghive/pkg/models"
	"github.com/loghive/loghive/test/util"
)

// newTestManager builds a manager with every listener disabled; mutate
// turns on the protocols under test. Events land on the returned channel.
func newTestManager(t *testing.T, mutate func(cfg *config.IngestConfig)) (*Manager, chan models.LogEvent) {
	t.Helper()

	cfg := config.DefaultIngestConfig()
	cfg.Syslog.Enabled = false
	cfg.GELF.Enabled = false
	cfg.Beats.Enabled = false
	cfg.Fluent.Enabled = false
	cfg.MQTT.Enabled = false
	cfg.FileTail.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}

	enricher, err := enrich.New(config.DefaultEnrichConfig())
	require.NoError(t, err)

	events := make(chan models.LogEvent, 64)
	sink := func(ev models.LogEvent) { events <- ev }

	return NewManager(cfg, NewNormalizer(cfg), enricher, metrics.New(), sink, nil, nil), events
}

func startManager(t *testing.T, m *Manager) {
	t.Helper()
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
}

func waitEvent(t *testing.T, events <-chan models.LogEvent) models.LogEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return models.LogEvent{}
	}
}

func TestManager_SyslogUDP(t *testing.T) {
	udpPort := util.FreeUDPPort(t)
	m, events := newTestManager(t, func(cfg *config.IngestConfig) {
		cfg.Syslog.Enabled = true
		cfg.Syslog.UDPPort = udpPort
		cfg.Syslog.TCPPort = util.FreeTCPPort(t)
	})
	startManager(t, m)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", udpPort))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("<34>Oct 11 22:14:15 mymachine su: 'su root' failed for lonvick on /dev/pts/8"))
	require.NoError(t, err)

	ev := waitEvent(t, events)
	assert.Equal(t, models.LevelCritical, ev.Level)
	assert.Equal(t, "mymachine", ev.Source)
	assert.Equal(t, "auth", ev.Category)
	assert.Equal(t, "'su root' failed for lonvick on /dev/pts/8", ev.Message)
	assert.Equal(t, "127.0.0.1", ev.PeerIP)
}

func TestManager_SyslogTCPBothFramings(t *testing.T) {
	tcpPort := util.FreeTCPPort(t)
	m, events := newTestManager(t, func(cfg *config.IngestConfig) {
		cfg.Syslog.Enabled = true
		cfg.Syslog.UDPPort = util.FreeUDPPort(t)
		cfg.Syslog.TCPPort = tcpPort
	})
	startManager(t, m)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	defer conn.Close()

	first := "<13>Oct 11 22:14:15 host1 app: octet framed"
	_, err = fmt.Fprintf(conn, "%d %s", len(first), first)
	require.NoError(t, err)
	_, err = fmt.Fprintf(conn, "<13>Oct 11 22:14:16 host2 app: newline framed\n")
	require.NoError(t, err)

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		got[waitEvent(t, events).Message] = true
	}
	assert.True(t, got["octet framed"])
	assert.True(t, got["newline framed"])
}

func TestManager_GELFChunkedUDP(t *testing.T) {
	udpPort := util.FreeUDPPort(t)
	m, events := newTestManager(t, func(cfg *config.IngestConfig) {
		cfg.GELF.Enabled = true
		cfg.GELF.UDPPort = udpPort
		cfg.GELF.TCPPort = util.FreeTCPPort(t)
	})
	startManager(t, m)

	body := gelfBody(t)
	third := len(body) / 3
	parts := [][]byte{body[:third], body[third : 2*third], body[2*third:]}

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", udpPort))
	require.NoError(t, err)
	defer conn.Close()
	for _, seq := range []int{2, 0, 1} {
		_, err = conn.Write(gelfChunk(0x5c, seq, 3, parts[seq]))
		require.NoError(t, err)
	}

	ev := waitEvent(t, events)
	assert.Equal(t, "hi", ev.Message)
	assert.Equal(t, "h", ev.Host)
}

func TestManager_GELFTCPNulFramed(t *testing.T) {
	tcpPort := util.FreeTCPPort(t)
	m, events := newTestManager(t, func(cfg *config.IngestConfig) {
		cfg.GELF.Enabled = true
		cfg.GELF.UDPPort = util.FreeUDPPort(t)
		cfg.GELF.TCPPort = tcpPort
	})
	startManager(t, m)

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", tcpPort))
	require.NoError(t, err)
	_, err = conn.Write(append(gelfBody(t), 0x00))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	ev := waitEvent(t, events)
	assert.Equal(t, "hi", ev.Message)
}

func TestManager_StartPortConflict(t *testing.T) {
	tcpPort := util.FreeTCPPort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", tcpPort))
	require.NoError(t, err)
	defer ln.Close()

	m, _ := newTestManager(t, func(cfg *config.IngestConfig) {
		cfg.Syslog.Enabled = true
		cfg.Syslog.UDPPort = util.FreeUDPPort(t)
		cfg.Syslog.TCPPort = tcpPort
	})
	assert.Error(t, m.Start(context.Background()))
}

func TestManager_IngestSynchronous(t *testing.T) {
	m, events := newTestManager(t, nil)

	err := m.Ingest(context.Background(), RawFrame{
		Proto:      ProtoHTTP,
		Payload:    []byte(`{"message":"direct","level":"warn"}`),
		ReceivedAt: time.Now().UTC(),
	})
	require.NoError(t, err)

	ev := waitEvent(t, events)
	assert.Equal(t, "direct", ev.Message)
	assert.Equal(t, models.LevelWarn, ev.Level)
}

func TestManager_IngestMalformedCounts(t *testing.T) {
	m, _ := newTestManager(t, nil)

	err := m.Ingest(context.Background(), RawFrame{Proto: ProtoHTTP, Payload: []byte("  "), ReceivedAt: time.Now().UTC()})
	assert.Equal(t, "empty", Reason(err))

	// The parse-error counter keys on (protocol, reason).
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.met.IngestParseErrors.WithLabelValues(string(ProtoHTTP), "empty")))
	assert.Zero(t, testutil.ToFloat64(
		m.met.IngestParseErrors.WithLabelValues(string(ProtoHTTP), "bad_json")))

	for _, st := range m.Status() {
		if st.Protocol == string(ProtoHTTP) {
			assert.Equal(t, int64(1), st.Received)
			assert.Equal(t, int64(1), st.Malformed)
			return
		}
	}
	t.Fatal("no http status entry")
}

func TestManager_StatusOrderingAndFlags(t *testing.T) {
	m, _ := newTestManager(t, func(cfg *config.IngestConfig) {
		cfg.Syslog.Enabled = true
		cfg.Syslog.UDPPort = util.FreeUDPPort(t)
		cfg.Syslog.TCPPort = util.FreeTCPPort(t)
	})

	status := m.Status()
	require.Len(t, status, 7)
	for i := 1; i < len(status); i++ {
		assert.Less(t, status[i-1].Protocol, status[i].Protocol)
	}

	byProto := map[string]ProtocolStatus{}
	for _, st := range status {
		byProto[st.Protocol] = st
	}
	assert.True(t, byProto["syslog"].Enabled)
	assert.False(t, byProto["syslog"].Running) // not started
	assert.True(t, byProto["http"].Enabled)
	assert.False(t, byProto["mqtt"].Enabled)
}
