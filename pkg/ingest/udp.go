package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/loghive/loghive/pkg/config"
)

// udpReadBuffer is sized for the largest datagram either protocol sends;
// syslog and GELF chunks both fit well under it.
const udpReadBuffer = 64 << 10

// udpListener reads datagrams off one port and hands each payload to a
// protocol-specific handler. Closing the socket ends the read loop.
type udpListener struct {
	name   string
	port   int
	handle func(payload []byte, peer string, at time.Time)

	conn *net.UDPConn
	done chan struct{}
}

func (l *udpListener) Name() string { return l.name }

func (l *udpListener) Start(_ context.Context) error {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: l.port})
	if err != nil {
		return fmt.Errorf("%s: listen udp :%d: %w", l.name, l.port, err)
	}
	l.conn = conn
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		buf := make([]byte, udpReadBuffer)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					slog.Error("UDP read failed", "listener", l.name, "error", err)
				}
				return
			}
			payload := make([]byte, n)
			copy(payload, buf[:n])
			l.handle(payload, addr.IP.String(), time.Now())
		}
	}()
	return nil
}

func (l *udpListener) Stop(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	err := l.conn.Close()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func newSyslogUDPListener(m *Manager, port int) Listener {
	return &udpListener{
		name: "syslog-udp",
		port: port,
		handle: func(payload []byte, peer string, at time.Time) {
			m.offer(RawFrame{Proto: ProtoSyslog, Payload: payload, PeerIP: peer, ReceivedAt: at})
		},
	}
}

// gelfUDPListener reassembles chunked datagrams before offering the
// message and sweeps expired chunk sets once a second.
type gelfUDPListener struct {
	udp       *udpListener
	reasm     *gelfReassembler
	sweepStop chan struct{}
	sweepDone chan struct{}
}

func newGELFUDPListener(m *Manager, cfg *config.GELFConfig) Listener {
	l := &gelfUDPListener{
		reasm: newGELFReassembler(cfg.ReassemblyTimeout, m.reassemblyTimeout),
	}
	l.udp = &udpListener{
		name: "gelf-udp",
		port: cfg.UDPPort,
		handle: func(payload []byte, peer string, at time.Time) {
			if isGELFChunk(payload) {
				complete, err := l.reasm.Add(payload, at)
				if err != nil {
					m.stats[ProtoGELF].malformed.Add(1)
					m.met.IngestParseErrors.WithLabelValues(string(ProtoGELF), Reason(err)).Inc()
					return
				}
				if complete == nil {
					return
				}
				payload = complete
			}
			m.offer(RawFrame{Proto: ProtoGELF, Payload: payload, PeerIP: peer, ReceivedAt: at})
		},
	}
	return l
}

func (l *gelfUDPListener) Name() string { return l.udp.name }

func (l *gelfUDPListener) Start(ctx context.Context) error {
	if err := l.udp.Start(ctx); err != nil {
		return err
	}
	l.sweepStop = make(chan struct{})
	l.sweepDone = make(chan struct{})
	go func() {
		defer close(l.sweepDone)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				l.reasm.Sweep(now)
			case <-l.sweepStop:
				return
			}
		}
	}()
	return nil
}

func (l *gelfUDPListener) Stop(ctx context.Context) error {
	if l.sweepStop != nil {
		close(l.sweepStop)
		<-l.sweepDone
	}
	return l.udp.Stop(ctx)
}
