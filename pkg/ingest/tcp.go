package ingest

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"
)

// maxTCPFrame bounds a single stream frame so a missing delimiter or a
// bogus octet count cannot balloon memory. Oversized messages still get
// through, clipped here and truncated again during normalization.
const maxTCPFrame = 1 << 20

// tcpListener accepts connections on one port and runs a per-connection
// handler. Stop closes the socket and every live connection.
type tcpListener struct {
	name   string
	port   int
	handle func(conn net.Conn)

	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
	done  chan struct{}
}

func (l *tcpListener) Name() string { return l.name }

func (l *tcpListener) Start(_ context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", l.port))
	if err != nil {
		return fmt.Errorf("%s: listen tcp :%d: %w", l.name, l.port, err)
	}
	l.ln = ln
	l.conns = make(map[net.Conn]struct{})
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				slog.Error("Accept failed", "listener", l.name, "error", err)
				time.Sleep(100 * time.Millisecond)
				continue
			}
			l.track(conn)
			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				defer l.untrack(conn)
				defer conn.Close()
				l.handle(conn)
			}()
		}
	}()
	return nil
}

func (l *tcpListener) Stop(ctx context.Context) error {
	if l.ln == nil {
		return nil
	}
	err := l.ln.Close()

	l.mu.Lock()
	for c := range l.conns {
		_ = c.Close()
	}
	l.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(finished)
	}()
	select {
	case <-l.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (l *tcpListener) track(c net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns[c] = struct{}{}
}

func (l *tcpListener) untrack(c net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.conns, c)
}

func newSyslogTCPListener(m *Manager, port int) Listener {
	return &tcpListener{name: "syslog-tcp", port: port, handle: m.syslogTCPConn}
}

func newGELFTCPListener(m *Manager, port int) Listener {
	return &tcpListener{name: "gelf-tcp", port: port, handle: m.gelfTCPConn}
}

func newBeatsListener(m *Manager, port int) Listener {
	return &tcpListener{name: "beats", port: port, handle: m.beatsTCPConn}
}

// syslogTCPConn reads octet-counted frames when a message starts with a
// digit and newline-delimited frames otherwise, per message.
func (m *Manager) syslogTCPConn(conn net.Conn) {
	peer := remoteIP(conn)
	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		head, err := r.Peek(1)
		if err != nil {
			return
		}
		var payload []byte
		if head[0] >= '1' && head[0] <= '9' {
			payload, err = readOctetFrame(r, maxTCPFrame)
			if err != nil {
				m.countFramingError(ProtoSyslog, err)
				slog.Debug("Syslog framing error", "peer", peer, "error", err)
				return
			}
		} else {
			payload, err = readDelimited(r, '\n', maxTCPFrame)
			if err != nil {
				if len(bytes.TrimSpace(payload)) > 0 {
					m.offer(RawFrame{Proto: ProtoSyslog, Payload: payload, PeerIP: peer, ReceivedAt: time.Now()})
				}
				return
			}
		}
		if len(bytes.TrimSpace(payload)) == 0 {
			continue
		}
		m.offer(RawFrame{Proto: ProtoSyslog, Payload: payload, PeerIP: peer, ReceivedAt: time.Now()})
	}
}

// gelfTCPConn reads NUL-delimited messages. A final message without a
// trailing NUL is delivered when the client closes the connection.
func (m *Manager) gelfTCPConn(conn net.Conn) {
	peer := remoteIP(conn)
	r := bufio.NewReaderSize(conn, 64<<10)
	for {
		payload, err := readDelimited(r, 0x00, maxTCPFrame)
		if len(payload) > 0 {
			m.offer(RawFrame{Proto: ProtoGELF, Payload: payload, PeerIP: peer, ReceivedAt: time.Now()})
		}
		if err != nil {
			return
		}
	}
}

func (m *Manager) beatsTCPConn(conn net.Conn) {
	peer := remoteIP(conn)
	bc := newBeatsConn(conn, conn, func(record []byte) {
		m.offer(RawFrame{Proto: ProtoBeats, Payload: record, PeerIP: peer, ReceivedAt: time.Now()})
	})
	if err := bc.run(); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		m.countFramingError(ProtoBeats, err)
		slog.Debug("Beats connection failed", "peer", peer, "error", err)
	}
}

// countFramingError records a malformed frame detected before the payload
// ever reaches the normalizer.
func (m *Manager) countFramingError(proto Protocol, err error) {
	m.stats[proto].malformed.Add(1)
	m.met.IngestParseErrors.WithLabelValues(string(proto), Reason(err)).Inc()
}

// readOctetFrame parses the RFC 6587 "MSG-LEN SP MSG" form.
func readOctetFrame(r *bufio.Reader, limit int) ([]byte, error) {
	var n int
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == ' ' {
			break
		}
		if b < '0' || b > '9' {
			return nil, parseErrorf("bad_framing", "octet count: unexpected byte %q", b)
		}
		n = n*10 + int(b-'0')
		if n > limit {
			return nil, parseErrorf("oversize_frame", "octet count %d exceeds frame limit", n)
		}
	}
	if n == 0 {
		return nil, parseErrorf("bad_framing", "octet count: zero length")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, parseErrorf("short_frame", "octet frame: %w", err)
	}
	return buf, nil
}

// readDelimited accumulates bytes up to delim, clipping at limit while
// still consuming the full frame. The returned error is io.EOF when the
// stream ended before a delimiter; partial data may accompany it.
func readDelimited(r *bufio.Reader, delim byte, limit int) ([]byte, error) {
	var out []byte
	for {
		chunk, err := r.ReadSlice(delim)
		if len(out)+len(chunk) <= limit {
			out = append(out, chunk...)
		} else if len(out) < limit {
			out = append(out, chunk[:limit-len(out)]...)
		}
		switch {
		case err == nil:
			return bytes.TrimSuffix(out, []byte{delim}), nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return out, err
		}
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
