package ingest

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Lumberjack v2 frame types.
const (
	beatsVersion     = '2'
	beatsFrameWindow = 'W'
	beatsFrameJSON   = 'J'
	beatsFrameData   = 'D'
	beatsFrameCompat = 'C'
	beatsFrameAck    = 'A'
)

// beatsMaxFrame caps a single frame payload. A shipper batch never comes
// close; anything larger means the stream is misframed.
const beatsMaxFrame = 16 << 20

// beatsConn drives the Lumberjack v2 exchange on one TCP connection:
// window declarations, record frames (plain or zlib-batched), and ACKs
// after each completed window.
type beatsConn struct {
	r       *bufio.Reader
	w       io.Writer
	emit    func(record []byte)
	window  int
	pending int
	lastSeq uint32
}

func newBeatsConn(r io.Reader, w io.Writer, emit func(record []byte)) *beatsConn {
	return &beatsConn{r: bufio.NewReader(r), w: w, emit: emit}
}

// run processes frames until EOF or a protocol error. A final ACK covers
// any records the window counter had not yet acknowledged.
func (c *beatsConn) run() error {
	for {
		err := c.readFrame(c.r, false)
		if err == io.EOF {
			if c.pending > 0 {
				return c.sendAck()
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (c *beatsConn) readFrame(r *bufio.Reader, inBatch bool) error {
	version, err := r.ReadByte()
	if err != nil {
		return err
	}
	if version != beatsVersion && version != '1' {
		return parseErrorf("bad_version", "lumberjack version %#x", version)
	}
	typ, err := r.ReadByte()
	if err != nil {
		return err
	}

	switch typ {
	case beatsFrameWindow:
		n, err := readUint32(r)
		if err != nil {
			return err
		}
		c.window = int(n)
		return nil

	case beatsFrameJSON:
		seq, err := readUint32(r)
		if err != nil {
			return err
		}
		size, err := readUint32(r)
		if err != nil {
			return err
		}
		if size > beatsMaxFrame {
			return parseErrorf("oversize_frame", "json frame of %d bytes", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(r, payload); err != nil {
			return err
		}
		return c.handleRecord(seq, payload)

	case beatsFrameData:
		seq, err := readUint32(r)
		if err != nil {
			return err
		}
		pairs, err := readUint32(r)
		if err != nil {
			return err
		}
		record := make(map[string]any, pairs)
		for i := uint32(0); i < pairs; i++ {
			key, err := readLenString(r)
			if err != nil {
				return err
			}
			value, err := readLenString(r)
			if err != nil {
				return err
			}
			record[key] = value
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return c.handleRecord(seq, payload)

	case beatsFrameCompat:
		if inBatch {
			return parseErrorf("bad_frame", "nested compressed frame")
		}
		size, err := readUint32(r)
		if err != nil {
			return err
		}
		if size > beatsMaxFrame {
			return parseErrorf("oversize_frame", "compressed frame of %d bytes", size)
		}
		compressed := make([]byte, size)
		if _, err := io.ReadFull(r, compressed); err != nil {
			return err
		}
		zr, err := zlib.NewReader(bytes.NewReader(compressed))
		if err != nil {
			return parseErrorf("bad_compression", "lumberjack batch: %v", err)
		}
		inflated, err := io.ReadAll(zr)
		_ = zr.Close()
		if err != nil {
			return parseErrorf("bad_compression", "lumberjack batch: %v", err)
		}

		batch := bufio.NewReader(bytes.NewReader(inflated))
		for {
			if err := c.readFrame(batch, true); err == io.EOF {
				return nil
			} else if err != nil {
				return err
			}
		}

	case beatsFrameAck:
		// Only servers send ACKs; skip if one shows up.
		_, err := readUint32(r)
		return err

	default:
		return parseErrorf("bad_frame", "lumberjack frame type %#x", typ)
	}
}

func (c *beatsConn) handleRecord(seq uint32, payload []byte) error {
	c.lastSeq = seq
	c.pending++
	c.emit(payload)
	if c.window > 0 && c.pending >= c.window {
		return c.sendAck()
	}
	return nil
}

func (c *beatsConn) sendAck() error {
	ack := []byte{beatsVersion, beatsFrameAck, 0, 0, 0, 0}
	binary.BigEndian.PutUint32(ack[2:], c.lastSeq)
	if _, err := c.w.Write(ack); err != nil {
		return fmt.Errorf("write ack: %w", err)
	}
	c.pending = 0
	return nil
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func readLenString(r *bufio.Reader) (string, error) {
	size, err := readUint32(r)
	if err != nil {
		return "", err
	}
	if size > beatsMaxFrame {
		return "", parseErrorf("oversize_frame", "string of %d bytes", size)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
