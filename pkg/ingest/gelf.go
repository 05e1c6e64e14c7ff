package ingest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

const (
	gelfChunkMagic0 = 0x1e
	gelfChunkMagic1 = 0x0f
	gelfChunkHeader = 12
	gelfMaxChunks   = 128
)

// gelfMessage is a decoded GELF record. Additional fields keep their wire
// names (leading underscore included).
type gelfMessage struct {
	Host         string
	ShortMessage string
	FullMessage  string
	Timestamp    time.Time
	Level        int
	Additional   map[string]any
}

// parseGELF inflates payload when compressed and decodes the JSON record.
func parseGELF(payload []byte) (gelfMessage, error) {
	body, err := inflate(payload)
	if err != nil {
		return gelfMessage{}, parseErrorf("bad_compression", "gelf inflate: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return gelfMessage{}, parseErrorf("bad_json", "gelf decode: %v", err)
	}

	msg := gelfMessage{Level: 6, Additional: make(map[string]any)}
	for key, value := range raw {
		switch key {
		case "version":
		case "host":
			msg.Host, _ = value.(string)
		case "short_message":
			msg.ShortMessage, _ = value.(string)
		case "full_message":
			msg.FullMessage, _ = value.(string)
		case "timestamp":
			if secs, ok := value.(float64); ok && secs > 0 {
				msg.Timestamp = time.UnixMilli(int64(secs * 1000)).UTC()
			}
		case "level":
			if lvl, ok := value.(float64); ok {
				msg.Level = int(lvl)
			}
		default:
			msg.Additional[key] = value
		}
	}
	if msg.ShortMessage == "" {
		return gelfMessage{}, parseErrorf("missing_message", "gelf record has no short_message")
	}
	return msg, nil
}

// inflate auto-detects gzip and zlib envelopes; anything else passes
// through untouched.
func inflate(payload []byte) ([]byte, error) {
	switch {
	case len(payload) > 2 && payload[0] == 0x1f && payload[1] == 0x8b:
		r, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	case len(payload) > 2 && payload[0] == 0x78:
		r, err := zlib.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		defer func() { _ = r.Close() }()
		return io.ReadAll(r)
	default:
		return payload, nil
	}
}

// isGELFChunk reports whether payload starts with the chunked-GELF magic.
func isGELFChunk(payload []byte) bool {
	return len(payload) > gelfChunkHeader && payload[0] == gelfChunkMagic0 && payload[1] == gelfChunkMagic1
}

type chunkSet struct {
	parts     [][]byte
	got       int
	total     int
	firstSeen time.Time
}

// gelfReassembler collects UDP chunk sets until complete or expired.
type gelfReassembler struct {
	mu      sync.Mutex
	sets    map[string]*chunkSet
	timeout time.Duration

	// onTimeout observes expired sets: message id, chunks seen, total.
	onTimeout func(id string, got, total int)
}

func newGELFReassembler(timeout time.Duration, onTimeout func(id string, got, total int)) *gelfReassembler {
	return &gelfReassembler{
		sets:      make(map[string]*chunkSet),
		timeout:   timeout,
		onTimeout: onTimeout,
	}
}

// Add stores one chunk. When the set completes, the concatenated message is
// returned. Malformed chunk headers return an error; incomplete sets return
// (nil, nil).
func (r *gelfReassembler) Add(payload []byte, now time.Time) ([]byte, error) {
	if len(payload) <= gelfChunkHeader {
		return nil, parseErrorf("bad_chunk", "chunk shorter than header")
	}
	id := hex.EncodeToString(payload[2:10])
	seq := int(payload[10])
	total := int(payload[11])
	if total < 1 || total > gelfMaxChunks || seq >= total {
		return nil, parseErrorf("bad_chunk", "chunk %d/%d out of range", seq, total)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.sets[id]
	if !ok {
		set = &chunkSet{parts: make([][]byte, total), total: total, firstSeen: now}
		r.sets[id] = set
	}
	if set.total != total {
		delete(r.sets, id)
		return nil, parseErrorf("bad_chunk", "chunk count changed mid-set")
	}
	if set.parts[seq] == nil {
		set.parts[seq] = append([]byte(nil), payload[gelfChunkHeader:]...)
		set.got++
	}

	if set.got < set.total {
		return nil, nil
	}
	delete(r.sets, id)
	return bytes.Join(set.parts, nil), nil
}

// Sweep drops chunk sets older than the reassembly timeout and reports how
// many were dropped.
func (r *gelfReassembler) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for id, set := range r.sets {
		if now.Sub(set.firstSeen) < r.timeout {
			continue
		}
		delete(r.sets, id)
		dropped++
		if r.onTimeout != nil {
			r.onTimeout(id, set.got, set.total)
		}
	}
	return dropped
}

// Pending reports the number of open chunk sets.
func (r *gelfReassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}
