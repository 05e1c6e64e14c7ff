package ingest

import (
	"encoding/json"
	"reflect"
	"strings"
	"time"

	"github.com/ugorji/go/codec"
)

// fluentEntry is one decoded forward-protocol record.
type fluentEntry struct {
	Tag    string
	Time   time.Time
	Record map[string]any
}

func fluentHandle() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.MapType = reflect.TypeOf(map[string]any(nil))
	return h
}

func isMsgpackContentType(contentType string) bool {
	return strings.Contains(contentType, "msgpack")
}

// parseFluent decodes a Fluent forward body: a single `[tag, time, record]`
// entry, an array of such entries, or the nested
// `[tag, [[time, record], ...]]` form. The content type selects JSON or
// msgpack decoding.
func parseFluent(body []byte, contentType string) ([]fluentEntry, error) {
	var top any
	if isMsgpackContentType(contentType) {
		if err := codec.NewDecoderBytes(body, fluentHandle()).Decode(&top); err != nil {
			return nil, parseErrorf("bad_msgpack", "fluent decode: %v", err)
		}
	} else {
		if err := json.Unmarshal(body, &top); err != nil {
			return nil, parseErrorf("bad_json", "fluent decode: %v", err)
		}
	}

	arr, ok := top.([]any)
	if !ok || len(arr) == 0 {
		return nil, parseErrorf("bad_entry", "fluent body is not a non-empty array")
	}

	if tag, ok := arr[0].(string); ok {
		return parseTaggedEntry(tag, arr)
	}

	var out []fluentEntry
	for _, e := range arr {
		inner, ok := e.([]any)
		if !ok || len(inner) == 0 {
			return nil, parseErrorf("bad_entry", "fluent entry is not an array")
		}
		tag, ok := inner[0].(string)
		if !ok {
			return nil, parseErrorf("bad_entry", "fluent entry has no tag")
		}
		entries, err := parseTaggedEntry(tag, inner)
		if err != nil {
			return nil, err
		}
		out = append(out, entries...)
	}
	return out, nil
}

func parseTaggedEntry(tag string, arr []any) ([]fluentEntry, error) {
	if len(arr) == 2 {
		nested, ok := arr[1].([]any)
		if !ok {
			return nil, parseErrorf("bad_entry", "fluent entry %q has no record", tag)
		}
		out := make([]fluentEntry, 0, len(nested))
		for _, item := range nested {
			pair, ok := item.([]any)
			if !ok || len(pair) < 2 {
				return nil, parseErrorf("bad_entry", "fluent nested entry under %q malformed", tag)
			}
			record, ok := asRecord(pair[1])
			if !ok {
				return nil, parseErrorf("bad_entry", "fluent nested record under %q is not a map", tag)
			}
			out = append(out, fluentEntry{Tag: tag, Time: fluentTime(pair[0]), Record: record})
		}
		return out, nil
	}

	if len(arr) >= 3 {
		record, ok := asRecord(arr[2])
		if !ok {
			return nil, parseErrorf("bad_entry", "fluent record under %q is not a map", tag)
		}
		return []fluentEntry{{Tag: tag, Time: fluentTime(arr[1]), Record: record}}, nil
	}
	return nil, parseErrorf("bad_entry", "fluent entry %q has %d elements", tag, len(arr))
}

func asRecord(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// fluentTime reads the entry time: epoch seconds (possibly fractional), or
// epoch milliseconds when the magnitude gives it away.
func fluentTime(v any) time.Time {
	if n, ok := asNumber(v); ok {
		return epochTime(n)
	}
	return time.Time{}
}
