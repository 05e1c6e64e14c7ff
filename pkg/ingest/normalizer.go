package ingest

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/loghive/loghive/pkg/config"
	"github.com/loghive/loghive/pkg/models"
)

// Clock-skew bounds relative to arrival. Outside them the event time is
// clamped and the event tagged clock_skew=true.
const (
	maxPastSkew   = time.Hour
	maxFutureSkew = 24 * time.Hour
)

const maxCategoryLen = 64

// Normalizer maps raw frames onto canonical events. It is pure: no I/O, no
// clock reads beyond the frame's own arrival stamp.
type Normalizer struct {
	cfg *config.IngestConfig
}

func NewNormalizer(cfg *config.IngestConfig) *Normalizer {
	return &Normalizer{cfg: cfg}
}

// Normalize decodes one frame. The returned error is a *ParseError whose
// reason feeds the per-protocol malformed counters.
func (n *Normalizer) Normalize(frame RawFrame) (models.LogEvent, error) {
	var (
		ev  models.LogEvent
		err error
	)
	switch frame.Proto {
	case ProtoSyslog:
		ev, err = n.normalizeSyslog(frame)
	case ProtoGELF:
		ev, err = n.normalizeGELF(frame)
	case ProtoBeats:
		ev, err = n.normalizeBeats(frame)
	case ProtoFluent:
		ev, err = n.normalizeFluent(frame)
	case ProtoHTTP, ProtoMQTT:
		ev, err = n.normalizeRecord(frame)
	case ProtoFile:
		ev, err = n.normalizeFileLine(frame)
	default:
		return models.LogEvent{}, parseErrorf("unknown_protocol", "protocol %q", frame.Proto)
	}
	if err != nil {
		return models.LogEvent{}, err
	}

	n.finish(&ev, frame)
	return ev, nil
}

func (n *Normalizer) normalizeSyslog(frame RawFrame) (models.LogEvent, error) {
	msg, err := parseSyslog(frame.Payload, frame.ReceivedAt)
	if err != nil {
		return models.LogEvent{}, err
	}

	ev := models.LogEvent{
		Timestamp: msg.Timestamp,
		Level:     models.Level(syslogSeverityLevel(msg.Severity)),
		Category:  syslogFacilityName(msg.Facility),
		Host:      msg.Host,
		Message:   msg.Message,
		Metadata:  map[string]any{},
	}
	switch {
	case msg.Host != "":
		ev.Source = msg.Host
	case msg.App != "":
		ev.Source = msg.App
	}
	if msg.App != "" {
		ev.Metadata["app"] = msg.App
	}
	if msg.ProcID != "" {
		ev.Metadata["procid"] = msg.ProcID
	}
	if msg.MsgID != "" {
		ev.Metadata["msgid"] = msg.MsgID
	}
	if len(msg.Structured) > 0 {
		ev.Metadata["structured_data"] = msg.Structured
	}
	return ev, nil
}

func (n *Normalizer) normalizeGELF(frame RawFrame) (models.LogEvent, error) {
	msg, err := parseGELF(frame.Payload)
	if err != nil {
		return models.LogEvent{}, err
	}

	ev := models.LogEvent{
		Timestamp: msg.Timestamp,
		Level:     models.Level(syslogSeverityLevel(msg.Level)),
		Host:      msg.Host,
		Source:    msg.Host,
		Message:   msg.ShortMessage,
		Metadata:  msg.Additional,
	}
	if msg.FullMessage != "" && msg.FullMessage != msg.ShortMessage {
		ev.Metadata["full_message"] = msg.FullMessage
	}
	return ev, nil
}

func (n *Normalizer) normalizeBeats(frame RawFrame) (models.LogEvent, error) {
	var record map[string]any
	if err := json.Unmarshal(frame.Payload, &record); err != nil {
		return models.LogEvent{}, parseErrorf("bad_json", "beats record: %v", err)
	}
	f := extractBeats(record)
	return eventFromFields(f), nil
}

// normalizeFluent reads one forward entry record; the listener has already
// split the body and put the tag in Origin.
func (n *Normalizer) normalizeFluent(frame RawFrame) (models.LogEvent, error) {
	var record map[string]any
	if err := json.Unmarshal(frame.Payload, &record); err != nil {
		return models.LogEvent{}, parseErrorf("bad_json", "fluent record: %v", err)
	}
	f := extractRecord(record)
	ev := eventFromFields(f)
	if frame.Origin != "" {
		ev.Category = frame.Origin
	}
	return ev, nil
}

// normalizeRecord handles the /log and MQTT payloads: a JSON object when it
// parses as one, otherwise the whole payload is the message.
func (n *Normalizer) normalizeRecord(frame RawFrame) (models.LogEvent, error) {
	trimmed := strings.TrimSpace(string(frame.Payload))
	if trimmed == "" {
		return models.LogEvent{}, parseErrorf("empty", "empty payload")
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(trimmed), &record); err == nil {
		f := extractRecord(record)
		ev := eventFromFields(f)
		if frame.Proto == ProtoMQTT && ev.Category == "" {
			ev.Category = topicTail(frame.Origin)
		}
		return ev, nil
	}

	ev := models.LogEvent{Message: trimmed}
	if frame.Proto == ProtoMQTT {
		ev.Category = topicTail(frame.Origin)
	}
	return ev, nil
}

func (n *Normalizer) normalizeFileLine(frame RawFrame) (models.LogEvent, error) {
	trimmed := strings.TrimSpace(string(frame.Payload))
	if trimmed == "" {
		return models.LogEvent{}, parseErrorf("empty", "empty line")
	}

	var ev models.LogEvent
	var record map[string]any
	if err := json.Unmarshal([]byte(trimmed), &record); err == nil {
		ev = eventFromFields(extractRecord(record))
	} else {
		ev = models.LogEvent{Message: trimmed}
	}
	if ev.Source == "" && frame.Origin != "" {
		ev.Source = filepath.Base(frame.Origin)
	}
	return ev, nil
}

func eventFromFields(f recordFields) models.LogEvent {
	return models.LogEvent{
		Timestamp: f.Timestamp,
		Level:     models.Level(f.Level),
		Source:    f.Source,
		Category:  f.Category,
		Host:      f.Host,
		Message:   f.Message,
		Tags:      f.Tags,
		Metadata:  f.Metadata,
		DedupKey:  f.DedupKey,
	}
}

// topicTail returns the last segment of an MQTT topic.
func topicTail(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// finish applies the protocol-independent rules: arrival stamps, level
// folding, source fallback, category bounds, size caps, and the clock-skew
// clamp.
func (n *Normalizer) finish(ev *models.LogEvent, frame RawFrame) {
	ev.IngestTime = frame.ReceivedAt.UTC()
	if ev.IngestTime.IsZero() {
		ev.IngestTime = time.Now().UTC()
	}
	if ev.PeerIP == "" {
		ev.PeerIP = frame.PeerIP
	}

	raw := strings.TrimSpace(string(ev.Level))
	switch level, ok := models.ParseLevel(raw); {
	case ok:
		ev.Level = level
	case raw == "":
		ev.Level = models.LevelInfo
	default:
		ev.Level = models.LevelInfo
		ev.AddTag("normalized_level=" + raw)
	}

	if ev.Category == "" {
		ev.Category = string(frame.Proto)
	}
	if len(ev.Category) > maxCategoryLen {
		ev.Category = truncateUTF8(ev.Category, maxCategoryLen)
	}
	if ev.Source == "" {
		ev.Source = ev.Category
	}

	if len(ev.Message) > n.cfg.MaxMessageBytes {
		ev.Message = truncateUTF8(ev.Message, n.cfg.MaxMessageBytes) + "…"
		ev.AddTag("truncated=true")
	}
	if len(ev.Metadata) > 0 {
		if blob, err := json.Marshal(ev.Metadata); err != nil || len(blob) > n.cfg.MaxMetadataBytes {
			ev.Metadata = map[string]any{
				"metadata_dropped": true,
				"metadata_bytes":   len(blob),
			}
			ev.AddTag("metadata_truncated=true")
		}
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = ev.IngestTime
	} else {
		ev.Timestamp = ev.Timestamp.UTC()
	}
	if lo := ev.IngestTime.Add(-maxPastSkew); ev.Timestamp.Before(lo) {
		ev.Timestamp = lo
		ev.AddTag("clock_skew=true")
	} else if hi := ev.IngestTime.Add(maxFutureSkew); ev.Timestamp.After(hi) {
		ev.Timestamp = hi
		ev.AddTag("clock_skew=true")
	}
}

// truncateUTF8 cuts s at max bytes without splitting a rune.
func truncateUTF8(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := s[:limit]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}

// String renders a truncated preview for logging.
func (f RawFrame) String() string {
	preview := f.Payload
	if len(preview) > 64 {
		preview = preview[:64]
	}
	return fmt.Sprintf("%s frame from %s (%d bytes): %q", f.Proto, f.PeerIP, len(f.Payload), preview)
}
