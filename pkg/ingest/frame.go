// Package ingest accepts log records over the supported wire protocols,
// frames and decodes them, and normalizes every payload into the canonical
// event record. One listener runs per enabled protocol; all of them feed a
// shared frame channel consumed by the normalizer workers.
package ingest

import (
	"errors"
	"fmt"
	"time"
)

// Protocol identifies which listener produced a frame.
type Protocol string

const (
	ProtoSyslog Protocol = "syslog"
	ProtoGELF   Protocol = "gelf"
	ProtoBeats  Protocol = "beats"
	ProtoFluent Protocol = "fluent"
	ProtoHTTP   Protocol = "http"
	ProtoMQTT   Protocol = "mqtt"
	ProtoFile   Protocol = "file"
)

// RawFrame is one framed payload as read off the wire, before decoding.
type RawFrame struct {
	Proto      Protocol
	Payload    []byte
	PeerIP     string
	ReceivedAt time.Time

	// Origin carries protocol context the payload itself lacks: the MQTT
	// topic or the tailed file path.
	Origin string
}

// ParseError reports an undecodable payload. Reason is a short stable
// identifier used for per-(protocol, reason) counters.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

func parseErrorf(reason, format string, args ...any) *ParseError {
	return &ParseError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Reason extracts the counter label from err, or "error" for non-parse
// errors.
func Reason(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe.Reason
	}
	return "error"
}
