package ingest

import "sync/atomic"

// protocolStats tracks one listener's counters. Updated lock-free from the
// listener and normalizer goroutines.
type protocolStats struct {
	received  atomic.Int64
	malformed atomic.Int64
	dropped   atomic.Int64
	bytes     atomic.Int64
}

// ProtocolStatus is the JSON snapshot served by the ingestion status
// endpoint.
type ProtocolStatus struct {
	Protocol  string `json:"protocol"`
	Enabled   bool   `json:"enabled"`
	Running   bool   `json:"running"`
	Received  int64  `json:"received"`
	Malformed int64  `json:"malformed"`
	Dropped   int64  `json:"dropped"`
	Bytes     int64  `json:"bytes"`
}

func (s *protocolStats) snapshot(proto Protocol, enabled, running bool) ProtocolStatus {
	return ProtocolStatus{
		Protocol:  string(proto),
		Enabled:   enabled,
		Running:   running,
		Received:  s.received.Load(),
		Malformed: s.malformed.Load(),
		Dropped:   s.dropped.Load(),
		Bytes:     s.bytes.Load(),
	}
}
