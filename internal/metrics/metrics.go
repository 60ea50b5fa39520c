package metrics

import "sync"

// Event counter names used across the relay.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	MatchesMade       = "matches_made"
	WaitingForPeer    = "waiting_for_peer"
	RelayedTarget     = "relayed_target"
	RelayedRoom       = "relayed_room"
	UnknownTarget     = "unknown_target"
	MalformedEnvelope = "malformed_envelope"
	RateLimited       = "rate_limited"
	SendQueueOverflow = "send_queue_overflow"
	AcceptRejected    = "accept_rejected"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// The relay is expected to plug into a real metrics backend eventually; this
// type keeps the core logic testable and feeds the Prometheus text endpoint.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
