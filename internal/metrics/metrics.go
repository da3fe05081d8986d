package metrics

import "sync"

// Event names recorded by the signalling server.
const (
	WSConnectionsOpened = "ws_connections_opened"
	WSConnectionsClosed = "ws_connections_closed"
	WSUpgradeFailed     = "ws_upgrade_failed"
	WSReadErrors        = "ws_read_errors"
	WSWriteErrors       = "ws_write_errors"
	WSIdleTimeouts      = "ws_idle_timeouts"
	WSRateLimited       = "ws_rate_limited"

	WSMessagesHello     = "ws_messages_hello"
	WSMessagesSession   = "ws_messages_session"
	WSMessagesEcho      = "ws_messages_echo"
	WSMessagesDiscarded = "ws_messages_discarded"
	WSMessagesBinary    = "ws_messages_binary"

	HTTPPreflight        = "http_preflight"
	HTTPStructuredFaults = "http_structured_faults"
	HTTPInternalFaults   = "http_internal_faults"
)

// Metrics is a concurrency-safe counter registry.
//
// A nil *Metrics is valid and drops every update, so components can be
// constructed without one in tests.
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
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
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
