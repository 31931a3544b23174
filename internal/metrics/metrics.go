package metrics

import "sync"

// Counter names incremented by the matchmaking and signaling layers.
const (
	Connects             = "connects"
	Disconnects          = "disconnects"
	MatchesCreated       = "matches_created"
	ConversationsEnded   = "conversations_ended"
	NextRequests         = "next_requests"
	MessagesRelayed      = "messages_relayed"
	StaleMessagesDropped = "stale_messages_dropped"
	CredentialFetches    = "credential_fetches"
	CredentialFallbacks  = "credential_fallbacks"
	SlowClientsDropped   = "slow_clients_dropped"
	ProtocolErrors       = "protocol_errors"
	RateLimited          = "rate_limited"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It keeps the matching and relay logic observable without binding the core
// to a metrics backend; counters are exposed in Prometheus text format via
// PrometheusHandler. A nil *Metrics is valid and discards everything.
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
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
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
