// Package selector implements the Auto-Selector: a probing and ranking
// engine that picks which proxy endpoint a client should actively use.
package selector

// Uninitialized is the sentinel for an average that has never observed a
// successful sample. Load-bearing across the estimator and scorer.
const Uninitialized = -1

// ConnectionKind enumerates the transport/protocol family of an endpoint.
type ConnectionKind int

const (
	KindUnknown ConnectionKind = iota
	KindWireGuard
	KindVLESS
	KindSOCKS5
	KindHTTPProxy
)

func (k ConnectionKind) String() string {
	switch k {
	case KindWireGuard:
		return "wireguard"
	case KindVLESS:
		return "vless"
	case KindSOCKS5:
		return "socks5"
	case KindHTTPProxy:
		return "httpproxy"
	default:
		return "unknown"
	}
}

// ReservedAutoSelectorLabel is the exact, case-sensitive label the core
// writes back to a winning profile on promotion.
const ReservedAutoSelectorLabel = "Auto Selector"

// EndpointProfile is the read-only-from-this-core view of an endpoint,
// as supplied by the profile store.
type EndpointProfile struct {
	ID    string
	Label string
	Kind  ConnectionKind
	Host  string
	Port  int
}

// HistoricalMetrics is the persisted, per-identifier estimator state.
// Averages use Uninitialized as their sentinel until the first success.
type HistoricalMetrics struct {
	AverageRTT        float64 // ms, Uninitialized until first success
	AverageJitter     float64 // ms, Uninitialized until first success
	AverageThroughput float64 // kbps, Uninitialized until first success
	SuccessCount      int64
	FailureCount      int64
	LastUpdateTime    int64 // ms since epoch
}

// Uninitialized reports whether no successful probe has ever been recorded.
func (m HistoricalMetrics) Uninitialized() bool {
	return m.SuccessCount == 0
}

// ProbeResult is the in-memory, per-invocation outcome of probing one
// candidate. It is discarded after ranking except for the metrics write
// it has already triggered.
type ProbeResult struct {
	ID                   string
	Profile              EndpointProfile
	RTT                  float64 // ms, -1 on failure
	Jitter               float64 // ms
	Throughput           float64 // kbps, -1 on failure
	ConnectionSuccessful bool
	TestTimeMs           int64
	Metrics              HistoricalMetrics // rolled-forward snapshot after this probe
}
