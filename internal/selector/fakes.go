package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// fakeProfileStore is an in-memory ProfileStore for tests. Write reassigns
// nothing: it always returns the id it was called with.
type fakeProfileStore struct {
	mu       sync.Mutex
	profiles map[string]EndpointProfile
}

func newFakeProfileStore(profiles ...EndpointProfile) *fakeProfileStore {
	s := &fakeProfileStore{profiles: make(map[string]EndpointProfile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

func (s *fakeProfileStore) Lookup(ctx context.Context, id string) (EndpointProfile, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[id]
	return p, ok, nil
}

func (s *fakeProfileStore) Write(ctx context.Context, id string, profile EndpointProfile) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[id] = profile
	return id, nil
}

// fakeMetricsStore is an in-memory MetricsStore for tests.
type fakeMetricsStore struct {
	mu      sync.Mutex
	metrics map[string]HistoricalMetrics
}

func newFakeMetricsStore() *fakeMetricsStore {
	return &fakeMetricsStore{metrics: make(map[string]HistoricalMetrics)}
}

func (s *fakeMetricsStore) LoadMetrics(ctx context.Context, id string) (HistoricalMetrics, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	return m, ok, nil
}

func (s *fakeMetricsStore) SaveMetrics(ctx context.Context, id string, metrics HistoricalMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[id] = metrics
	return nil
}

// fakeAffiliationStore is an in-memory AffiliationStore for tests.
type fakeAffiliationStore struct {
	mu     sync.Mutex
	values map[string]string
}

func newFakeAffiliationStore() *fakeAffiliationStore {
	return &fakeAffiliationStore{values: make(map[string]string)}
}

func (s *fakeAffiliationStore) GetAffiliation(ctx context.Context, id string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[id]
	return v, ok, nil
}

func (s *fakeAffiliationStore) SetAffiliation(ctx context.Context, id, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[id] = value
	return nil
}

// fakeSelectionSink records the last identifier promoted as active.
type fakeSelectionSink struct {
	mu     sync.Mutex
	active string
}

func (s *fakeSelectionSink) SetActive(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = id
	return nil
}

func (s *fakeSelectionSink) getActive() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// fakeEndpoint is one scripted outcome for fakeTunnelEvaluator.
type fakeEndpoint struct {
	pingRTT   float64 // <=0 to simulate a failed ping
	pingErr   error
	fetchData []byte
	fetchErr  error
	buildErr  error
}

// fakeTunnelEvaluator is a scripted TunnelEvaluator for tests: every id must
// have an entry in outcomes or BuildTransientConfig fails for it. Every
// build assigns a fresh LocalPort mapped to its id so Ping/FetchThroughTunnel, which only
// see the TransientConfig or the port, can still resolve back to the
// scripted outcome for that candidate.
type fakeTunnelEvaluator struct {
	mu       sync.Mutex
	outcomes map[string]fakeEndpoint
	portToID map[int]string
	nextPort int
}

func newFakeTunnelEvaluator(outcomes map[string]fakeEndpoint) *fakeTunnelEvaluator {
	return &fakeTunnelEvaluator{outcomes: outcomes, portToID: make(map[int]string), nextPort: 40000}
}

func (e *fakeTunnelEvaluator) BuildTransientConfig(ctx context.Context, id string) (TransientConfig, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.outcomes[id]
	if !ok {
		return TransientConfig{}, fmt.Errorf("no scripted outcome for %q", id)
	}
	if out.buildErr != nil {
		return TransientConfig{}, out.buildErr
	}

	port := e.nextPort
	e.nextPort++
	e.portToID[port] = id

	return TransientConfig{Content: fakeConfigPrefix + id, LocalPort: port}, nil
}

const fakeConfigPrefix = "fake-config-"

func (e *fakeTunnelEvaluator) PingThroughTunnel(ctx context.Context, cfg TransientConfig) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out, ok := e.outcomes[strings.TrimPrefix(cfg.Content, fakeConfigPrefix)]
	if !ok {
		return 0, fmt.Errorf("unrecognized transient config %q", cfg.Content)
	}
	if out.pingErr != nil {
		return 0, out.pingErr
	}
	return out.pingRTT, nil
}

func (e *fakeTunnelEvaluator) FetchThroughTunnel(ctx context.Context, url, userAgent string, localPort int) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.portToID[localPort]
	if !ok {
		return nil, fmt.Errorf("unrecognized local port %d", localPort)
	}
	out := e.outcomes[id]
	if out.fetchErr != nil {
		return nil, out.fetchErr
	}
	return out.fetchData, nil
}
