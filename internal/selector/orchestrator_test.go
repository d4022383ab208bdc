package selector

import (
	"context"
	"testing"

	"awg-proxy-selector/internal/core"
)

func newTestSelector(profiles *fakeProfileStore, metrics *fakeMetricsStore, eval *fakeTunnelEvaluator, sink *fakeSelectionSink) *Selector {
	return NewSelector(profiles, metrics, newFakeAffiliationStore(), sink, eval, core.DefaultSelectorConfig(), nil)
}

// TestAutoSelectBestProxyEmptyList covers S1: no candidates yields "none",
// writes no metrics and never touches the selection sink.
func TestAutoSelectBestProxyEmptyList(t *testing.T) {
	profiles := newFakeProfileStore()
	metrics := newFakeMetricsStore()
	eval := newFakeTunnelEvaluator(nil)
	sink := &fakeSelectionSink{}
	s := newTestSelector(profiles, metrics, eval, sink)

	id, ok, err := s.AutoSelectBestProxy(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || id != "" {
		t.Fatalf("expected no selection, got id=%q ok=%v", id, ok)
	}
	if sink.getActive() != "" {
		t.Fatalf("sink should not have been touched, got %q", sink.getActive())
	}
	if len(metrics.metrics) != 0 {
		t.Fatalf("expected no metrics writes, got %d records", len(metrics.metrics))
	}
}

// TestGetBestAvailableProxyEmptyList covers the cached half of S1.
func TestGetBestAvailableProxyEmptyList(t *testing.T) {
	s := newTestSelector(newFakeProfileStore(), newFakeMetricsStore(), newFakeTunnelEvaluator(nil), &fakeSelectionSink{})

	id, ok, err := s.GetBestAvailableProxy(context.Background(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || id != "" {
		t.Fatalf("expected no selection, got id=%q ok=%v", id, ok)
	}
}

// TestAutoSelectBestProxyTwoHealthyCandidates covers S2: B has the
// substantially better tunneled RTT (TCP connect fails in this sandbox, so
// the fallback RTT source decides), so it must win, and its profile label
// must be overwritten to the reserved string.
func TestAutoSelectBestProxyTwoHealthyCandidates(t *testing.T) {
	profiles := newFakeProfileStore(
		EndpointProfile{ID: "A", Label: "A", Host: "10.0.0.1", Port: 51820},
		EndpointProfile{ID: "B", Label: "B", Host: "10.0.0.2", Port: 51820},
	)
	metrics := newFakeMetricsStore()
	eval := newFakeTunnelEvaluator(map[string]fakeEndpoint{
		"A": {pingRTT: 400, fetchData: make([]byte, 256*1024)},
		"B": {pingRTT: 50, fetchData: make([]byte, 256*1024)},
	})
	sink := &fakeSelectionSink{}
	s := newTestSelector(profiles, metrics, eval, sink)

	winner, ok, err := s.AutoSelectBestProxy(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected a winner")
	}
	if winner != "B" {
		t.Fatalf("expected B to win, got %q", winner)
	}

	for _, id := range []string{"A", "B"} {
		m, found, _ := metrics.LoadMetrics(context.Background(), id)
		if !found {
			t.Fatalf("expected metrics persisted for %q", id)
		}
		if m.Uninitialized() {
			t.Fatalf("expected initialized averages for %q, got %+v", id, m)
		}
	}

	if sink.getActive() != "B" {
		t.Fatalf("expected sink active = B, got %q", sink.getActive())
	}

	profile, _, _ := profiles.Lookup(context.Background(), "B")
	if profile.Label != ReservedAutoSelectorLabel {
		t.Fatalf("expected promoted label %q, got %q", ReservedAutoSelectorLabel, profile.Label)
	}
}

// TestGetBestAvailableProxyCachedRanking covers S3: purely historical
// ranking with no I/O, B's lower RTT and higher throughput must win.
func TestGetBestAvailableProxyCachedRanking(t *testing.T) {
	profiles := newFakeProfileStore(
		EndpointProfile{ID: "A", Host: "10.0.0.1", Port: 51820},
		EndpointProfile{ID: "B", Host: "10.0.0.2", Port: 51820},
	)
	metrics := newFakeMetricsStore()
	metrics.SaveMetrics(context.Background(), "A", HistoricalMetrics{AverageRTT: 100, AverageJitter: 10, AverageThroughput: 5000, SuccessCount: 5})
	metrics.SaveMetrics(context.Background(), "B", HistoricalMetrics{AverageRTT: 50, AverageJitter: 5, AverageThroughput: 10000, SuccessCount: 10})

	s := newTestSelector(profiles, metrics, newFakeTunnelEvaluator(nil), &fakeSelectionSink{})

	winner, ok, err := s.GetBestAvailableProxy(context.Background(), []string{"A", "B"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok || winner != "B" {
		t.Fatalf("expected B to win, got id=%q ok=%v", winner, ok)
	}
}

// TestBreakerOpensAfterThreeFailures covers S4: three consecutive tunneled
// ping failures trip the breaker, and a further call within the open window
// skips the candidate entirely, returning "none" when it is the only one.
func TestBreakerOpensAfterThreeFailures(t *testing.T) {
	profiles := newFakeProfileStore(EndpointProfile{ID: "A", Host: "10.0.0.1", Port: 51820})
	metrics := newFakeMetricsStore()
	eval := newFakeTunnelEvaluator(map[string]fakeEndpoint{
		"A": {pingRTT: 0}, // <=0 RTT is a failed ping
	})
	s := newTestSelector(profiles, metrics, eval, &fakeSelectionSink{})

	for i := 0; i < 3; i++ {
		_, ok, err := s.AutoSelectBestProxy(context.Background(), []string{"A"})
		if err != nil {
			t.Fatalf("round %d: unexpected error: %v", i, err)
		}
		if ok {
			t.Fatalf("round %d: expected no winner on a failing candidate", i)
		}
	}

	if s.Breakers.State("A", nowMillis()) != StateOpen {
		t.Fatalf("expected breaker OPEN after 3 consecutive failures, got %s", s.Breakers.State("A", nowMillis()))
	}

	_, ok, err := s.AutoSelectBestProxy(context.Background(), []string{"A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected the only candidate to be skipped by the open breaker")
	}

	m, _, _ := metrics.LoadMetrics(context.Background(), "A")
	if m.FailureCount != 3 {
		t.Fatalf("expected failureCount==3 (4th call skipped before probing), got %d", m.FailureCount)
	}
}

// TestEstimatorUpdateMatchesScenario covers S5's arithmetic directly against
// applyEstimator, independent of the orchestrator plumbing.
func TestEstimatorUpdateMatchesScenario(t *testing.T) {
	prev := HistoricalMetrics{AverageRTT: 100, AverageJitter: 10, AverageThroughput: 5000, SuccessCount: 1}

	updated := applyEstimator(prev, 50, 5, 10000, true, 0.3, 1000)
	if updated.AverageRTT != 85 {
		t.Errorf("expected rtt 85, got %v", updated.AverageRTT)
	}
	if updated.AverageThroughput != 6500 {
		t.Errorf("expected throughput 6500, got %v", updated.AverageThroughput)
	}
	if updated.SuccessCount != 2 || updated.FailureCount != 0 {
		t.Errorf("expected succ=2 fail=0, got succ=%d fail=%d", updated.SuccessCount, updated.FailureCount)
	}
	if updated.LastUpdateTime != 1000 {
		t.Errorf("expected lastUpdateTime 1000, got %d", updated.LastUpdateTime)
	}

	failed := applyEstimator(updated, Uninitialized, Uninitialized, Uninitialized, false, 0.3, 2000)
	if failed.AverageRTT != updated.AverageRTT {
		t.Errorf("expected averages unchanged on failure, rtt went from %v to %v", updated.AverageRTT, failed.AverageRTT)
	}
	if failed.SuccessCount != 2 || failed.FailureCount != 1 {
		t.Errorf("expected succ=2 fail=1, got succ=%d fail=%d", failed.SuccessCount, failed.FailureCount)
	}
}

// TestSelectionFailurePersists covers S6: a failed probe still writes
// metrics (failureCount increments) and the breaker keeps the failure in
// the process-wide registry the next call consults.
func TestSelectionFailurePersists(t *testing.T) {
	profiles := newFakeProfileStore(EndpointProfile{ID: "A", Host: "10.0.0.1", Port: 51820})
	metrics := newFakeMetricsStore()
	eval := newFakeTunnelEvaluator(map[string]fakeEndpoint{
		"A": {pingRTT: 0},
	})
	s := newTestSelector(profiles, metrics, eval, &fakeSelectionSink{})

	s.AutoSelectBestProxy(context.Background(), []string{"A"})

	m, found, _ := metrics.LoadMetrics(context.Background(), "A")
	if !found {
		t.Fatal("expected metrics written even on probe failure")
	}
	if m.FailureCount != 1 {
		t.Fatalf("expected failureCount 1, got %d", m.FailureCount)
	}

	if s.Breakers.State("A", nowMillis()) != StateClosed {
		t.Fatalf("expected breaker still CLOSED after one failure, got %s", s.Breakers.State("A", nowMillis()))
	}
	if got := s.Breakers.entries["A"].consecutiveFailures; got != 1 {
		t.Fatalf("expected the breaker to record 1 consecutive failure, got %d", got)
	}
}

// TestRankBestIsDeterministicAndTotal covers testable properties 6 and 7:
// repeated ranking of the same inputs always picks the same winner, applying
// the score → RTT → ID tie-break chain.
func TestRankBestIsDeterministicAndTotal(t *testing.T) {
	weights := core.DefaultSelectorConfig().Weights
	candidates := []scoreInput{
		{ID: "z", RTT: 100, SuccessCount: 1},
		{ID: "a", RTT: 100, SuccessCount: 1},
	}

	idx1 := rankBest(candidates, weights, 10000, 120000, 10000, 5000)
	idx2 := rankBest(candidates, weights, 10000, 120000, 10000, 5000)
	if idx1 != idx2 {
		t.Fatalf("expected deterministic ranking, got %d then %d", idx1, idx2)
	}
	if candidates[idx1].ID != "a" {
		t.Fatalf("expected lexicographically smaller id to win a tie, got %q", candidates[idx1].ID)
	}
}

// TestRankBestEmpty checks that rankBest reports -1 for no candidates.
func TestRankBestEmpty(t *testing.T) {
	if idx := rankBest(nil, core.ScoreWeights{}, 0, 1, 1, 0); idx != -1 {
		t.Fatalf("expected -1 for empty candidates, got %d", idx)
	}
}

// TestApplyEstimatorSkipsUninitializedThroughput covers applyEstimator's
// per-field guard: a successful probe whose throughput sub-probe failed must
// carry the prior throughput average forward rather than rolling the -1
// sentinel into it, and with no prior average it stays Uninitialized.
func TestApplyEstimatorSkipsUninitializedThroughput(t *testing.T) {
	prev := HistoricalMetrics{AverageRTT: 100, AverageJitter: 10, AverageThroughput: 5000, SuccessCount: 3}

	updated := applyEstimator(prev, 80, 8, Uninitialized, true, 0.3, 1000)
	if updated.AverageThroughput != 5000 {
		t.Fatalf("expected throughput to carry forward at 5000, got %v", updated.AverageThroughput)
	}
	if updated.AverageRTT != 94 {
		t.Fatalf("expected rtt to still update to 94, got %v", updated.AverageRTT)
	}
	if updated.SuccessCount != 4 {
		t.Fatalf("expected successCount 4, got %d", updated.SuccessCount)
	}

	// The very first successful probe with no throughput reading at all
	// leaves the average at its initial sentinel rather than a corrupted
	// negative blend.
	first := applyEstimator(emptyMetrics(), 50, 5, Uninitialized, true, 0.3, 2000)
	if first.AverageThroughput != Uninitialized {
		t.Fatalf("expected throughput to remain uninitialized, got %v", first.AverageThroughput)
	}
	if first.AverageRTT != 50 {
		t.Fatalf("expected rtt to initialize to 50, got %v", first.AverageRTT)
	}
}

// TestProbeOneMalformedEndpoint covers §3/§7: a profile with an unusable
// host/port is treated as an ordinary probe failure even when the tunnel
// evaluator would otherwise report success for that id.
func TestProbeOneMalformedEndpoint(t *testing.T) {
	profiles := newFakeProfileStore(EndpointProfile{ID: "A", Host: "", Port: 0})
	metrics := newFakeMetricsStore()
	eval := newFakeTunnelEvaluator(map[string]fakeEndpoint{
		"A": {pingRTT: 50, fetchData: make([]byte, 1024)},
	})
	s := newTestSelector(profiles, metrics, eval, &fakeSelectionSink{})

	winner, ok, err := s.AutoSelectBestProxy(context.Background(), []string{"A"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok || winner != "" {
		t.Fatalf("expected no winner for a malformed endpoint, got id=%q ok=%v", winner, ok)
	}

	m, found, _ := metrics.LoadMetrics(context.Background(), "A")
	if !found {
		t.Fatal("expected metrics persisted even for a malformed endpoint")
	}
	if m.FailureCount != 1 || m.SuccessCount != 0 {
		t.Fatalf("expected failureCount=1 successCount=0, got %+v", m)
	}
}

// TestRecordProbeOutcomeFiresBreakerEvents covers the breaker transition
// event wiring: OPEN fires once the failure threshold trips, CLOSED fires
// once a HALF_OPEN probe subsequently succeeds.
func TestRecordProbeOutcomeFiresBreakerEvents(t *testing.T) {
	profiles := newFakeProfileStore(EndpointProfile{ID: "A", Host: "10.0.0.1", Port: 51820})
	metrics := newFakeMetricsStore()
	eval := newFakeTunnelEvaluator(map[string]fakeEndpoint{
		"A": {pingRTT: 0},
	})
	bus := core.NewEventBus()

	var opened, closed int
	bus.Subscribe(core.EventBreakerOpened, func(core.Event) { opened++ })
	bus.Subscribe(core.EventBreakerClosed, func(core.Event) { closed++ })

	s := NewSelector(profiles, metrics, newFakeAffiliationStore(), &fakeSelectionSink{}, eval, core.DefaultSelectorConfig(), bus)

	for i := 0; i < 3; i++ {
		s.AutoSelectBestProxy(context.Background(), []string{"A"})
	}
	if opened != 1 {
		t.Fatalf("expected exactly one EventBreakerOpened, got %d", opened)
	}

	// Force the OPEN window to have elapsed and script a success so the
	// admitted HALF_OPEN probe closes the breaker.
	s.Breakers.entries["A"].lastFailureTimeMs = 0
	eval.outcomes["A"] = fakeEndpoint{pingRTT: 50, fetchData: make([]byte, 1024)}

	s.AutoSelectBestProxy(context.Background(), []string{"A"})
	if closed != 1 {
		t.Fatalf("expected exactly one EventBreakerClosed, got %d", closed)
	}
}
