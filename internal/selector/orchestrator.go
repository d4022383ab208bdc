package selector

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"awg-proxy-selector/internal/core"
)

// Selector runs the full-probe and cached selection pipelines described in
// spec.md §4.5. It owns the process-wide breaker map exclusively: within one
// invocation probing is sequential, so the map is mutated without locking
// beyond what BreakerRegistry itself provides to guard overlapping runs.
type Selector struct {
	Profiles     ProfileStore
	Metrics      MetricsStore
	Affiliations AffiliationStore // optional; nil is fine, never consulted by scoring
	Sink         SelectionSink
	Eval         TunnelEvaluator
	Breakers     *BreakerRegistry
	Config       core.SelectorConfig
	Bus          *core.EventBus

	group singleflight.Group
	runMu sync.Mutex // serializes full-probe runs over different candidate sets
}

// NewSelector wires the orchestrator to its store adapters. cfg supplies the
// tunables of spec.md §6; pass core.DefaultSelectorConfig() for the
// compile-time defaults.
func NewSelector(profiles ProfileStore, metrics MetricsStore, affiliations AffiliationStore, sink SelectionSink, eval TunnelEvaluator, cfg core.SelectorConfig, bus *core.EventBus) *Selector {
	return &Selector{
		Profiles:     profiles,
		Metrics:      metrics,
		Affiliations: affiliations,
		Sink:         sink,
		Eval:         eval,
		Breakers:     NewBreakerRegistryWithTunables(cfg.FailureThreshold, time.Duration(cfg.OpenWindowMs)*time.Millisecond, time.Duration(cfg.HalfOpenGapMs)*time.Millisecond),
		Config:       cfg,
		Bus:          bus,
	}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// shuffleKey derives a stable single-flight key from the candidate set so
// overlapping calls with the same population collapse into one run, per
// spec.md §9 ("a single-flight wrapper... keeps the map lock-free").
func shuffleKey(candidates []string) string {
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// AutoSelectBestProxy runs the full-probe selection pipeline (§4.5) over
// candidates: it probes every surviving candidate sequentially, rolls each
// result into its historical metrics, updates breaker state, ranks
// survivors, promotes the winner's profile label, publishes it to the
// selection sink, and returns its identifier. Returns "", false if no
// candidate survives (an ordinary outcome, not an error, per §7).
func (s *Selector) AutoSelectBestProxy(ctx context.Context, candidates []string) (string, bool, error) {
	if len(candidates) == 0 {
		return "", false, nil
	}

	key := shuffleKey(candidates)
	v, err, _ := s.group.Do(key, func() (any, error) {
		s.runMu.Lock()
		defer s.runMu.Unlock()
		id, ok, err := s.runFullProbe(ctx, candidates)
		return selectResult{id, ok}, err
	})
	if err != nil {
		return "", false, err
	}
	res := v.(selectResult)
	return res.id, res.ok, nil
}

type selectResult struct {
	id string
	ok bool
}

func (s *Selector) runFullProbe(ctx context.Context, candidates []string) (string, bool, error) {
	if s.Bus != nil {
		s.Bus.Publish(core.Event{Type: core.EventSelectionStarted, Payload: core.SelectionStartedPayload{Candidates: candidates}})
	}
	core.Log.Infof("Selector", "Full-probe selection over %d candidates", len(candidates))

	order := shuffledOrder(candidates)

	var survivors []scoreInput
	for _, id := range order {
		result, skipped, err := s.probeOne(ctx, id)
		if err != nil {
			core.Log.Errorf("Selector", "Store failure probing %s: %v", id, err)
			if s.Bus != nil {
				s.Bus.Publish(core.Event{Type: core.EventSelectionCompleted, Payload: core.SelectionCompletedPayload{Candidates: candidates, Err: err}})
			}
			return "", false, err
		}
		if skipped || result == nil {
			continue
		}
		if s.Breakers.IsOpen(id) {
			continue
		}
		if !result.ConnectionSuccessful || result.RTT == Uninitialized {
			continue
		}
		// §4.4 step 1: score the live probe value, falling back to the
		// (just-updated) historical average when the live reading is the
		// Uninitialized sentinel.
		survivors = append(survivors, scoreInput{
			ID:             id,
			RTT:            resolveSource(result.RTT, result.Metrics.AverageRTT),
			Jitter:         result.Jitter,
			Throughput:     resolveSource(result.Throughput, result.Metrics.AverageThroughput),
			Successful:     result.ConnectionSuccessful,
			SuccessCount:   result.Metrics.SuccessCount,
			FailureCount:   result.Metrics.FailureCount,
			LastUpdateTime: result.Metrics.LastUpdateTime,
		})
	}

	if len(survivors) == 0 {
		core.Log.Infof("Selector", "Full-probe selection: no survivors")
		if s.Bus != nil {
			s.Bus.Publish(core.Event{Type: core.EventSelectionCompleted, Payload: core.SelectionCompletedPayload{Candidates: candidates}})
		}
		return "", false, nil
	}

	winIdx := rankBest(survivors, s.Config.Weights, s.Config.FailurePenalty, float64(s.Config.StalenessDivisorMs), s.Config.StalenessCap, nowMillis())
	winnerID := survivors[winIdx].ID

	profile, ok, err := s.Profiles.Lookup(ctx, winnerID)
	if err != nil {
		return "", false, fmt.Errorf("lookup winner %q: %w", winnerID, err)
	}
	if !ok {
		// Profile vanished between probing and promotion; ordinary failure.
		return "", false, nil
	}
	profile.Label = ReservedAutoSelectorLabel

	finalID, err := s.Profiles.Write(ctx, winnerID, profile)
	if err != nil {
		return "", false, fmt.Errorf("promote winner %q: %w", winnerID, err)
	}

	if err := s.Sink.SetActive(ctx, finalID); err != nil {
		return "", false, fmt.Errorf("publish selection %q: %w", finalID, err)
	}

	core.Log.Infof("Selector", "Full-probe selection winner: %s (%d survivors)", finalID, len(survivors))
	if s.Bus != nil {
		s.Bus.Publish(core.Event{Type: core.EventSelectionCompleted, Payload: core.SelectionCompletedPayload{Candidates: candidates, WinnerID: finalID}})
	}

	return finalID, true, nil
}

// probeOne runs steps 3a-3g of §4.5 for a single identifier. Returns
// skipped==true (result==nil, err==nil) when the profile is missing or the
// breaker gates the probe — neither writes metrics. err is non-nil only for
// a store error (profile lookup, metrics load or metrics save), which the
// caller escalates.
func (s *Selector) probeOne(ctx context.Context, id string) (result *ProbeResult, skipped bool, err error) {
	profile, ok, err := s.Profiles.Lookup(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("lookup %q: %w", id, err)
	}
	if !ok {
		return nil, true, nil
	}

	now := nowMillis()
	if s.Breakers.ShouldSkip(id, now) {
		return nil, true, nil
	}

	prevMetrics, hadMetrics, err := s.Metrics.LoadMetrics(ctx, id)
	if err != nil {
		return nil, false, fmt.Errorf("load metrics %q: %w", id, err)
	}
	if !hadMetrics {
		prevMetrics = emptyMetrics()
	}

	// A malformed endpoint can never be probed, regardless of what the
	// tunnel evaluator reports for id (the evaluator addresses candidates by
	// id, not by host/port, so it has no way to notice the endpoint itself
	// is unusable). Per §3/§7 this is an ordinary probe failure: it feeds
	// the breaker and failure counter rather than silently succeeding.
	if !validEndpoint(profile.Host, profile.Port) {
		core.Log.Warnf("Selector", "malformed endpoint %s (host=%q port=%d), treating as probe failure", id, profile.Host, profile.Port)
		return s.recordProbeOutcome(ctx, id, profile, prevMetrics, Uninitialized, 0, Uninitialized, false, now)
	}

	samples, meanRTT, tcpOK := tcpPingSamples(ctx, profile.Host, profile.Port, time.Duration(s.Config.TCPTimeoutMs)*time.Millisecond, s.Config.TCPPingRepetitions)
	jitter := jitterFromSamples(samples)

	rtt, pingOK := tunneledRtt(ctx, s.Eval, id, float64(s.Config.TunneledPingCeilingMs))
	connectionSuccessful := pingOK

	var throughput float64 = Uninitialized
	if connectionSuccessful {
		throughput, _ = throughputKbps(ctx, s.Eval, id, s.Config.ThroughputSizeKB)
	}

	// RTT is the TCP-connect mean per §4.5 step c. If every TCP sample
	// failed but the tunneled ping still succeeded, fall back to the
	// tunneled RTT so a genuine success never carries an Uninitialized RTT
	// into the estimator (would violate the successCount>0 ⇒ averages≥0
	// invariant of §3).
	effectiveRTT := meanRTT
	if !connectionSuccessful {
		effectiveRTT = Uninitialized
	} else if !tcpOK {
		effectiveRTT = rtt
	}

	return s.recordProbeOutcome(ctx, id, profile, prevMetrics, effectiveRTT, jitter, throughput, connectionSuccessful, now)
}

// validEndpoint reports whether host/port could possibly be dialed, per
// spec.md §3 ("host and port must both parse for any probing to occur").
func validEndpoint(host string, port int) bool {
	return host != "" && port > 0 && port <= 65535
}

// recordProbeOutcome rolls one probe's measurements into the estimator,
// persists the result, and updates breaker state, firing the matching
// transition event on the bus when the breaker's state actually changes.
func (s *Selector) recordProbeOutcome(ctx context.Context, id string, profile EndpointProfile, prevMetrics HistoricalMetrics, rtt, jitter, throughput float64, connectionSuccessful bool, now int64) (*ProbeResult, bool, error) {
	updated := applyEstimator(prevMetrics, rtt, jitter, throughput, connectionSuccessful, s.Config.EWMAAlpha, now)
	if err := s.Metrics.SaveMetrics(ctx, id, updated); err != nil {
		return nil, false, fmt.Errorf("save metrics %q: %w", id, err)
	}

	prevState := s.Breakers.State(id, now)
	s.Breakers.RecordResult(id, connectionSuccessful, now)
	newState := s.Breakers.State(id, now)
	if s.Bus != nil {
		if newState == StateOpen && prevState != StateOpen {
			s.Bus.Publish(core.Event{Type: core.EventBreakerOpened, Payload: core.BreakerTransitionPayload{ID: id}})
		} else if newState == StateClosed && prevState != StateClosed {
			s.Bus.Publish(core.Event{Type: core.EventBreakerClosed, Payload: core.BreakerTransitionPayload{ID: id}})
		}
	}

	return &ProbeResult{
		ID:                   id,
		Profile:              profile,
		RTT:                  rtt,
		Jitter:               jitter,
		Throughput:           throughput,
		ConnectionSuccessful: connectionSuccessful,
		TestTimeMs:           now,
		Metrics:              updated,
	}, false, nil
}

// GetBestAvailableProxy runs the cached selection pipeline (§4.5): it reads
// only historical state and current breaker snapshots, performs no I/O
// beyond the store reads, and never mutates profile, metrics, or the
// selection sink. Pure on its inputs (testable property 5 of §8).
func (s *Selector) GetBestAvailableProxy(ctx context.Context, candidates []string) (string, bool, error) {
	if len(candidates) == 0 {
		return "", false, nil
	}

	var survivors []scoreInput
	now := nowMillis()
	for _, id := range candidates {
		profile, ok, err := s.Profiles.Lookup(ctx, id)
		if err != nil {
			return "", false, fmt.Errorf("lookup %q: %w", id, err)
		}
		if !ok {
			continue
		}
		_ = profile

		metrics, hadMetrics, err := s.Metrics.LoadMetrics(ctx, id)
		if err != nil {
			return "", false, fmt.Errorf("load metrics %q: %w", id, err)
		}
		if !hadMetrics || metrics.SuccessCount == 0 {
			continue
		}
		if s.Breakers.IsOpen(id) {
			continue
		}

		survivors = append(survivors, scoreInput{
			ID:             id,
			RTT:            metrics.AverageRTT,
			Jitter:         metrics.AverageJitter,
			Throughput:     metrics.AverageThroughput,
			Successful:     true,
			SuccessCount:   metrics.SuccessCount,
			FailureCount:   metrics.FailureCount,
			LastUpdateTime: metrics.LastUpdateTime,
		})
	}

	if len(survivors) == 0 {
		return "", false, nil
	}

	winIdx := rankBest(survivors, s.Config.Weights, s.Config.FailurePenalty, float64(s.Config.StalenessDivisorMs), s.Config.StalenessCap, now)
	return survivors[winIdx].ID, true, nil
}

// shuffledOrder returns a copy of candidates shuffled with a clock-derived
// seed, for fairness across repeated calls with overlapping populations
// (§4.5 step 2).
func shuffledOrder(candidates []string) []string {
	order := append([]string(nil), candidates...)
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	r.Shuffle(len(order), func(i, j int) {
		order[i], order[j] = order[j], order[i]
	})
	return order
}
