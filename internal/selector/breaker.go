package selector

import (
	"sync"
	"time"
)

// BreakerState is the circuit-breaker state of one candidate endpoint.
type BreakerState int32

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Default tunables matching spec.md §4.3, used by NewBreakerRegistry;
// NewBreakerRegistryWithTunables overrides them per instance.
const (
	failureThresholdDefault = 3
	openWindowDefault       = 60 * time.Second
	halfOpenGapDefault      = 10 * time.Second
)

// breakerEntry is the process-lifetime state for one identifier. Not
// persisted: it is cheap to rebuild and historical metrics already reflect
// long-term reliability.
type breakerEntry struct {
	state               BreakerState
	lastFailureTimeMs   int64
	consecutiveFailures int
}

// BreakerRegistry is the process-wide map of per-identifier breaker state,
// exclusively owned and mutated by the orchestrator during a selection run
// (spec.md §5: "the breaker map is mutated without locking" within one
// invocation — the mutex here only guards against overlapping runs that a
// caller failed to serialize via the single-flight wrapper).
type BreakerRegistry struct {
	mu            sync.Mutex
	entries       map[string]*breakerEntry
	failThreshold int
	openWindow    time.Duration
	halfOpenGap   time.Duration
}

// NewBreakerRegistry creates a registry using the spec's fixed thresholds.
func NewBreakerRegistry() *BreakerRegistry {
	return &BreakerRegistry{
		entries:       make(map[string]*breakerEntry),
		failThreshold: failureThresholdDefault,
		openWindow:    openWindowDefault,
		halfOpenGap:   halfOpenGapDefault,
	}
}

// NewBreakerRegistryWithTunables creates a registry with overridden
// thresholds, for configs that surface §6's tunables.
func NewBreakerRegistryWithTunables(failThreshold int, openWindow, halfOpenGap time.Duration) *BreakerRegistry {
	return &BreakerRegistry{
		entries:       make(map[string]*breakerEntry),
		failThreshold: failThreshold,
		openWindow:    openWindow,
		halfOpenGap:   halfOpenGap,
	}
}

func (r *BreakerRegistry) get(id string) *breakerEntry {
	e, ok := r.entries[id]
	if !ok {
		e = &breakerEntry{state: StateClosed}
		r.entries[id] = e
	}
	return e
}

// State returns the current breaker state for id, applying the
// OPEN→HALF_OPEN timeout transition (§4.3) as a side effect, the same way
// the next selection call would observe it.
func (r *BreakerRegistry) State(id string, nowMs int64) BreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(id)
	r.maybeTransitionToHalfOpen(e, nowMs)
	return e.state
}

// maybeTransitionToHalfOpen moves an OPEN breaker to HALF_OPEN once the
// open window has elapsed. Caller must hold r.mu.
func (r *BreakerRegistry) maybeTransitionToHalfOpen(e *breakerEntry, nowMs int64) {
	if e.state == StateOpen && nowMs-e.lastFailureTimeMs >= r.openWindow.Milliseconds() {
		e.state = StateHalfOpen
	}
}

// ShouldSkip reports whether the candidate must be skipped entirely for
// this selection call, per §4.3: OPEN candidates are always skipped within
// the open window, HALF_OPEN candidates are skipped until the probe gap has
// elapsed since the stamp.
func (r *BreakerRegistry) ShouldSkip(id string, nowMs int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(id)
	r.maybeTransitionToHalfOpen(e, nowMs)

	switch e.state {
	case StateOpen:
		return true
	case StateHalfOpen:
		return nowMs-e.lastFailureTimeMs < r.halfOpenGap.Milliseconds()
	default:
		return false
	}
}

// RecordResult feeds a probe outcome into the breaker state machine.
func (r *BreakerRegistry) RecordResult(id string, success bool, nowMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(id)

	switch e.state {
	case StateClosed:
		if success {
			e.consecutiveFailures = 0
			return
		}
		e.consecutiveFailures++
		if e.consecutiveFailures >= r.failThreshold {
			e.state = StateOpen
			e.lastFailureTimeMs = nowMs
		}
	case StateHalfOpen:
		if success {
			e.state = StateClosed
			e.consecutiveFailures = 0
		} else {
			e.state = StateOpen
			e.lastFailureTimeMs = nowMs
		}
	case StateOpen:
		// A result can only reach here if a caller probed despite
		// ShouldSkip; keep the stamp fresh on continued failure.
		if !success {
			e.lastFailureTimeMs = nowMs
		}
	}
}

// IsOpen reports whether id's breaker is currently OPEN, without mutating
// state (used by the cached-selection path, which must not perform the
// OPEN→HALF_OPEN transition as a side effect of a read-only call).
func (r *BreakerRegistry) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return false
	}
	return e.state == StateOpen
}
