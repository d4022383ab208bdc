package selector

import (
	"sort"

	"awg-proxy-selector/internal/core"
)

// scoreInput is the fully-resolved set of values the scorer needs for one
// candidate, after the live-vs-historical source selection of §4.4 step 1
// has already happened.
type scoreInput struct {
	ID             string
	RTT            float64 // -1 if unavailable
	Jitter         float64
	Throughput     float64 // -1 if unavailable
	Successful     bool
	SuccessCount   int64
	FailureCount   int64
	LastUpdateTime int64
}

// resolveSource implements §4.4 step 1: use the live probe value when it is
// not the Uninitialized sentinel, otherwise fall back to the historical
// average.
func resolveSource(live, historical float64) float64 {
	if live != Uninitialized {
		return live
	}
	return historical
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// score computes the weighted, penalized score for one candidate. Lower is
// better. nowMs drives the staleness penalty.
func score(in scoreInput, weights core.ScoreWeights, failurePenalty float64, stalenessDivisorMs float64, stalenessCap float64, nowMs int64) float64 {
	nRTT := clamp01(in.RTT / 3000)
	nJitter := clamp01(in.Jitter / 500)
	nThroughput := 1 - clamp01(in.Throughput/10000)

	total := weights.RTT*nRTT + weights.Jitter*nJitter + weights.Throughput*nThroughput
	// weights.Loss is reserved: no loss metric exists, so it never adds.

	if !in.Successful || in.RTT == Uninitialized {
		total += failurePenalty
	}

	if denom := in.SuccessCount + in.FailureCount; denom > 0 {
		rate := float64(in.FailureCount) / float64(denom)
		total += rate * failurePenalty
	}

	age := float64(nowMs-in.LastUpdateTime) / stalenessDivisorMs
	if age < 0 {
		age = 0
	}
	if age > stalenessCap {
		age = stalenessCap
	}
	total += age

	return total
}

// rankBest returns the winning candidate's index by §4.4's tie-break rule:
// lowest score, then lowest RTT, then lexicographically smallest ID.
// Returns -1 if candidates is empty.
func rankBest(candidates []scoreInput, weights core.ScoreWeights, failurePenalty, stalenessDivisorMs, stalenessCap float64, nowMs int64) int {
	if len(candidates) == 0 {
		return -1
	}

	type ranked struct {
		idx   int
		score float64
	}
	ranks := make([]ranked, len(candidates))
	for i, c := range candidates {
		ranks[i] = ranked{idx: i, score: score(c, weights, failurePenalty, stalenessDivisorMs, stalenessCap, nowMs)}
	}

	sort.Slice(ranks, func(a, b int) bool {
		ra, rb := ranks[a], ranks[b]
		if ra.score != rb.score {
			return ra.score < rb.score
		}
		ca, cb := candidates[ra.idx], candidates[rb.idx]
		if ca.RTT != cb.RTT {
			return ca.RTT < cb.RTT
		}
		return ca.ID < cb.ID
	})

	return ranks[0].idx
}
