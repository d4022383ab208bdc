package selector

// ewmaUpdate rolls a single successful sample into the existing average.
// The first observed sample becomes the average exactly (no blending).
func ewmaUpdate(current, sample, alpha float64) float64 {
	if current == Uninitialized {
		return sample
	}
	return alpha*sample + (1-alpha)*current
}

// applyEstimator rolls a probe result forward into prev, producing the new
// HistoricalMetrics. A successful result updates successCount and each
// average whose sample is not Uninitialized — a probe that succeeded overall
// but never got a usable reading for one metric (e.g. the throughput
// sub-probe failed) carries that average's prior value forward rather than
// rolling the -1 sentinel into it. An average that has never received a
// usable sample therefore stays Uninitialized even once successCount > 0
// (e.g. the first successful probe had no throughput reading). A failed result only bumps
// failureCount. lastUpdateTime is always set to nowMs (non-decreasing by
// construction — callers must pass a monotonically non-decreasing clock read
// per identifier).
func applyEstimator(prev HistoricalMetrics, rtt, jitter, throughput float64, successful bool, alpha float64, nowMs int64) HistoricalMetrics {
	next := prev

	if successful {
		if rtt != Uninitialized {
			next.AverageRTT = ewmaUpdate(prev.AverageRTT, rtt, alpha)
		}
		if jitter != Uninitialized {
			next.AverageJitter = ewmaUpdate(prev.AverageJitter, jitter, alpha)
		}
		if throughput != Uninitialized {
			next.AverageThroughput = ewmaUpdate(prev.AverageThroughput, throughput, alpha)
		}
		next.SuccessCount = prev.SuccessCount + 1
	} else {
		next.FailureCount = prev.FailureCount + 1
	}
	next.LastUpdateTime = nowMs

	return next
}

// emptyMetrics returns the zero-value historical record: uninitialized
// averages, zero counters, zero timestamp.
func emptyMetrics() HistoricalMetrics {
	return HistoricalMetrics{
		AverageRTT:        Uninitialized,
		AverageJitter:     Uninitialized,
		AverageThroughput: Uninitialized,
		SuccessCount:      0,
		FailureCount:      0,
		LastUpdateTime:    0,
	}
}
