package selector

import (
	"context"
	"fmt"
	"math"
	"net"
	"time"

	"awg-proxy-selector/internal/core"
)

// tcpConnectLatency opens a raw TCP connection to host:port with a fixed
// timeout and returns the wall-clock elapsed from just before connect to
// just after it completes. Any resolution or socket error is a failure.
// Never retries; always releases the socket on every exit path.
func tcpConnectLatency(ctx context.Context, host string, port int, timeout time.Duration) (ms float64, ok bool) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	d := net.Dialer{}
	start := time.Now()
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	elapsed := time.Since(start)
	if err != nil {
		return Uninitialized, false
	}
	conn.Close()

	return float64(elapsed.Microseconds()) / 1000.0, true
}

// tunneledRtt measures round-trip time for traffic that actually traverses
// the proxy core, as distinct from a raw TCP connect to the endpoint.
// A result strictly in (0, ceilingMs) is success; anything else (negative,
// zero, or a timeout at-or-past the ceiling) is failure.
func tunneledRtt(ctx context.Context, eval TunnelEvaluator, id string, ceilingMs float64) (ms float64, ok bool) {
	cfg, err := eval.BuildTransientConfig(ctx, id)
	if err != nil {
		core.Log.Debugf("Probe", "tunneledRtt %s: build config failed: %v", id, err)
		return Uninitialized, false
	}

	rtt, err := eval.PingThroughTunnel(ctx, cfg)
	if err != nil {
		core.Log.Debugf("Probe", "tunneledRtt %s: ping failed: %v", id, err)
		return Uninitialized, false
	}

	if rtt <= 0 || rtt >= ceilingMs {
		return Uninitialized, false
	}
	return rtt, true
}

// throughputKbps requests a transfer sized sizeKb through the tunnel and
// derives kbps from the elapsed wall-clock time and the bytes the evaluator
// reports actually moved (which may be short of sizeKb on a slow or
// truncated transfer). Failure (including an inability to obtain a
// transient config) returns -1.
func throughputKbps(ctx context.Context, eval TunnelEvaluator, id string, sizeKb int64) (kbps float64, ok bool) {
	cfg, err := eval.BuildTransientConfig(ctx, id)
	if err != nil {
		core.Log.Debugf("Probe", "throughputKbps %s: build config failed: %v", id, err)
		return Uninitialized, false
	}

	url := fmt.Sprintf("http://throughput.local/probe?size_kb=%d", sizeKb)
	start := time.Now()
	data, err := eval.FetchThroughTunnel(ctx, url, "AutoSelector/1.0", cfg.LocalPort)
	elapsed := time.Since(start)
	if err != nil || len(data) == 0 {
		return Uninitialized, false
	}

	elapsedMs := float64(elapsed.Microseconds()) / 1000.0
	if elapsedMs <= 0 {
		return Uninitialized, false
	}
	return float64(len(data)) * 8 / elapsedMs, true
}

// tcpPingSamples collects n TCP-connect latency samples for an endpoint.
// Returns the successful samples (failed attempts are left out of the
// slice) for jitter computation and their mean RTT. If every sample fails,
// ok is false.
func tcpPingSamples(ctx context.Context, host string, port int, timeout time.Duration, n int) (samples []float64, mean float64, ok bool) {
	samples = make([]float64, 0, n)
	var sum float64
	var good int
	for i := 0; i < n; i++ {
		v, success := tcpConnectLatency(ctx, host, port, timeout)
		if success {
			samples = append(samples, v)
			sum += v
			good++
		}
	}
	if good == 0 {
		return samples, Uninitialized, false
	}
	return samples, sum / float64(good), true
}

// jitterFromSamples computes the sample standard-deviation-like statistic
// over a set of RTT samples. With fewer than two samples jitter is 0.
func jitterFromSamples(samples []float64) float64 {
	n := len(samples)
	if n < 2 {
		return 0
	}
	var mean float64
	for _, s := range samples {
		mean += s
	}
	mean /= float64(n)

	var variance float64
	for _, s := range samples {
		d := s - mean
		variance += d * d
	}
	variance /= float64(n)

	return math.Sqrt(variance)
}
