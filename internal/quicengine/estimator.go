package quicengine

import (
	"strings"
	"sync"
	"time"
)

// Scheme selects which congestion-control behavior RecordSend/RecordLoss
// approximate, chosen by --congestion-control (spec §6).
type Scheme int

const (
	// DCubic approximates a loss-based cubic/AIMD controller: gentle
	// additive growth per byte sent, and a multiplicative (halving)
	// backoff whenever a retransmit timeout is observed.
	DCubic Scheme = iota
	// BBR approximates a model-based controller: window grows
	// proportionally toward the bandwidth-delay product instead of
	// additively, and a single DNS-layer retransmit timeout is not
	// treated as a congestion signal the way cubic/Reno treat loss.
	BBR
)

func (s Scheme) String() string {
	if s == BBR {
		return "bbr"
	}
	return "dcubic"
}

// ParseScheme maps --congestion-control's validated "bbr"/"dcubic"
// string onto a Scheme, defaulting to DCubic for anything else.
func ParseScheme(s string) Scheme {
	if strings.EqualFold(s, "bbr") {
		return BBR
	}
	return DCubic
}

// Estimator derives the pacing rate, congestion window, and smoothed
// RTT the scheduler needs (spec §4.2/§4.3) from datagram send/receive
// timing the adapter observes. quic-go's public ConnectionState() only
// exposes TLS state, GSO support, and 0-RTT usage — not the internal
// congestion controller — so this layer approximates the same signals
// a real congestion controller would report, using a growth/backoff
// scheme in the spirit of the teacher's redundancy heuristic in
// virtual_conn.go ("if len(p) >= 1000, apply 2x redundancy"), which was
// itself an informal stand-in for congestion-aware pacing.
type Estimator struct {
	mu sync.Mutex

	scheme Scheme

	windowBytes   float64
	rtt           time.Duration
	lastSend      time.Time
	bytesInWindow int64
	windowStart   time.Time
}

const (
	initialWindow = 4 * 1024 // bytes, mirrors a conservative QUIC initcwnd
	minWindow     = 2 * 1024
	maxWindow     = 2 * 1024 * 1024
	rateWindow    = 200 * time.Millisecond
)

// NewEstimator returns an estimator seeded at a conservative initial
// window with no RTT sample yet, growing/backing off per scheme.
func NewEstimator(scheme Scheme) *Estimator {
	return &Estimator{windowBytes: initialWindow, scheme: scheme}
}

// RecordSend folds an outbound datagram into the rate window and grows
// the window per scheme (additively for dcubic, proportionally for bbr),
// without access to quic-go's real controller.
func (e *Estimator) RecordSend(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := time.Now()
	if e.windowStart.IsZero() {
		e.windowStart = now
	}
	if now.Sub(e.windowStart) > rateWindow {
		e.windowStart = now
		e.bytesInWindow = 0
	}
	e.bytesInWindow += int64(n)
	e.lastSend = now

	switch e.scheme {
	case BBR:
		// Proportional growth toward the bandwidth-delay product
		// instead of a fixed additive step, approximating BBR's
		// model-based probing.
		e.windowBytes *= 1 + (float64(n)/maxWindow)*0.05
	default:
		e.windowBytes += float64(n) / 8 // gentle additive increase per byte sent
	}
	if e.windowBytes > maxWindow {
		e.windowBytes = maxWindow
	}
}

// RecordReceive feeds back an inbound datagram's arrival, updating the
// smoothed RTT when it can be attributed to the most recent send.
func (e *Estimator) RecordReceive(_ int, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastSend.IsZero() {
		return
	}
	sample := now.Sub(e.lastSend)
	if sample <= 0 || sample > 10*time.Second {
		return
	}
	if e.rtt == 0 {
		e.rtt = sample
		return
	}
	e.rtt += (sample - e.rtt) / 8
}

// RecordLoss backs off the window on a DNS-layer retransmit timeout,
// per scheme: dcubic halves it like a classic loss-based controller;
// bbr only trims it gently, since a model-based controller doesn't
// treat one lost probe as a congestion signal.
func (e *Estimator) RecordLoss() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.scheme {
	case BBR:
		e.windowBytes *= 0.9
	default:
		e.windowBytes /= 2
	}
	if e.windowBytes < minWindow {
		e.windowBytes = minWindow
	}
}

// CongestionWindow returns the current estimated congestion window in
// bytes.
func (e *Estimator) CongestionWindow() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int64(e.windowBytes)
}

// SmoothedRTT returns the current smoothed RTT estimate, or zero if no
// sample has been observed yet.
func (e *Estimator) SmoothedRTT() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rtt
}

// PacingRateBPS returns the estimated send rate in bits/second over the
// trailing rate window, or zero if no data has been sent recently.
func (e *Estimator) PacingRateBPS() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.windowStart.IsZero() {
		return 0
	}
	elapsed := time.Since(e.windowStart).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(e.bytesInWindow) * 8 / elapsed
}
