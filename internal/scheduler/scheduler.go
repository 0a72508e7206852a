// Package scheduler implements the client's polling scheduler: it
// decides when and on which resolver path to emit a DNS query, sizing
// the inflight window to the QUIC engine's pacing rate (authoritative
// paths) or congestion window (recursive paths), and yielding to
// data-bearing queries over empty polls (spec §4.3). It replaces the
// teacher's fixed ParallelPolls/PollInterval constants
// (internal/protocol/dns_conn.go) with the budget formulas the design
// requires. Data is preferred over polls by the driver, which emits data
// whenever the engine has a datagram pending and empty polls otherwise.
package scheduler

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/pathset"
)

// State is a path's position in the Idle -> Emitting <-> AwaitingResponses
// -> Idle state machine (spec §4.3).
type State int

const (
	Idle State = iota
	Emitting
	AwaitingResponses
)

func (s State) String() string {
	switch s {
	case Emitting:
		return "Emitting"
	case AwaitingResponses:
		return "AwaitingResponses"
	default:
		return "Idle"
	}
}

const (
	hardCap              = 64
	minRetransmitTimeout = 100 * time.Millisecond
	maxRetransmitTimeout = 2 * time.Second
	emptyPollInterval    = 25 * time.Millisecond // matches the teacher's PollInterval
)

// Signals is the per-tick snapshot the scheduler reads from the QUIC
// engine adapter to compute budgets.
type Signals struct {
	PacingRateBPS      float64
	CongestionWindow   int64
	FlowControlBlocked bool
}

// Scheduler owns per-path state machines and budget accounting for one
// client tunnel.
type Scheduler struct {
	mu sync.Mutex

	paths          *pathset.Set
	payloadBudgetB int
	// overheadFactor accounts for encoding overhead when one DNS query
	// does not correspond to exactly one QUIC datagram (spec §9's
	// resolved Open Question); 1.0 is the common case.
	overheadFactor float64

	state        map[int]State
	lastEmptyAt  map[int]time.Time
	lastDebugLog time.Time

	emptyPolls map[int]int64
	dataPolls  map[int]int64
}

// New builds a Scheduler over paths, budgeting encoded payloads of up
// to payloadBudgetB bytes per query.
func New(paths *pathset.Set, payloadBudgetB int, overheadFactor float64) *Scheduler {
	if overheadFactor <= 0 {
		overheadFactor = 1.0
	}
	s := &Scheduler{
		paths:          paths,
		payloadBudgetB: payloadBudgetB,
		overheadFactor: overheadFactor,
		state:          make(map[int]State),
		lastEmptyAt:    make(map[int]time.Time),
		emptyPolls:     make(map[int]int64),
		dataPolls:      make(map[int]int64),
	}
	for _, p := range paths.Paths() {
		s.state[p.ID] = Idle
	}
	return s
}

// Budget returns the inflight budget for a path given sig, implementing
// the Recursive/Authoritative formulas of spec §4.3.
func (s *Scheduler) Budget(p *pathset.Path, sig Signals) int64 {
	if p.Kind == pathset.Authoritative && sig.PacingRateBPS > 0 {
		targetQPS := sig.PacingRateBPS / (8 * float64(s.payloadBudgetB) * s.overheadFactor)
		if targetQPS < 1 {
			targetQPS = 1
		}
		if targetQPS > hardCap {
			targetQPS = hardCap
		}
		rtt := p.SmoothedRTT()
		if rtt <= 0 {
			rtt = minRetransmitTimeout
		}
		budget := int64(targetQPS * rtt.Seconds())
		if budget < 1 {
			budget = 1
		}
		if budget > hardCap {
			budget = hardCap
		}
		return budget
	}

	// Recursive mode, or authoritative with no pacing-rate sample yet
	// (fallback to the congestion-window formula per spec §4.3).
	if s.payloadBudgetB <= 0 {
		return 1
	}
	budget := sig.CongestionWindow / int64(s.payloadBudgetB)
	if budget < 1 {
		budget = 1
	}
	if budget > hardCap {
		budget = hardCap
	}
	return budget
}

// DataBudget is the headroom available to data-bearing sends: it
// collapses to the path's current inflight count (i.e. zero headroom)
// whenever sig.FlowControlBlocked is set, so a stalled stream write
// pauses new data without stopping empty polls, which keep using
// Budget directly (spec §4.3/§5: "when QUIC reports flow-control-
// blocked, polls continue").
func (s *Scheduler) DataBudget(p *pathset.Path, sig Signals) int64 {
	if sig.FlowControlBlocked {
		return p.Inflight()
	}
	return s.Budget(p, sig)
}

// RetransmitTimeout computes 2*smoothedRTT clamped to [100ms, 2s] (spec
// §4.3).
func RetransmitTimeout(smoothedRTT time.Duration) time.Duration {
	t := 2 * smoothedRTT
	if t < minRetransmitTimeout {
		return minRetransmitTimeout
	}
	if t > maxRetransmitTimeout {
		return maxRetransmitTimeout
	}
	return t
}

// ShouldEmitPoll reports whether an idle path is due for an empty poll:
// inflight below budget, no data queued, and the path's last empty poll
// was at least emptyPollInterval ago (spec §4.3's rate limit on empty
// polls).
func (s *Scheduler) ShouldEmitPoll(p *pathset.Path, budget int64, hasData bool) bool {
	if hasData {
		return false
	}
	if p.Inflight() >= budget {
		return false
	}
	s.mu.Lock()
	last := s.lastEmptyAt[p.ID]
	s.mu.Unlock()
	return time.Since(last) >= emptyPollInterval
}

// MarkEmptyPollSent records that path just emitted an empty poll, for
// ShouldEmitPoll's rate limit and LogDebugIfDue's empty_polls_per_sec
// counter.
func (s *Scheduler) MarkEmptyPollSent(p *pathset.Path) {
	s.mu.Lock()
	s.lastEmptyAt[p.ID] = time.Now()
	s.emptyPolls[p.ID]++
	s.mu.Unlock()
}

// MarkDataPollSent records that path just emitted a data-bearing query,
// for LogDebugIfDue's data_polls_per_sec counter.
func (s *Scheduler) MarkDataPollSent(p *pathset.Path) {
	s.mu.Lock()
	s.dataPolls[p.ID]++
	s.mu.Unlock()
}

// Transition advances a path's state machine.
func (s *Scheduler) Transition(p *pathset.Path, next State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[p.ID] = next
}

// StateOf returns a path's current state.
func (s *Scheduler) StateOf(p *pathset.Path) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state[p.ID]
}

// DebugRecord is the periodic (~1Hz) surface spec §4.3 calls for when
// --debug-poll is enabled.
type DebugRecord struct {
	PathID           int
	Mode             pathset.Kind
	Inflight         int64
	Budget           int64
	PacingRate       float64
	SmoothedRTT      time.Duration
	EmptyPollsPerSec float64
	DataPollsPerSec  float64
}

// LogDebugIfDue emits one DebugRecord per path at most once per second,
// matching spec §4.3's "(path_id, mode, inflight, budget, pacing_rate,
// smoothed_rtt, empty_polls_per_sec, data_polls_per_sec)" surface. The
// per-second rates are the empty/data poll counts accumulated since the
// previous due log, divided by the elapsed time since then.
func (s *Scheduler) LogDebugIfDue(sig Signals, enabled bool) {
	if !enabled {
		return
	}
	s.mu.Lock()
	elapsed := time.Since(s.lastDebugLog)
	due := elapsed >= time.Second
	var emptyRate, dataRate map[int]float64
	if due {
		elapsedSec := elapsed.Seconds()
		if s.lastDebugLog.IsZero() || elapsedSec <= 0 {
			elapsedSec = 1
		}
		emptyRate = make(map[int]float64, len(s.emptyPolls))
		dataRate = make(map[int]float64, len(s.dataPolls))
		for id, n := range s.emptyPolls {
			emptyRate[id] = float64(n) / elapsedSec
		}
		for id, n := range s.dataPolls {
			dataRate[id] = float64(n) / elapsedSec
		}
		s.emptyPolls = make(map[int]int64)
		s.dataPolls = make(map[int]int64)
		s.lastDebugLog = time.Now()
	}
	s.mu.Unlock()
	if !due {
		return
	}

	for _, p := range s.paths.Paths() {
		budget := s.Budget(p, sig)
		log.Info().
			Int("path_id", p.ID).
			Str("mode", p.Kind.String()).
			Int64("inflight", p.Inflight()).
			Int64("budget", budget).
			Float64("pacing_rate", sig.PacingRateBPS).
			Dur("smoothed_rtt", p.SmoothedRTT()).
			Float64("empty_polls_per_sec", emptyRate[p.ID]).
			Float64("data_polls_per_sec", dataRate[p.ID]).
			Msg("poll scheduler debug record")
	}
}
