// Package driver runs the client's scheduler/dispatcher tick loop: on
// every tick it reads the QUIC engine's pacing signals, ranks paths,
// and either drains a real datagram onto the best path or lets an idle
// path emit a rate-limited empty poll (spec §4.2/§4.3). This is the
// client-side analogue of the teacher's startPollEngine/startBurstEngine
// pair in internal/protocol/dns_conn.go, replacing its fixed
// ParallelPolls/PollInterval constants with the scheduler's budgets.
package driver

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"slipstream-go/internal/dispatcher"
	"slipstream-go/internal/pathset"
	"slipstream-go/internal/quicengine"
	"slipstream-go/internal/scheduler"
)

// tickInterval bounds how often the driver re-evaluates every path; it
// is intentionally short since emission is already rate-limited by each
// path's own budget and empty-poll cadence.
const tickInterval = 2 * time.Millisecond

// Driver ties one client tunnel's path set, engine, scheduler, and
// per-path dispatchers together into the tick loop spec §4.3 describes.
type Driver struct {
	paths       *pathset.Set
	engine      *quicengine.Adapter
	sched       *scheduler.Scheduler
	dispatchers map[int]*dispatcher.PathDispatcher
	debugPoll   bool
}

// New builds a Driver. dispatchers must have one entry per path in paths.
func New(paths *pathset.Set, engine *quicengine.Adapter, sched *scheduler.Scheduler, dispatchers map[int]*dispatcher.PathDispatcher, debugPoll bool) *Driver {
	return &Driver{paths: paths, engine: engine, sched: sched, dispatchers: dispatchers, debugPoll: debugPoll}
}

// Run blocks, ticking the scheduler until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Driver) tick() {
	sig := scheduler.Signals{
		PacingRateBPS:      d.engine.Estimator().PacingRateBPS(),
		CongestionWindow:   d.engine.Estimator().CongestionWindow(),
		FlowControlBlocked: d.engine.FlowControlBlocked(),
	}
	d.sched.LogDebugIfDue(sig, d.debugPoll)
	d.reconcileIdle()

	hasData := d.engine.HasPending()
	if hasData {
		d.emitData(sig)
		return
	}
	d.emitEmptyPolls(sig)
}

// reconcileIdle brings a path's state machine back to Idle once its
// inflight queries have all completed, so Emitting/AwaitingResponses
// only ever reflect a path with real outstanding queries (spec §4.3).
func (d *Driver) reconcileIdle() {
	for _, p := range d.paths.Paths() {
		if p.Inflight() == 0 && d.sched.StateOf(p) != scheduler.Idle {
			d.sched.Transition(p, scheduler.Idle)
		}
	}
}

// emitData pops one real datagram and sends it on the best-ranked path
// with budget headroom, per spec §4.3's "data-bearing queries preempt
// empty polls" rule. Budget is gated through DataBudget so a path whose
// stream write is flow-control-blocked pauses new data without
// affecting empty polls on the same path.
func (d *Driver) emitData(sig scheduler.Signals) {
	ranked := d.paths.Rank(true, func(p *pathset.Path) int64 { return d.sched.DataBudget(p, sig) })
	for _, p := range ranked {
		budget := d.sched.DataBudget(p, sig)
		if p.Inflight() >= budget {
			continue
		}
		payload, _, ok := d.engine.PopDatagram(time.Now())
		if !ok {
			return // another tick already drained it
		}
		d.sched.MarkDataPollSent(p)
		d.emit(p, payload)
		return
	}
}

// emitEmptyPolls lets every idle, rate-eligible path send an empty poll
// so the server can ride queued responses back (spec §4.3).
func (d *Driver) emitEmptyPolls(sig scheduler.Signals) {
	ranked := d.paths.Rank(false, func(p *pathset.Path) int64 { return d.sched.Budget(p, sig) })
	for _, p := range ranked {
		budget := d.sched.Budget(p, sig)
		if !d.sched.ShouldEmitPoll(p, budget, false) {
			continue
		}
		d.sched.MarkEmptyPollSent(p)
		d.emit(p, nil)
	}
}

func (d *Driver) emit(p *pathset.Path, payload []byte) {
	disp, ok := d.dispatchers[p.ID]
	if !ok {
		return
	}
	d.sched.Transition(p, scheduler.Emitting)
	timeout := scheduler.RetransmitTimeout(p.SmoothedRTT())
	if err := disp.Emit(payload, timeout); err != nil {
		log.Debug().Err(err).Int("path_id", p.ID).Msg("driver: emit failed")
		d.sched.Transition(p, scheduler.Idle)
		return
	}
	d.sched.Transition(p, scheduler.AwaitingResponses)
}
