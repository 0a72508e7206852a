// Package quicengine adapts github.com/quic-go/quic-go to the narrow
// "opaque QUIC engine" surface the tunnel design assumes: push/pop
// opaque UDP-shaped datagrams, stream byte I/O, and observability
// (pacing rate, congestion window, smoothed RTT, flow-control state).
//
// The adapter is, at its core, the teacher's net.PacketConn spoofing
// trick (internal/protocol/dns_conn.go's DnsPacketConn, internal/server's
// VirtualConn): quic-go believes it owns a UDP socket, but every
// outbound "UDP" write is actually a QUIC packet destined to ride inside
// a DNS message, and every inbound "UDP" read is a QUIC packet that
// arrived decoded from one. PushDatagram/PopDatagram expose that same
// channel pair with explicit timestamps instead of hiding them inside
// net.PacketConn's blocking Read/WriteTo.
package quicengine

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	rxQueueSize = 2000
	txQueueSize = 2000
)

// spoofAddr is the fixed address quic-go is told its socket is bound to
// and that every injected datagram appears to originate from, matching
// the teacher's LocalAddr()/ReadFrom() spoofing convention.
var spoofAddr = &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}

// Adapter implements net.PacketConn over channel-mediated queues so a
// quic.Transport can be driven without ever touching a real UDP socket;
// the dispatcher moves bytes between these queues and the DNS wire.
type Adapter struct {
	rx chan []byte
	tx chan outbound

	closeOnce sync.Once
	done      chan struct{}

	estimator   *Estimator
	flowBlocked atomic.Bool
}

type outbound struct {
	data     []byte
	queuedAt time.Time
}

// New creates an Adapter with its estimator zeroed and growing/backing
// off per scheme; the estimator is fed by the dispatcher as it
// observes send/ack timing on the wire.
func New(scheme Scheme) *Adapter {
	return &Adapter{
		rx:        make(chan []byte, rxQueueSize),
		tx:        make(chan outbound, txQueueSize),
		done:      make(chan struct{}),
		estimator: NewEstimator(scheme),
	}
}

// Estimator returns the adapter's rate/window/RTT estimator so the
// scheduler and dispatcher can read and feed it.
func (a *Adapter) Estimator() *Estimator { return a.estimator }

// --- net.PacketConn, consumed internally by quic-go ---

func (a *Adapter) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case data := <-a.rx:
		n := copy(p, data)
		return n, spoofAddr, nil
	case <-a.done:
		return 0, nil, net.ErrClosed
	}
}

func (a *Adapter) WriteTo(p []byte, _ net.Addr) (int, error) {
	buf := make([]byte, len(p))
	copy(buf, p)
	select {
	case a.tx <- outbound{data: buf, queuedAt: time.Now()}:
		a.estimator.RecordSend(len(buf))
		return len(p), nil
	case <-a.done:
		return 0, net.ErrClosed
	}
}

func (a *Adapter) Close() error {
	a.closeOnce.Do(func() { close(a.done) })
	return nil
}

func (a *Adapter) LocalAddr() net.Addr             { return spoofAddr }
func (a *Adapter) SetDeadline(time.Time) error      { return nil }
func (a *Adapter) SetReadDeadline(time.Time) error  { return nil }
func (a *Adapter) SetWriteDeadline(time.Time) error { return nil }

// --- opaque-engine surface, consumed by the dispatcher ---

// PushDatagram injects a datagram the dispatcher decoded off the wire
// into the engine, as though it had just arrived on a UDP socket.
func (a *Adapter) PushDatagram(data []byte, now time.Time) {
	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case a.rx <- buf:
	default:
		// Queue full: drop. The DNS layer is lossy by design (spec
		// §9); QUIC's own retransmission recovers.
	}
	a.estimator.RecordReceive(len(data), now)
}

// PopDatagram dequeues the next datagram the engine wants to send, with
// the instant it was queued (quic-go's internal pacer already gated the
// WriteTo call, so "earliest send time" for this adapter is simply when
// the datagram became available). ok is false if nothing is pending.
func (a *Adapter) PopDatagram(_ time.Time) (data []byte, earliestSendTime time.Time, ok bool) {
	select {
	case out := <-a.tx:
		return out.data, out.queuedAt, true
	default:
		return nil, time.Time{}, false
	}
}

// HasPending reports whether PopDatagram would return a non-empty
// payload right now, so the scheduler never wastes a slot on an empty
// poll while real data is waiting (spec §4.2).
func (a *Adapter) HasPending() bool {
	return len(a.tx) > 0
}

// FlowControlBlocked reports whether the connection's stream write side
// is currently blocked on peer flow control, fed by the bridge each time
// a stream write would block.
func (a *Adapter) FlowControlBlocked() bool {
	return a.flowBlocked.Load()
}

// SetFlowControlBlocked is called by the stream bridge around blocking
// writes to surface backpressure to the scheduler (spec §5).
func (a *Adapter) SetFlowControlBlocked(blocked bool) {
	a.flowBlocked.Store(blocked)
}
