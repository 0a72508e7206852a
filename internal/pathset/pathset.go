// Package pathset implements the client's resolver path set: an ordered
// collection of upstream resolvers, each tagged recursive or
// authoritative, each owning a UDP socket and per-path stats. Grounded
// on the teacher's DnsPacketConn (internal/protocol/dns_conn.go), which
// owned exactly one resolver socket; this generalizes that to many.
package pathset

import (
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Kind distinguishes how a path reaches the server.
type Kind int

const (
	// Recursive paths are routed through a general-purpose resolver;
	// QPS is bounded by the QUIC congestion window.
	Recursive Kind = iota
	// Authoritative paths reach the server directly; QPS is bounded
	// by the QUIC pacer's rate.
	Authoritative
)

func (k Kind) String() string {
	if k == Authoritative {
		return "Authoritative"
	}
	return "Recursive"
}

// Path is one resolver endpoint: its socket, mode, and live stats.
type Path struct {
	ID       int
	Addr     *net.UDPAddr
	Kind     Kind
	Conn     *net.UDPConn

	inflight     atomic.Int64
	smoothedRTT  atomic.Int64 // nanoseconds
	bytesSent    atomic.Int64
	bytesRecv    atomic.Int64
	packetsSent  atomic.Int64
	packetsRecv  atomic.Int64
	lossCount    atomic.Int64
}

// Inflight returns the number of outbound queries awaiting a response
// on this path.
func (p *Path) Inflight() int64 { return p.inflight.Load() }

// SmoothedRTT returns the path's current smoothed round-trip estimate.
func (p *Path) SmoothedRTT() time.Duration { return time.Duration(p.smoothedRTT.Load()) }

// ObserveRTT folds a fresh RTT sample into the smoothed estimate using
// the standard 1/8 EWMA (the same weighting TCP/QUIC use for SRTT).
func (p *Path) ObserveRTT(sample time.Duration) {
	for {
		cur := p.smoothedRTT.Load()
		if cur == 0 {
			if p.smoothedRTT.CompareAndSwap(0, int64(sample)) {
				return
			}
			continue
		}
		next := cur + (int64(sample)-cur)/8
		if p.smoothedRTT.CompareAndSwap(cur, next) {
			return
		}
	}
}

// MarkEmitted records that a query started on this path.
func (p *Path) MarkEmitted(payloadBytes int) {
	p.inflight.Add(1)
	p.packetsSent.Add(1)
	p.bytesSent.Add(int64(payloadBytes))
}

// MarkCompleted records a response (or a timeout) draining one inflight
// slot.
func (p *Path) MarkCompleted(responseBytes int) {
	p.inflight.Add(-1)
	if responseBytes > 0 {
		p.packetsRecv.Add(1)
		p.bytesRecv.Add(int64(responseBytes))
	}
}

// MarkLoss records a retransmit-timeout loss and frees the inflight slot.
func (p *Path) MarkLoss() {
	p.inflight.Add(-1)
	p.lossCount.Add(1)
}

// LossCount returns the number of retransmit timeouts observed on this
// path so far.
func (p *Path) LossCount() int64 { return p.lossCount.Load() }

// Stats is a point-in-time snapshot for the scheduler's debug surface.
type Stats struct {
	Inflight    int64
	BytesSent   int64
	BytesRecv   int64
	PacketsSent int64
	PacketsRecv int64
	LossCount   int64
	SmoothedRTT time.Duration
}

// Snapshot returns the path's current counters.
func (p *Path) Snapshot() Stats {
	return Stats{
		Inflight:    p.inflight.Load(),
		BytesSent:   p.bytesSent.Load(),
		BytesRecv:   p.bytesRecv.Load(),
		PacketsSent: p.packetsSent.Load(),
		PacketsRecv: p.packetsRecv.Load(),
		LossCount:   p.lossCount.Load(),
		SmoothedRTT: time.Duration(p.smoothedRTT.Load()),
	}
}

// Close releases the path's UDP socket.
func (p *Path) Close() error {
	if p.Conn == nil {
		return nil
	}
	return p.Conn.Close()
}

// Set is the ordered collection of resolver paths the client maintains.
type Set struct {
	mu    sync.RWMutex
	paths []*Path
	next  int
}

// New builds a Set by resolving and binding a UDP socket for every
// address in recursive and authoritative.
func New(recursive, authoritative []string) (*Set, error) {
	s := &Set{}
	id := 0
	for _, addr := range recursive {
		p, err := newPath(id, addr, Recursive)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.paths = append(s.paths, p)
		id++
	}
	for _, addr := range authoritative {
		p, err := newPath(id, addr, Authoritative)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.paths = append(s.paths, p)
		id++
	}
	if len(s.paths) == 0 {
		return nil, fmt.Errorf("pathset: at least one resolver path is required")
	}
	return s, nil
}

func newPath(id int, addr string, kind Kind) (*Path, error) {
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("pathset: resolve %q: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, fmt.Errorf("pathset: listen for path %q: %w", addr, err)
	}
	conn.SetReadBuffer(4 * 1024 * 1024)
	return &Path{ID: id, Addr: raddr, Kind: kind, Conn: conn}, nil
}

// Paths returns a snapshot slice of all paths in order.
func (s *Set) Paths() []*Path {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Path, len(s.paths))
	copy(out, s.paths)
	return out
}

// Close tears down every path's socket.
func (s *Set) Close() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var firstErr error
	for _, p := range s.paths {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Rank orders paths by (kind priority, inflight/budget ratio) per
// spec §4.3's tie-break rule. preferAuthoritative controls whether
// Authoritative or Recursive sorts first among equal-usability paths;
// the driver passes true for data-bearing queries and false for
// empty polls (which recursive paths should absorb more aggressively).
func (s *Set) Rank(preferAuthoritative bool, budgetOf func(*Path) int64) []*Path {
	paths := s.Paths()
	ranked := make([]*Path, len(paths))
	copy(ranked, paths)

	ratio := func(p *Path) float64 {
		budget := budgetOf(p)
		if budget <= 0 {
			return 1 << 30
		}
		return float64(p.Inflight()) / float64(budget)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.Kind != b.Kind {
			if preferAuthoritative {
				return a.Kind == Authoritative
			}
			return a.Kind == Recursive
		}
		return ratio(a) < ratio(b)
	})
	return ranked
}
