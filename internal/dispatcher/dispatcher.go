// Package dispatcher implements the client's query dispatcher and
// response correlator (spec §4.4): for each path it maintains a
// txid -> OutboundQuery table, allocates txids with a rolling
// open-addressed occupancy table (spec §9's "O(1) allocator" note,
// generalizing the teacher's single-resolver startTxEngine/startRxEngine
// split in internal/protocol/dns_conn.go to the pathset.Path
// abstraction), encodes/sends queries, and correlates responses back
// into the QUIC engine adapter.
package dispatcher

import (
	"math/rand"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/errs"
	"slipstream-go/internal/pathset"
	"slipstream-go/internal/quicengine"
)

// OutboundQuery is an in-flight query awaiting a matching response or a
// retransmit timeout (spec §3).
type OutboundQuery struct {
	Txid      uint16
	Payload   []byte
	Path      *pathset.Path
	SentAt    time.Time
	Kind      Kind
	Timer     *time.Timer
}

// Kind distinguishes a data-bearing query from an empty poll.
type Kind int

const (
	Data Kind = iota
	Poll
)

const txidTableSize = 1 << 16

// PathDispatcher owns the txid table and socket I/O for exactly one
// resolver path. The table is mutated only from this dispatcher's own
// goroutines, matching spec §5's "the txid table per path is mutated
// only from the path's dispatcher task."
type PathDispatcher struct {
	path   *pathset.Path
	domain string
	engine *quicengine.Adapter

	mu       sync.Mutex
	occupied [txidTableSize]bool
	inflight map[uint16]*OutboundQuery
	cursor   uint16

	recursive bool

	onLoss func(*OutboundQuery)
}

// New builds a PathDispatcher for path, encoding queries under domain
// and feeding decoded responses into engine. onLoss is invoked whenever
// a query's retransmit timer fires before a response arrives.
func New(path *pathset.Path, domain string, engine *quicengine.Adapter, onLoss func(*OutboundQuery)) *PathDispatcher {
	return &PathDispatcher{
		path:      path,
		domain:    domain,
		engine:    engine,
		inflight:  make(map[uint16]*OutboundQuery),
		cursor:    uint16(rand.Intn(1 << 16)),
		recursive: path.Kind == pathset.Recursive,
		onLoss:    onLoss,
	}
}

// allocateTxid finds the next free txid via a rolling cursor, skipping
// collisions, per spec §9.
func (d *PathDispatcher) allocateTxid() (uint16, bool) {
	start := d.cursor
	for {
		if !d.occupied[d.cursor] {
			id := d.cursor
			d.occupied[id] = true
			d.cursor++
			return id, true
		}
		d.cursor++
		if d.cursor == start {
			return 0, false
		}
	}
}

// Emit encodes payload (an empty poll when payload is empty), sends it
// on the path's socket, and records the query for correlation. The
// caller pops the payload from the engine.
func (d *PathDispatcher) Emit(payload []byte, retransmitTimeout time.Duration) error {
	d.mu.Lock()
	txid, ok := d.allocateTxid()
	if !ok {
		d.mu.Unlock()
		return errs.New(errs.PathRetransmitTimeout, nil)
	}
	d.mu.Unlock()

	kind := Data
	if len(payload) == 0 {
		kind = Poll
	}

	msg, err := dnscodec.EncodeQuery(d.domain, payload, txid, d.recursive)
	if err != nil {
		d.freeTxid(txid)
		return err
	}
	wire, err := msg.Pack()
	if err != nil {
		d.freeTxid(txid)
		return errs.New(errs.CodecMalformed, err)
	}

	q := &OutboundQuery{Txid: txid, Payload: payload, Path: d.path, SentAt: time.Now(), Kind: kind}
	d.mu.Lock()
	d.inflight[txid] = q
	d.mu.Unlock()
	d.path.MarkEmitted(len(wire))

	q.Timer = time.AfterFunc(retransmitTimeout, func() { d.handleTimeout(txid) })

	if _, err := d.path.Conn.WriteToUDP(wire, d.path.Addr); err != nil {
		d.completeQuery(txid, 0, false)
		return errs.New(errs.QuicFatal, err)
	}
	return nil
}

func (d *PathDispatcher) freeTxid(txid uint16) {
	d.mu.Lock()
	d.occupied[txid] = false
	d.mu.Unlock()
}

// completeQuery removes txid from the table and frees its inflight slot
// once: as a loss when lost is set, otherwise as a completion.
func (d *PathDispatcher) completeQuery(txid uint16, responseBytes int, lost bool) *OutboundQuery {
	d.mu.Lock()
	q, ok := d.inflight[txid]
	if ok {
		delete(d.inflight, txid)
		d.occupied[txid] = false
	}
	d.mu.Unlock()
	if !ok {
		return nil
	}
	if q.Timer != nil {
		q.Timer.Stop()
	}
	// Only a genuine response carries a real RTT sample; timeouts and
	// send failures complete with responseBytes == 0 and must not skew
	// the smoothed estimate.
	if responseBytes > 0 {
		d.path.ObserveRTT(time.Since(q.SentAt))
	}
	if lost {
		d.path.MarkLoss()
	} else {
		d.path.MarkCompleted(responseBytes)
	}
	return q
}

func (d *PathDispatcher) handleTimeout(txid uint16) {
	q := d.completeQuery(txid, 0, true)
	if q == nil {
		return // already matched
	}
	if d.onLoss != nil {
		d.onLoss(q)
	}
}

// HandleResponse parses an inbound wire response, looks up its txid,
// and on a match pushes the decoded payload into the engine. A response
// with an unknown txid is dropped and reported as errs.TxidUnknown; no
// counter of such drops is kept.
func (d *PathDispatcher) HandleResponse(wire []byte) error {
	parsed := new(dns.Msg)
	if err := parsed.Unpack(wire); err != nil {
		return errs.New(errs.CodecMalformed, err)
	}
	payload, txid, err := dnscodec.DecodeResponse(parsed)
	if err != nil {
		return err
	}

	q := d.completeQuery(txid, len(wire), false)
	if q == nil {
		log.Debug().Uint16("txid", txid).Msg("response for unknown txid, dropping")
		return errs.New(errs.TxidUnknown, nil)
	}

	if len(payload) > 0 {
		d.engine.PushDatagram(payload, time.Now())
	}
	return nil
}

// InflightCount returns the number of outbound queries awaiting a
// response on this path.
func (d *PathDispatcher) InflightCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inflight)
}

// Path returns the underlying resolver path.
func (d *PathDispatcher) Path() *pathset.Path { return d.path }

// Listen runs the path's read loop, parsing inbound UDP datagrams as
// DNS responses and correlating them, until the socket is closed.
func (d *PathDispatcher) Listen() {
	buf := make([]byte, 4096)
	for {
		n, _, err := d.path.Conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])
		if err := d.HandleResponse(wire); err != nil {
			log.Debug().Err(err).Int("path_id", d.path.ID).Msg("dispatcher: dropping malformed or unmatched response")
		}
	}
}
