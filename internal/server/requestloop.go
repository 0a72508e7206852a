// Package server implements the server-side request loop (spec §4.5):
// a single UDP socket receives every query, decodes it, feeds the
// payload into the shared QUIC engine, and answers with whatever the
// engine has queued for that client (falling back to the Pending
// Response Buffer when the engine has nothing destined for this
// client's next poll). Generalizes the teacher's DNSHandler
// (internal/server/dns_handler.go), dropping its per-domain fragment
// reassembly now that payloads fit in a single query/response pair.
package server

import (
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/quicengine"
	"slipstream-go/internal/session"
)

// maxDrain bounds how many times one query handling pass drains the
// engine's outbound queue looking for a datagram addressed to the
// current client before giving up and stashing the rest.
const maxDrain = 32

// RequestLoop owns the server's single UDP socket and drives the
// decode/push/pop/encode cycle described in spec §4.5.
type RequestLoop struct {
	conn   *net.UDPConn
	domain string
	mux    *quicengine.ServerMux
	store  *session.Store
}

// New builds a RequestLoop bound to conn, recognizing queries under
// domain, feeding mux, and using store as the Pending Response Buffer.
func New(conn *net.UDPConn, domain string, mux *quicengine.ServerMux, store *session.Store) *RequestLoop {
	return &RequestLoop{conn: conn, domain: domain, mux: mux, store: store}
}

// Serve blocks, handling queries until the socket is closed.
func (r *RequestLoop) Serve() error {
	buf := make([]byte, 4096)
	for {
		n, clientAddr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		wire := make([]byte, n)
		copy(wire, buf[:n])
		go r.handleQuery(wire, clientAddr)
	}
}

func (r *RequestLoop) handleQuery(wire []byte, clientAddr *net.UDPAddr) {
	query := new(dns.Msg)
	if err := query.Unpack(wire); err != nil {
		log.Debug().Err(err).Msg("server: dropping unparseable query")
		return
	}

	payload, txid, err := dnscodec.DecodeQuery(query, r.domain)
	if err != nil {
		log.Debug().Err(err).Str("client", clientAddr.String()).Msg("server: dropping query outside tunnel domain")
		return
	}

	now := time.Now()
	clientKey := clientAddr.String()

	// Step 2: ingest upstream payload, if any.
	if len(payload) > 0 {
		r.mux.PushDatagram(clientKey, payload, now)
	}

	// Step 3: look for a response destined for this client, first from
	// the engine's live outbound queue, then from the Pending Response
	// Buffer built up by earlier unmatched pops.
	respPayload := r.drainForClient(clientKey)
	if respPayload == nil {
		buf := r.store.GetOrCreate(clientKey)
		respPayload = buf.Pop()
	}

	// Step 4: encode and send, even if empty (keeps the polling cadence
	// alive and the resolver's cache from serving a stale reply, spec §4.2).
	resp := dnscodec.EncodeResponse(query, respPayload)
	resp.Id = txid
	out, err := resp.Pack()
	if err != nil {
		log.Error().Err(err).Msg("server: failed to pack response")
		return
	}
	if _, err := r.conn.WriteToUDP(out, clientAddr); err != nil {
		log.Debug().Err(err).Msg("server: failed to write response")
	}
}

// drainForClient pops up to maxDrain datagrams from the engine,
// returning the first one addressed to clientKey and stashing every
// other one in its own client's Pending Response Buffer (spec §4.5
// step 5).
func (r *RequestLoop) drainForClient(clientKey string) []byte {
	now := time.Now()
	for i := 0; i < maxDrain; i++ {
		addr, data, ok := r.mux.PopDatagram(now)
		if !ok {
			return nil
		}
		if addr == clientKey {
			return data
		}
		r.store.GetOrCreate(addr).Push(data)
	}
	return nil
}

// Pump runs an independent background loop draining the engine's
// outbound queue into Pending Response Buffers even when no query is
// currently in flight for the destination client, so data queued
// between polls isn't lost waiting on maxDrain (spec §4.5's closing
// paragraph: "a background task also drains pop_datagram independently
// of request handling").
func (r *RequestLoop) Pump(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			now := time.Now()
			for {
				addr, data, ok := r.mux.PopDatagram(now)
				if !ok {
					break
				}
				r.store.GetOrCreate(addr).Push(data)
			}
		}
	}
}
