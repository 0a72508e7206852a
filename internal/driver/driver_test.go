package driver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slipstream-go/internal/dispatcher"
	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/pathset"
	"slipstream-go/internal/quicengine"
	"slipstream-go/internal/scheduler"
)

// echoResolver answers every query by reflecting the decoded payload
// back as a TXT response, standing in for a resolver/server pair.
func echoResolver(t *testing.T, domain string) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			payload, txid, err := dnscodec.DecodeQuery(req, domain)
			if err != nil {
				continue
			}
			var respPayload []byte
			if len(payload) > 0 {
				respPayload = append([]byte("echo:"), payload...)
			}
			resp := dnscodec.EncodeResponse(req, respPayload)
			resp.Id = txid
			wire, err := resp.Pack()
			if err != nil {
				continue
			}
			conn.WriteToUDP(wire, addr)
		}
	}()
	return conn.LocalAddr().String()
}

func TestDriverEmitsDataAndDeliversResponse(t *testing.T) {
	const domain = "tunnel.test"
	resolverAddr := echoResolver(t, domain)

	paths, err := pathset.New([]string{resolverAddr}, nil)
	require.NoError(t, err)
	defer paths.Close()

	engine := quicengine.New(quicengine.DCubic)
	defer engine.Close()

	budget, err := dnscodec.PayloadBudget(domain)
	require.NoError(t, err)
	sched := scheduler.New(paths, budget, 1.0)

	dispatchers := make(map[int]*dispatcher.PathDispatcher)
	for _, p := range paths.Paths() {
		d := dispatcher.New(p, domain, engine, nil)
		dispatchers[p.ID] = d
		go d.Listen()
	}

	drv := New(paths, engine, sched, dispatchers, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drv.Run(ctx)

	// Queue an outbound datagram as if QUIC wanted to send it.
	_, err = engine.WriteTo([]byte("ping"), nil)
	require.NoError(t, err)

	buf := make([]byte, 64)
	engine2Done := make(chan struct{})
	var n int
	go func() {
		n, _, err = engine.ReadFrom(buf)
		close(engine2Done)
	}()

	select {
	case <-engine2Done:
		require.NoError(t, err)
		assert.Equal(t, "echo:ping", string(buf[:n]))
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for echoed response to arrive via the engine")
	}
}

func TestDriverEmitsEmptyPollsWhenIdle(t *testing.T) {
	const domain = "tunnel.test"
	resolverAddr := echoResolver(t, domain)

	paths, err := pathset.New([]string{resolverAddr}, nil)
	require.NoError(t, err)
	defer paths.Close()

	engine := quicengine.New(quicengine.DCubic)
	defer engine.Close()

	budget, err := dnscodec.PayloadBudget(domain)
	require.NoError(t, err)
	sched := scheduler.New(paths, budget, 1.0)

	dispatchers := make(map[int]*dispatcher.PathDispatcher)
	for _, p := range paths.Paths() {
		d := dispatcher.New(p, domain, engine, nil)
		dispatchers[p.ID] = d
		go d.Listen()
	}

	drv := New(paths, engine, sched, dispatchers, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go drv.Run(ctx)

	p := paths.Paths()[0]
	require.Eventually(t, func() bool {
		return p.Snapshot().PacketsSent > 0
	}, 2*time.Second, 10*time.Millisecond, "expected at least one empty poll to be sent while idle")
}
