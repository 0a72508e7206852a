package server

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/quicengine"
	"slipstream-go/internal/session"
)

func newLoop(t *testing.T, domain string) (*RequestLoop, *net.UDPConn, *quicengine.ServerMux) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	mux := quicengine.NewServerMux(conn.LocalAddr())
	store := session.NewStore(session.DefaultCapacity)
	loop := New(conn, domain, mux, store)
	return loop, conn, mux
}

func sendQuery(t *testing.T, from *net.UDPConn, serverAddr *net.UDPAddr, domain string, payload []byte, txid uint16) *dns.Msg {
	t.Helper()
	msg, err := dnscodec.EncodeQuery(domain, payload, txid, true)
	require.NoError(t, err)
	wire, err := msg.Pack()
	require.NoError(t, err)
	_, err = from.WriteToUDP(wire, serverAddr)
	require.NoError(t, err)

	respBuf := make([]byte, 4096)
	from.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := from.ReadFromUDP(respBuf)
	require.NoError(t, err)

	resp := new(dns.Msg)
	require.NoError(t, resp.Unpack(respBuf[:n]))
	return resp
}

func TestRequestLoopIngestsUpstreamPayload(t *testing.T) {
	const domain = "tunnel.test"
	loop, conn, mux := newLoop(t, domain)
	go loop.Serve()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	resp := sendQuery(t, client, conn.LocalAddr().(*net.UDPAddr), domain, []byte("upstream-bytes"), 0xAB)
	assert.Empty(t, resp.Answer)

	// Pushed payloads reach the engine through ReadFrom, the side quic-go
	// reads; PopDatagram only returns what the engine itself sends.
	buf := make([]byte, 64)
	n, addr, err := mux.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, client.LocalAddr().String(), addr.String())
	assert.Equal(t, "upstream-bytes", string(buf[:n]))
}

func TestRequestLoopReturnsEngineResponseForMatchingClient(t *testing.T) {
	const domain = "tunnel.test"
	loop, conn, mux := newLoop(t, domain)
	go loop.Serve()

	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer client.Close()

	// Simulate the engine queuing a response for this exact client before
	// any query arrives, as though a prior poll had pushed data upstream.
	mux.WriteTo([]byte("hello-client"), quicengine.SessionAddr(client.LocalAddr().String()))

	resp := sendQuery(t, client, conn.LocalAddr().(*net.UDPAddr), domain, nil, 0x01)
	require.Len(t, resp.Answer, 1)
	txt := resp.Answer[0].(*dns.TXT)
	assert.Equal(t, "hello-client", txt.Txt[0])
	assert.EqualValues(t, 0x01, resp.Id)
}

func TestRequestLoopStashesMismatchedDatagramInBuffer(t *testing.T) {
	const domain = "tunnel.test"
	loop, conn, mux := newLoop(t, domain)
	go loop.Serve()

	clientA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientA.Close()
	clientB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	defer clientB.Close()

	// Data destined for clientB is queued in the engine before clientA polls.
	mux.WriteTo([]byte("for-b"), quicengine.SessionAddr(clientB.LocalAddr().String()))

	resp := sendQuery(t, clientA, conn.LocalAddr().(*net.UDPAddr), domain, nil, 0x02)
	assert.Empty(t, resp.Answer)

	// clientB's next poll should now find its data in the Pending
	// Response Buffer rather than the engine.
	resp2 := sendQuery(t, clientB, conn.LocalAddr().(*net.UDPAddr), domain, nil, 0x03)
	require.Len(t, resp2.Answer, 1)
	txt := resp2.Answer[0].(*dns.TXT)
	assert.Equal(t, "for-b", txt.Txt[0])
}
