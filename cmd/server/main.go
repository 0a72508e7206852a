package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/bridge"
	"slipstream-go/internal/config"
	"slipstream-go/internal/identity"
	"slipstream-go/internal/quicengine"
	"slipstream-go/internal/server"
	"slipstream-go/internal/session"
	"slipstream-go/internal/telemetry"
)

// serverKeepAlive matches the teacher's fixed server-side keepalive
// cadence; the client drives --keep-alive-interval, the server just
// needs to not let the connection go idle between client polls.
const serverKeepAlive = 35 * time.Second

// pumpInterval is how often the background drain task (spec §4.5's
// closing paragraph) sweeps the engine's outbound queue into Pending
// Response Buffers independent of request handling.
const pumpInterval = 50 * time.Millisecond

func main() {
	cfg, err := config.ParseServer(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := telemetry.Init(cfg.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	cert, err := identity.LoadCertificate(cfg.CertPath, cfg.KeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load certificate")
	}
	tlsConfig := identity.ServerTLSConfigFromCert(cert)

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(cfg.DNSListenPort)})
	if err != nil {
		log.Fatal().Err(err).Uint16("port", cfg.DNSListenPort).Msg("failed to bind DNS socket")
	}
	log.Info().Str("addr", conn.LocalAddr().String()).Str("domain", cfg.Domain).Msg("DNS request loop listening")

	mux := quicengine.NewServerMux(conn.LocalAddr())
	store := session.NewStore(session.DefaultCapacity)
	loop := server.New(conn, cfg.Domain, mux, store)

	stop := make(chan struct{})
	go loop.Pump(pumpInterval, stop)
	go func() {
		if err := loop.Serve(); err != nil {
			log.Error().Err(err).Msg("request loop terminated")
		}
	}()

	transport := &quic.Transport{
		Conn: mux,
		// Force address validation via Retry for every connection; the
		// DNS tunnel's 3x-amplification accounting otherwise deadlocks
		// the handshake once the certificate chain crosses a few
		// fragments' worth of bytes.
		VerifySourceAddress: func(net.Addr) bool { return true },
	}
	quicConfig := quicengine.ServerConfig(serverKeepAlive, cfg.MaxDataBytes)
	listener, err := transport.Listen(tlsConfig, quicConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start QUIC listener")
	}
	log.Info().Msg("QUIC listener started on DNS tunnel transport")

	bridgeServer := newBridgeServer(cfg)

	for {
		qconn, err := listener.Accept(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("failed to accept QUIC connection")
			continue
		}
		log.Info().Str("remote", qconn.RemoteAddr().String()).Msg("new tunnel connection")
		quicengine.LogConnectionState(qconn.ConnectionState())
		go handleConnection(qconn, bridgeServer, cfg)
	}
}

func newBridgeServer(cfg *config.Server) *bridge.Server {
	if cfg.TargetType == "socks5" {
		log.Info().Str("proxy", cfg.SOCKS5Proxy).Msg("dialing targets through upstream SOCKS5 proxy")
		return bridge.NewServerSOCKS5(cfg.SOCKS5Proxy)
	}
	return bridge.NewServer()
}

func handleConnection(qconn *quic.Conn, bridgeServer *bridge.Server, cfg *config.Server) {
	defer qconn.CloseWithError(0, "")

	for {
		stream, err := qconn.AcceptStream(context.Background())
		if err != nil {
			if cfg.DebugStreams {
				log.Debug().Err(err).Msg("stream accept ended")
			}
			return
		}
		if cfg.DebugStreams {
			log.Debug().Int64("stream_id", int64(stream.StreamID())).Msg("stream opened")
		}
		go bridgeServer.HandleStream(stream, cfg.TargetAddress)
	}
}
