package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/rs/zerolog/log"

	"slipstream-go/internal/bridge"
	"slipstream-go/internal/config"
	"slipstream-go/internal/dispatcher"
	"slipstream-go/internal/dnscodec"
	"slipstream-go/internal/driver"
	"slipstream-go/internal/identity"
	"slipstream-go/internal/pathset"
	"slipstream-go/internal/quicengine"
	"slipstream-go/internal/scheduler"
	"slipstream-go/internal/telemetry"
)

// tunnel owns one live QUIC connection plus everything that feeds it
// (path set, engine, scheduler, dispatchers, driver) and knows how to
// tear all of it down and rebuild it on reconnect. Generalizes the
// teacher's TunnelManager (cmd/client/main.go), which rebuilt a single
// DnsPacketConn on each reconnect; this rebuilds the whole path set.
type tunnel struct {
	cfg       *config.Client
	tlsConfig *tls.Config
	budget    int
	scheme    quicengine.Scheme

	mu           sync.RWMutex
	conn         *quic.Conn
	engine       *quicengine.Adapter
	paths        *pathset.Set
	cancelDriver context.CancelFunc

	connected    atomic.Bool
	reconnecting atomic.Bool
}

func newTunnel(cfg *config.Client, tlsConfig *tls.Config, budget int) *tunnel {
	return &tunnel{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		budget:    budget,
		scheme:    quicengine.ParseScheme(cfg.CongestionControl),
	}
}

// connect builds a fresh path set, engine, scheduler, and driver, then
// dials QUIC over it, replacing whatever this tunnel held before.
func (t *tunnel) connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.teardownLocked()

	paths, err := pathset.New(t.cfg.Resolvers, t.cfg.Authoritative)
	if err != nil {
		return fmt.Errorf("build resolver path set: %w", err)
	}

	engine := quicengine.New(t.scheme)
	sched := scheduler.New(paths, t.budget, 1.0)

	dispatchers := make(map[int]*dispatcher.PathDispatcher)
	for _, p := range paths.Paths() {
		d := dispatcher.New(p, t.cfg.Domain, engine, func(q *dispatcher.OutboundQuery) {
			log.Debug().Int("path_id", p.ID).Uint16("txid", q.Txid).Msg("query lost to retransmit timeout")
			engine.Estimator().RecordLoss()
		})
		dispatchers[p.ID] = d
		go d.Listen()
	}

	drv := driver.New(paths, engine, sched, dispatchers, t.cfg.DebugPoll)
	driverCtx, cancelDriver := context.WithCancel(context.Background())
	go drv.Run(driverCtx)

	quicConfig := quicengine.ClientConfig(time.Duration(t.cfg.KeepAliveInterval)*time.Second, t.cfg.MaxDataBytes)

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	defer dialCancel()
	qconn, err := quic.Dial(dialCtx, engine, engine.LocalAddr(), t.tlsConfig, quicConfig)
	if err != nil {
		cancelDriver()
		engine.Close()
		paths.Close()
		return fmt.Errorf("establish QUIC tunnel: %w", err)
	}

	t.paths = paths
	t.engine = engine
	t.cancelDriver = cancelDriver
	t.conn = qconn
	t.connected.Store(true)

	log.Info().Msg("QUIC tunnel established")
	quicengine.LogConnectionState(qconn.ConnectionState())
	return nil
}

// teardownLocked releases whatever the tunnel currently holds. Caller
// must hold t.mu.
func (t *tunnel) teardownLocked() {
	if t.cancelDriver != nil {
		t.cancelDriver()
	}
	if t.engine != nil {
		t.engine.Close()
	}
	if t.paths != nil {
		t.paths.Close()
	}
	t.conn = nil
	t.engine = nil
	t.paths = nil
	t.cancelDriver = nil
}

func (t *tunnel) connection() *quic.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn
}

// setFlowControlBlocked forwards the bridge's flow-control signal to
// whichever engine is currently live, so the scheduler can pause
// data-bearing sends without stopping empty polls (spec §4.3/§5).
func (t *tunnel) setFlowControlBlocked(blocked bool) {
	t.mu.RLock()
	engine := t.engine
	t.mu.RUnlock()
	if engine != nil {
		engine.SetFlowControlBlocked(blocked)
	}
}

func (t *tunnel) markDisconnected() { t.connected.Store(false) }

// reconnect retries connect with exponential backoff until it
// succeeds, refusing to run two reconnect loops at once.
func (t *tunnel) reconnect() {
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer t.reconnecting.Store(false)
	t.markDisconnected()

	backoff := 1 * time.Second
	const maxBackoff = 30 * time.Second
	for {
		log.Warn().Dur("backoff", backoff).Msg("attempting to reconnect tunnel")
		err := t.connect(context.Background())
		if err == nil {
			log.Info().Msg("tunnel reconnected")
			return
		}
		log.Error().Err(err).Msg("tunnel reconnect failed")

		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// watchHealth polls the live connection's context and kicks off a
// reconnect as soon as it's done, mirroring the teacher's
// StartHealthCheck.
func (t *tunnel) watchHealth() {
	for {
		time.Sleep(5 * time.Second)
		conn := t.connection()
		if conn == nil {
			continue
		}
		select {
		case <-conn.Context().Done():
			log.Warn().Msg("tunnel connection lost, initiating reconnect")
			go t.reconnect()
		default:
		}
	}
}

// openStream is handed to bridge.Client.Serve as its stream source. A
// failed open triggers a reconnect in the background, same as the
// teacher's handleSOCKS5Connection did on stream-open failure.
func (t *tunnel) openStream(ctx context.Context) (bridge.Stream, error) {
	conn := t.connection()
	if conn == nil || !t.connected.Load() {
		return nil, fmt.Errorf("tunnel not connected")
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		go t.reconnect()
		return nil, err
	}
	if t.cfg.DebugStreams {
		log.Debug().Int64("stream_id", int64(stream.StreamID())).Msg("stream opened")
	}
	return stream, nil
}

func main() {
	cfg, err := config.ParseClient(os.Args[1:])
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
	tlsConfig, err := identity.ClientTLSConfigFromCert(cert, identity.SNI)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build client TLS config")
	}

	budget, err := dnscodec.PayloadBudget(cfg.Domain)
	if err != nil {
		log.Fatal().Err(err).Msg("tunnel domain leaves no room for payload labels")
	}
	log.Info().Int("payload_budget", budget).Msg("computed per-query payload budget")

	t := newTunnel(cfg, tlsConfig, budget)
	if err := t.connect(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to establish initial QUIC tunnel")
	}
	go t.watchHealth()

	listener, err := bridge.ListenClient(fmt.Sprintf("127.0.0.1:%d", cfg.TCPListenPort))
	if err != nil {
		log.Fatal().Err(err).Uint16("port", cfg.TCPListenPort).Msg("failed to start local TCP listener")
	}
	log.Info().Str("addr", listener.Addr().String()).Msg("local TCP bridge listening")
	listener.OnFlowControlBlocked(t.setFlowControlBlocked)

	if err := listener.Serve(t.openStream); err != nil {
		log.Error().Err(err).Msg("local TCP listener stopped")
		os.Exit(2)
	}
}
