// Package config parses and validates the client and server command
// lines, matching the flag surface client/server main.go exposed in the
// teacher repo (flag.String/flag.Var with a repeatable stringSlice),
// generalized to the path/resolver list this tunnel needs.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"

	"slipstream-go/internal/errs"
)

// stringSlice collects a repeatable flag into an ordered list, matching
// the teacher server's --domain accumulator.
type stringSlice []string

func (s *stringSlice) String() string { return strings.Join(*s, ", ") }
func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

const (
	defaultTCPListenPort  = 5201
	defaultDNSListenPort  = 53
	defaultTargetAddress  = "127.0.0.1:5201"
	defaultKeepAliveSecs  = 400
	defaultCongestion     = "dcubic"
	defaultStreamWriteBuf = 8 * 1024 * 1024
)

// Client holds the validated client command line.
type Client struct {
	Domain            string
	CertPath          string
	KeyPath           string
	Resolvers         []string
	Authoritative     []string
	TCPListenPort     uint16
	CongestionControl string
	KeepAliveInterval int
	DebugPoll         bool
	DebugStreams      bool
	MaxDataBytes      int64
	LogLevel          string
}

// Server holds the validated server command line.
type Server struct {
	Domain         string
	CertPath       string
	KeyPath        string
	DNSListenPort  uint16
	TargetAddress  string
	TargetType     string
	SOCKS5Proxy    string
	DebugStreams   bool
	DebugCommands  bool
	MaxDataBytes   int64
	LogLevel       string
}

// ParseClient parses args (normally os.Args[1:]) into a Client, or
// returns an errs.ConfigInvalid wrapped error.
func ParseClient(args []string) (*Client, error) {
	fs := flag.NewFlagSet("slipstream-client", flag.ContinueOnError)

	domain := fs.String("domain", "", "tunnel domain (required)")
	cert := fs.String("cert", "", "certificate path (required)")
	key := fs.String("key", "", "private key path (required)")
	var resolvers stringSlice
	fs.Var(&resolvers, "resolver", "recursive resolver IP:PORT (repeatable; at least one of --resolver/--authoritative required)")
	var authoritative stringSlice
	fs.Var(&authoritative, "authoritative", "authoritative-mode resolver IP:PORT (repeatable)")
	tcpPort := fs.Uint("tcp-listen-port", defaultTCPListenPort, "local TCP listen port")
	congestion := fs.String("congestion-control", "", "congestion control: bbr or dcubic (default dcubic; bbr when --authoritative set and flag omitted)")
	keepAlive := fs.Int("keep-alive-interval", defaultKeepAliveSecs, "keep-alive interval in seconds")
	debugPoll := fs.Bool("debug-poll", false, "log periodic scheduler debug records")
	debugStreams := fs.Bool("debug-streams", false, "log stream open/close events")
	logLevel := fs.String("log-level", "", "log level: debug/info/warn/error (default info, overridable via SLIPSTREAM_LOG)")

	if err := fs.Parse(args); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	if *domain == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--domain is required"))
	}
	if *cert == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--cert is required"))
	}
	if *key == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--key is required"))
	}
	if len(resolvers) == 0 && len(authoritative) == 0 {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("at least one --resolver or --authoritative is required"))
	}
	if *tcpPort == 0 || *tcpPort > 65535 {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--tcp-listen-port out of range: %d", *tcpPort))
	}

	cc := strings.ToLower(*congestion)
	if cc == "" {
		if len(authoritative) > 0 {
			cc = "bbr"
		} else {
			cc = defaultCongestion
		}
	}
	if cc != "bbr" && cc != "dcubic" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--congestion-control must be bbr or dcubic, got %q", cc))
	}

	if *keepAlive <= 0 {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--keep-alive-interval must be positive"))
	}

	maxData, err := streamWriteBufferBytes()
	if err != nil {
		return nil, err
	}

	return &Client{
		Domain:            strings.ToLower(strings.TrimSuffix(*domain, ".")),
		CertPath:          *cert,
		KeyPath:           *key,
		Resolvers:         []string(resolvers),
		Authoritative:     []string(authoritative),
		TCPListenPort:     uint16(*tcpPort),
		CongestionControl: cc,
		KeepAliveInterval: *keepAlive,
		DebugPoll:         *debugPoll,
		DebugStreams:      *debugStreams,
		MaxDataBytes:      maxData,
		LogLevel:          *logLevel,
	}, nil
}

// ParseServer parses args into a Server, or returns an
// errs.ConfigInvalid wrapped error.
func ParseServer(args []string) (*Server, error) {
	fs := flag.NewFlagSet("slipstream-server", flag.ContinueOnError)

	domain := fs.String("domain", "", "tunnel domain (required)")
	cert := fs.String("cert", "", "certificate path (required)")
	key := fs.String("key", "", "private key path (required)")
	dnsPort := fs.Uint("dns-listen-port", defaultDNSListenPort, "UDP port for the DNS request loop")
	target := fs.String("target-address", defaultTargetAddress, "TCP target dialed for each inbound QUIC stream")
	targetType := fs.String("target-type", "direct", "how --target-address is reached: direct or socks5")
	socks5Proxy := fs.String("socks5-proxy", "", "upstream SOCKS5 proxy address, required when --target-type=socks5")
	debugStreams := fs.Bool("debug-streams", false, "log stream open/close events")
	debugCommands := fs.Bool("debug-commands", false, "log decoded query commands")
	logLevel := fs.String("log-level", "", "log level: debug/info/warn/error (default info, overridable via SLIPSTREAM_LOG)")

	if err := fs.Parse(args); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err)
	}

	if *domain == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--domain is required"))
	}
	if *cert == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--cert is required"))
	}
	if *key == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--key is required"))
	}
	if *dnsPort == 0 || *dnsPort > 65535 {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--dns-listen-port out of range: %d", *dnsPort))
	}
	if *target != "" {
		if _, _, err := net.SplitHostPort(*target); err != nil {
			return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--target-address invalid: %w", err))
		}
	}
	tt := strings.ToLower(*targetType)
	if tt != "direct" && tt != "socks5" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--target-type must be direct or socks5, got %q", tt))
	}
	if tt == "socks5" && *socks5Proxy == "" {
		return nil, errs.New(errs.ConfigInvalid, fmt.Errorf("--socks5-proxy is required when --target-type=socks5"))
	}

	maxData, err := streamWriteBufferBytes()
	if err != nil {
		return nil, err
	}

	return &Server{
		Domain:        strings.ToLower(strings.TrimSuffix(*domain, ".")),
		CertPath:      *cert,
		KeyPath:       *key,
		DNSListenPort: uint16(*dnsPort),
		TargetAddress: *target,
		TargetType:    tt,
		SOCKS5Proxy:   *socks5Proxy,
		DebugStreams:  *debugStreams,
		DebugCommands: *debugCommands,
		MaxDataBytes:  maxData,
		LogLevel:      *logLevel,
	}, nil
}

func streamWriteBufferBytes() (int64, error) {
	v := os.Getenv("STREAM_WRITE_BUFFER_BYTES")
	if v == "" {
		return defaultStreamWriteBuf, nil
	}
	var n int64
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return 0, errs.New(errs.ConfigInvalid, fmt.Errorf("STREAM_WRITE_BUFFER_BYTES must be a positive integer, got %q", v))
	}
	return n, nil
}
