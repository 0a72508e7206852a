// Package errs defines the tunnel-wide error taxonomy and the recovery
// policy attached to each kind.
package errs

import "errors"

// Kind classifies a tunnel error so callers can decide whether to drop,
// count, recover locally, or terminate the process.
type Kind int

const (
	// CodecMalformed: unparseable DNS wire data. Drop packet, count.
	CodecMalformed Kind = iota
	// CodecWrongBase: question name is not under the tunnel domain. Drop, count (server only).
	CodecWrongBase
	// InvalidAlphabet: label bytes fall outside the base32-class alphabet.
	InvalidAlphabet
	// PayloadTooLarge: encoder asked to emit more than the payload budget. Fatal programming error.
	PayloadTooLarge
	// TxidUnknown: response with unmatched txid. Drop, count.
	TxidUnknown
	// PathRetransmitTimeout: query unanswered past budget. Free txid, count loss.
	PathRetransmitTimeout
	// QuicFatal: engine reports an unrecoverable condition. Tear down, exit non-zero.
	QuicFatal
	// TcpDialFailed: server target unreachable. Close stream with app error, keep tunnel.
	TcpDialFailed
	// ConfigInvalid: CLI/env rejects configuration. Exit 1 before any socket opens.
	ConfigInvalid
	// ShutdownRequested: signal received. Graceful drain.
	ShutdownRequested
)

func (k Kind) String() string {
	switch k {
	case CodecMalformed:
		return "CodecMalformed"
	case CodecWrongBase:
		return "CodecWrongBase"
	case InvalidAlphabet:
		return "InvalidAlphabet"
	case PayloadTooLarge:
		return "PayloadTooLarge"
	case TxidUnknown:
		return "TxidUnknown"
	case PathRetransmitTimeout:
		return "PathRetransmitTimeout"
	case QuicFatal:
		return "QuicFatal"
	case TcpDialFailed:
		return "TcpDialFailed"
	case ConfigInvalid:
		return "ConfigInvalid"
	case ShutdownRequested:
		return "ShutdownRequested"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a Kind so callers can type-switch
// on policy without string-matching messages.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Fatal reports whether a Kind terminates the process per the policy
// table in spec §7: only QuicFatal and ConfigInvalid do.
func (k Kind) Fatal() bool {
	return k == QuicFatal || k == ConfigInvalid
}
