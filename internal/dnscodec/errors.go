package dnscodec

import "errors"

// Sentinel errors named after the spec's decode failure taxonomy (§4.1,
// §7). Wrap with fmt.Errorf("...: %w", ErrX) for context; callers use
// errors.Is against these to decide policy.
var (
	// ErrMalformedWire is returned for truncated messages or bad length octets.
	ErrMalformedWire = errors.New("malformed wire")
	// ErrWrongBase is returned when the question name does not end in the tunnel domain.
	ErrWrongBase = errors.New("question name is not under the tunnel domain")
	// ErrInvalidAlphabet is returned when label text falls outside the base32-class alphabet.
	ErrInvalidAlphabet = errors.New("invalid alphabet")
	// ErrPayloadTooLarge is returned when the caller asks to encode more than the payload budget.
	ErrPayloadTooLarge = errors.New("payload exceeds budget")
)
