package dnscodec

import "encoding/base32"

// alphabet is the case-insensitive base32-class alphabet shared by client
// and server (RFC 4648 base32 without padding, so DNS labels never carry
// a literal '='). It is fixed, matching the source's undocumented
// constant. The golden vector in testdata/ covers only the answer side,
// which carries raw bytes, so it does not pin this alphabet.
var alphabet = base32.StdEncoding.WithPadding(base32.NoPadding)

// encodeBytes renders data as a stream of label-safe characters.
func encodeBytes(data []byte) string {
	return alphabet.EncodeToString(data)
}

// decodeBytes parses label-safe characters back into bytes. DNS is
// case-insensitive end to end, so the input is upper-cased first since
// standard base32 expects uppercase.
func decodeBytes(s string) ([]byte, error) {
	return alphabet.DecodeString(toUpper(s))
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - ('a' - 'A')
		}
	}
	return string(b)
}

// encodedLenForBytes returns the number of alphabet characters needed to
// encode n raw bytes.
func encodedLenForBytes(n int) int {
	return alphabet.EncodedLen(n)
}

// maxDecodedLenForChars returns the maximum number of raw bytes that can
// be decoded from n alphabet characters.
func maxDecodedLenForChars(n int) int {
	return alphabet.DecodedLen(n)
}
