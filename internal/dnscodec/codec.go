// Package dnscodec implements the deterministic, byte-exact mapping
// between (tunnel domain, opaque payload) and RFC 1035 DNS wire messages
// described by the core tunnel spec: outbound payloads ride as base32-class
// labels prefixed to the tunnel domain in a query; inbound payloads ride
// as the RDATA of one or more answer records.
package dnscodec

import (
	cryptorand "crypto/rand"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

const (
	// RecordType is the single DNS record type shared by client and
	// server. TXT is chosen over A (the spec's other named option)
	// because A's 4-octet RDATA cannot usefully carry opaque payload;
	// see DESIGN.md for the Open Question this resolves.
	RecordType = dns.TypeTXT

	// maxNameLen is the RFC 1035 total wire-name limit.
	maxNameLen = 255
	// maxLabelLen is the per-label width this codec packs into. It sits
	// under the hard 63-octet label ceiling to leave headroom for
	// resolvers that reject full-width labels, matching the safety
	// margin the teacher implementation used for the same reason.
	maxLabelLen = 57
	// maxRDATA is the maximum payload bytes carried per answer record's
	// TXT string (the RFC 1035 character-string limit).
	maxRDATA = 255
	// responseTTL is the fixed small TTL placed on every answer record.
	responseTTL = 5

	// emptyMarker is the reserved first label meaning "no payload" (an
	// empty poll). A nonce label follows it so resolvers that cache
	// identical queries do not serve a stale response to a later poll.
	emptyMarker = "0"
	nonceLabelLen = 4
)

// PayloadBudget returns B, the maximum number of opaque payload bytes
// that can be encoded into one DNS name under domain.
func PayloadBudget(domain string) (int, error) {
	full := normalizeDomain(domain)
	if len(full)+1 >= maxNameLen {
		return 0, fmt.Errorf("tunnel domain %q leaves no room for payload labels", domain)
	}
	// Wire length is chars + dots + len(full) + 3: the dot joining data to
	// domain, the first label's length octet, and the root octet.
	available := maxNameLen - len(full) - 3

	n := 0
	for {
		next := n + 1
		chars := encodedLenForBytes(next)
		dots := 0
		if chars > 0 {
			dots = (chars - 1) / maxLabelLen
		}
		if chars+dots > available {
			break
		}
		n = next
	}
	if n == 0 {
		return 0, fmt.Errorf("tunnel domain %q leaves no room for payload labels", domain)
	}
	return n, nil
}

// EncodeQuery builds a query for payload (which may be empty, meaning an
// empty poll) under domain, tagged with txid. recursive controls the RD
// flag per the fixed query template in spec §4.1.
func EncodeQuery(domain string, payload []byte, txid uint16, recursive bool) (*dns.Msg, error) {
	budget, err := PayloadBudget(domain)
	if err != nil {
		return nil, err
	}
	if len(payload) > budget {
		return nil, fmt.Errorf("payload of %d bytes exceeds budget %d: %w", len(payload), budget, ErrPayloadTooLarge)
	}

	var dataLabels string
	if len(payload) == 0 {
		nonce, err := randomNonceLabel()
		if err != nil {
			return nil, err
		}
		dataLabels = emptyMarker + "." + nonce
	} else {
		dataLabels = splitIntoLabels(encodeBytes(payload), maxLabelLen)
	}

	full := normalizeDomain(domain)
	qname := dataLabels + "." + full + "."

	msg := new(dns.Msg)
	msg.Id = txid
	msg.RecursionDesired = recursive
	msg.Question = []dns.Question{{Name: qname, Qtype: RecordType, Qclass: dns.ClassINET}}
	return msg, nil
}

// DecodeQuery extracts the payload and txid from a received query, after
// verifying its question name is under domain.
func DecodeQuery(msg *dns.Msg, domain string) (payload []byte, txid uint16, err error) {
	if len(msg.Question) != 1 {
		return nil, 0, fmt.Errorf("expected exactly one question, got %d: %w", len(msg.Question), ErrMalformedWire)
	}

	qname := msg.Question[0].Name
	labels := dns.SplitDomainName(qname)
	if labels == nil && qname != "." {
		return nil, 0, fmt.Errorf("unparseable question name %q: %w", qname, ErrMalformedWire)
	}

	full := normalizeDomain(domain)
	domainLabels := dns.SplitDomainName(full + ".")
	if len(labels) < len(domainLabels) {
		return nil, 0, fmt.Errorf("question name %q shorter than tunnel domain: %w", qname, ErrWrongBase)
	}

	suffix := labels[len(labels)-len(domainLabels):]
	if !labelsEqualFold(suffix, domainLabels) {
		return nil, 0, fmt.Errorf("question name %q is not under %q: %w", qname, domain, ErrWrongBase)
	}

	dataLabels := labels[:len(labels)-len(domainLabels)]
	if len(dataLabels) == 0 {
		return nil, 0, fmt.Errorf("question name %q carries no data labels: %w", qname, ErrMalformedWire)
	}

	if strings.EqualFold(dataLabels[0], emptyMarker) {
		return []byte{}, msg.Id, nil
	}

	encoded := strings.Join(dataLabels, "")
	raw, err := decodeBytes(encoded)
	if err != nil {
		return nil, 0, fmt.Errorf("decoding data labels: %w: %w", err, ErrInvalidAlphabet)
	}
	return raw, msg.Id, nil
}

// EncodeResponse builds the reply to query carrying payload, splitting it
// across as many answer records as needed (spec §4.1's RDATA-splitting
// rule). payload may be empty, producing a reply with zero answers.
func EncodeResponse(query *dns.Msg, payload []byte) *dns.Msg {
	msg := new(dns.Msg)
	msg.SetReply(query)
	msg.Compress = true

	for start := 0; start < len(payload); start += maxRDATA {
		end := min(start+maxRDATA, len(payload))
		msg.Answer = append(msg.Answer, &dns.TXT{
			Hdr: dns.RR_Header{
				Name:   query.Question[0].Name,
				Rrtype: RecordType,
				Class:  dns.ClassINET,
				Ttl:    responseTTL,
			},
			// miekg/dns reads a backslash in a TXT string as an escape.
			Txt: []string{strings.ReplaceAll(string(payload[start:end]), `\`, `\\`)},
		})
	}
	return msg
}

// DecodeResponse concatenates RDATA across answer records in order and
// returns the reassembled payload together with the correlating txid.
// miekg/dns unpacks TXT strings in escaped form (\DDD and \X), so each
// string is unescaped back to its raw bytes.
func DecodeResponse(msg *dns.Msg) (payload []byte, txid uint16, err error) {
	isDigit := func(b byte) bool { return b >= '0' && b <= '9' }
	var buf strings.Builder
	for _, rr := range msg.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			return nil, 0, fmt.Errorf("answer record of unexpected type %T: %w", rr, ErrMalformedWire)
		}
		for _, s := range txt.Txt {
			for i := 0; i < len(s); i++ {
				c := s[i]
				if c == '\\' && i+1 < len(s) {
					i++
					c = s[i]
					if i+2 < len(s) && isDigit(s[i]) && isDigit(s[i+1]) && isDigit(s[i+2]) {
						c = (s[i]-'0')*100 + (s[i+1]-'0')*10 + (s[i+2] - '0')
						i += 2
					}
				}
				buf.WriteByte(c)
			}
		}
	}
	return []byte(buf.String()), msg.Id, nil
}

func normalizeDomain(domain string) string {
	return strings.ToLower(strings.TrimSuffix(domain, "."))
}

func labelsEqualFold(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// splitIntoLabels breaks s into dot-joined labels of at most maxLen
// characters each.
func splitIntoLabels(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i += maxLen {
		if i > 0 {
			b.WriteByte('.')
		}
		end := min(i+maxLen, len(s))
		b.WriteString(s[i:end])
	}
	return b.String()
}

func randomNonceLabel() (string, error) {
	buf := make([]byte, 3)
	if _, err := cryptorand.Read(buf); err != nil {
		return "", fmt.Errorf("generate poll nonce: %w", err)
	}
	return encodeBytes(buf)[:nonceLabelLen], nil
}
