// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"encoding/binary"
	"errors"

	"github.com/miekg/dns"
)

// ErrMalformedQuery is returned by [DecodeQuery] for a DNS payload that
// cannot be interpreted as a single-question query: truncated header,
// QDCOUNT != 1, or a label-length overflow. Per spec, such a query is
// dropped without a response.
var ErrMalformedQuery = errors.New("dnssink: malformed DNS query")

// Query is the decoded header and first question of a DNS packet read
// from the tunnel. EDNS/OPT records are ignored. Only the original id and
// the question's name and type are kept for response synthesis; the
// query's header flags (such as RD) are not carried over.
type Query struct {
	ID   uint16
	Name string
	Type uint16
}

// DecodeQuery decodes the header and first question of a raw DNS
// payload. EDNS/OPT additional records are ignored. Any other
// malformation (truncated header, QDCOUNT != 1, label overflow) yields
// [ErrMalformedQuery].
func DecodeQuery(raw []byte) (*Query, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		return nil, ErrMalformedQuery
	}
	if len(msg.Question) != 1 {
		return nil, ErrMalformedQuery
	}
	q := msg.Question[0]
	return &Query{ID: msg.Id, Name: q.Name, Type: q.Qtype}, nil
}

// EncodeBlocked synthesizes the negative response for a DENY
// disposition: RCODE = NXDOMAIN, QR=1, RA=1, the question echoed back,
// and no answer/authority/additional records.
func EncodeBlocked(q *Query) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = q.ID
	msg.Response = true
	msg.RecursionAvailable = true
	msg.Rcode = dns.RcodeNameError
	msg.Question = []dns.Question{{Name: q.Name, Qtype: q.Type, Qclass: dns.ClassINET}}
	return msg.Pack()
}

// RewriteID patches the 16-bit DNS transaction id at the start of a raw
// DNS payload in place, without a full unpack/repack round trip. This
// keeps a forwarded upstream response byte-identical apart from the id,
// as required when reframing an upstream reply back to the client's
// original id.
func RewriteID(raw []byte, id uint16) error {
	if len(raw) < 2 {
		return ErrMalformedQuery
	}
	binary.BigEndian.PutUint16(raw[0:2], id)
	return nil
}

// probeName is the fixed, harmless name used by the resolver-health
// recovery probe (a minimal A query sent to a degraded resolver to test
// whether it has recovered).
const probeName = "probe.invalid."

// EncodeProbeQuery builds the resolver-health recovery probe query: a
// minimal A-type query for [probeName] carrying id. The reply, if any,
// is never registered with the [QueryTracker] and is discarded by the
// pump after updating resolver health.
func EncodeProbeQuery(id uint16) ([]byte, error) {
	msg := new(dns.Msg)
	msg.Id = id
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: probeName, Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	return msg.Pack()
}

// QueryID extracts the 16-bit DNS transaction id from a raw payload
// without a full decode, used to read the upstream-assigned id off a
// response before it has been matched against the [QueryTracker].
func QueryID(raw []byte) (uint16, error) {
	if len(raw) < 2 {
		return 0, ErrMalformedQuery
	}
	return binary.BigEndian.Uint16(raw[0:2]), nil
}
