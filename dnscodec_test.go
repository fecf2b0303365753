// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func buildQuery(t *testing.T, id uint16, name string) []byte {
	t.Helper()
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	msg.Id = id
	raw, err := msg.Pack()
	require.NoError(t, err)
	return raw
}

func TestDecodeQuery(t *testing.T) {
	raw := buildQuery(t, 0x1234, "ads.example")

	q, err := DecodeQuery(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), q.ID)
	require.Equal(t, "ads.example.", q.Name)
	require.Equal(t, dns.TypeA, q.Type)
}

func TestDecodeQueryMalformed(t *testing.T) {
	_, err := DecodeQuery([]byte{0, 0, 0})
	require.ErrorIs(t, err, ErrMalformedQuery)
}

func TestEncodeBlocked(t *testing.T) {
	q := &Query{ID: 0x1234, Name: "ads.example.", Type: dns.TypeA}

	raw, err := EncodeBlocked(q)
	require.NoError(t, err)

	msg := new(dns.Msg)
	require.NoError(t, msg.Unpack(raw))
	require.Equal(t, uint16(0x1234), msg.Id)
	require.True(t, msg.Response)
	require.True(t, msg.RecursionAvailable)
	require.Equal(t, dns.RcodeNameError, msg.Rcode)
	require.Len(t, msg.Answer, 0)
	require.Len(t, msg.Question, 1)
	require.Equal(t, "ads.example.", msg.Question[0].Name)
}

func TestRewriteID(t *testing.T) {
	raw := buildQuery(t, 0xabcd, "www.example")

	require.NoError(t, RewriteID(raw, 0x1234))

	id, err := QueryID(raw)
	require.NoError(t, err)
	require.Equal(t, uint16(0x1234), id)
}
