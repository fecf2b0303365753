// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParseRoundTripIPv4(t *testing.T) {
	src := netip.MustParseAddrPort("10.0.0.1:53")
	dst := netip.MustParseAddrPort("10.0.0.2:50000")
	payload := []byte{0x12, 0x34, 0x81, 0x80, 0, 1, 0, 0, 0, 0, 0, 0}

	buf := make([]byte, 1500)
	n, err := EncodeResponse(buf, src, dst, payload)
	require.NoError(t, err)

	dg, err := ParseDatagram(buf[:n], false)
	require.NoError(t, err)
	require.Equal(t, src, dg.SrcAddr)
	require.Equal(t, dst, dg.DstAddr)
	require.Equal(t, payload, dg.Payload)
}

func TestEncodeParseRoundTripIPv6(t *testing.T) {
	src := netip.MustParseAddrPort("[fd00::1]:53")
	dst := netip.MustParseAddrPort("[fd00::2]:50000")
	payload := []byte{0x56, 0x78, 0x81, 0x80, 0, 1, 0, 0, 0, 0, 0, 0}

	buf := make([]byte, 1500)
	n, err := EncodeResponse(buf, src, dst, payload)
	require.NoError(t, err)

	dg, err := ParseDatagram(buf[:n], true)
	require.NoError(t, err)
	require.Equal(t, src, dg.SrcAddr)
	require.Equal(t, dst, dg.DstAddr)
	require.Equal(t, payload, dg.Payload)
}

func TestParseDatagramIPv6DisabledDrops(t *testing.T) {
	src := netip.MustParseAddrPort("[fd00::1]:53")
	dst := netip.MustParseAddrPort("[fd00::2]:50000")
	buf := make([]byte, 1500)
	n, err := EncodeResponse(buf, src, dst, []byte{1, 2, 3, 4})
	require.NoError(t, err)

	_, err = ParseDatagram(buf[:n], false)
	require.ErrorIs(t, err, ErrUnsupportedProtocol)
}

func TestParseDatagramShortPacket(t *testing.T) {
	_, err := ParseDatagram([]byte{0x45, 0, 0, 10}, false)
	require.ErrorIs(t, err, ErrShortPacket)
}

func TestParseDatagramTruncatedUDPPayload(t *testing.T) {
	// UDP length field claims 12 bytes but the packet has no payload,
	// matching scenario S5 (malformed truncated datagram).
	src := netip.MustParseAddrPort("10.0.0.2:50000")
	dst := netip.MustParseAddrPort("10.0.0.1:53")
	buf := make([]byte, 1500)
	n, err := EncodeResponse(buf, src, dst, []byte{0, 0, 0, 0})
	require.NoError(t, err)

	// Truncate right after the UDP header, before the payload ends.
	truncated := buf[:n-4]
	_, err = ParseDatagram(truncated, false)
	require.Error(t, err)
}
