// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/celzero/firestack/blob/v0.2/intra/udp.go
//

package dnssink

import (
	"encoding/binary"
	"errors"
	"net/netip"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoUDP = 17

	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40
	udpHeaderLen     = 8
)

// ErrShortPacket is returned by [ParseDatagram] when b is too short to
// contain a complete IP+UDP header.
var ErrShortPacket = errors.New("dnssink: short packet")

// ErrUnsupportedProtocol is returned by [ParseDatagram] for IP payloads
// that are not UDP, or for IPv6 frames when IPv6 is disabled.
var ErrUnsupportedProtocol = errors.New("dnssink: unsupported protocol")

// Datagram describes a parsed UDP-over-IP packet read from the tunnel.
//
// Payload is a subslice of the buffer passed to [ParseDatagram]: it is
// only valid until the caller reuses or releases that buffer.
type Datagram struct {
	SrcAddr netip.AddrPort
	DstAddr netip.AddrPort
	Payload []byte
}

// ParseDatagram parses a raw IP packet captured from the tunnel fd.
//
// Only UDP payloads are recognized; any other protocol number yields
// [ErrUnsupportedProtocol]. IPv6 frames are rejected with the same
// error when ipv6Enabled is false, matching the "drop silently" policy
// for a disabled stack. Fragmented datagrams are not reassembled: a
// non-zero IPv4 fragment offset, or an IPv6 fragment extension header,
// is treated as unsupported.
func ParseDatagram(b []byte, ipv6Enabled bool) (*Datagram, error) {
	if len(b) == 0 {
		return nil, ErrShortPacket
	}
	version := int(b[0]) >> 4
	switch version {
	case 4:
		return parseIPv4Datagram(b)
	case 6:
		if !ipv6Enabled {
			return nil, ErrUnsupportedProtocol
		}
		return parseIPv6Datagram(b)
	default:
		return nil, ErrUnsupportedProtocol
	}
}

func parseIPv4Datagram(b []byte) (*Datagram, error) {
	if len(b) < ipv4HeaderMinLen {
		return nil, ErrShortPacket
	}
	h, err := ipv4.ParseHeader(b)
	if err != nil {
		return nil, ErrShortPacket
	}
	if h.Protocol != protoUDP {
		return nil, ErrUnsupportedProtocol
	}
	if h.FragOff&0x1fff != 0 {
		return nil, ErrUnsupportedProtocol
	}
	if h.Len > len(b) || h.TotalLen > len(b) || h.Len+udpHeaderLen > len(b) {
		return nil, ErrShortPacket
	}
	return parseUDP(b[h.Len:min(h.TotalLen, len(b))], h.Src, h.Dst)
}

func parseIPv6Datagram(b []byte) (*Datagram, error) {
	if len(b) < ipv6HeaderLen {
		return nil, ErrShortPacket
	}
	h, err := ipv6.ParseHeader(b)
	if err != nil {
		return nil, ErrShortPacket
	}
	if h.NextHeader != protoUDP {
		return nil, ErrUnsupportedProtocol
	}
	end := ipv6HeaderLen + h.PayloadLen
	if end > len(b) {
		end = len(b)
	}
	return parseUDP(b[ipv6HeaderLen:end], h.Src, h.Dst)
}

func parseUDP(b []byte, srcIP, dstIP []byte) (*Datagram, error) {
	if len(b) < udpHeaderLen {
		return nil, ErrShortPacket
	}
	srcPort := binary.BigEndian.Uint16(b[0:2])
	dstPort := binary.BigEndian.Uint16(b[2:4])
	length := int(binary.BigEndian.Uint16(b[4:6]))
	if length < udpHeaderLen || length > len(b) {
		return nil, ErrShortPacket
	}
	srcAddr, ok1 := netip.AddrFromSlice(srcIP)
	dstAddr, ok2 := netip.AddrFromSlice(dstIP)
	if !ok1 || !ok2 {
		return nil, ErrShortPacket
	}
	return &Datagram{
		SrcAddr: netip.AddrPortFrom(srcAddr.Unmap(), srcPort),
		DstAddr: netip.AddrPortFrom(dstAddr.Unmap(), dstPort),
		Payload: b[udpHeaderLen:length],
	}, nil
}

// EncodeResponse writes a UDP/53 response packet addressed from src to
// dst, carrying payload, into buf. Both the IPv4 header checksum and the
// UDP checksum (computed over the correct pseudo-header for the address
// family) are filled in; golang.org/x/net/ipv4 and ipv6 expose the
// header field layout but no checksum helper, so this is hand-written
// following the pseudo-header construction every UDP-over-tunnel
// forwarder in the retrieved corpus uses.
//
// Returns the number of bytes written, or an error if buf is too small.
func EncodeResponse(buf []byte, src, dst netip.AddrPort, payload []byte) (int, error) {
	if src.Addr().Is4() && dst.Addr().Is4() {
		return encodeIPv4UDP(buf, src, dst, payload)
	}
	if src.Addr().Is6() && dst.Addr().Is6() {
		return encodeIPv6UDP(buf, src, dst, payload)
	}
	return 0, errors.New("dnssink: mismatched address families")
}

func encodeIPv4UDP(buf []byte, src, dst netip.AddrPort, payload []byte) (int, error) {
	total := ipv4HeaderMinLen + udpHeaderLen + len(payload)
	if len(buf) < total {
		return 0, ErrShortPacket
	}
	srcIP := src.Addr().As4()
	dstIP := dst.Addr().As4()

	ip := buf[:ipv4HeaderMinLen]
	ip[0] = 0x45 // version 4, IHL 5 (no options)
	ip[1] = 0
	binary.BigEndian.PutUint16(ip[2:4], uint16(total))
	binary.BigEndian.PutUint16(ip[4:6], 0) // identification
	binary.BigEndian.PutUint16(ip[6:8], 0) // flags/fragment offset
	ip[8] = 64                             // TTL
	ip[9] = protoUDP
	binary.BigEndian.PutUint16(ip[10:12], 0) // checksum placeholder
	copy(ip[12:16], srcIP[:])
	copy(ip[16:20], dstIP[:])
	binary.BigEndian.PutUint16(ip[10:12], ipChecksum(ip))

	udp := buf[ipv4HeaderMinLen:total]
	writeUDP(udp, src.Port(), dst.Port(), payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksumIPv4(srcIP[:], dstIP[:], udp))

	return total, nil
}

func encodeIPv6UDP(buf []byte, src, dst netip.AddrPort, payload []byte) (int, error) {
	total := ipv6HeaderLen + udpHeaderLen + len(payload)
	if len(buf) < total {
		return 0, ErrShortPacket
	}
	srcIP := src.Addr().As16()
	dstIP := dst.Addr().As16()

	ip := buf[:ipv6HeaderLen]
	binary.BigEndian.PutUint32(ip[0:4], 6<<28) // version 6, traffic class/flow label 0
	binary.BigEndian.PutUint16(ip[4:6], uint16(udpHeaderLen+len(payload)))
	ip[6] = protoUDP
	ip[7] = 64 // hop limit
	copy(ip[8:24], srcIP[:])
	copy(ip[24:40], dstIP[:])

	udp := buf[ipv6HeaderLen:total]
	writeUDP(udp, src.Port(), dst.Port(), payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksumIPv6(srcIP[:], dstIP[:], udp))

	return total, nil
}

func writeUDP(buf []byte, srcPort, dstPort uint16, payload []byte) {
	binary.BigEndian.PutUint16(buf[0:2], srcPort)
	binary.BigEndian.PutUint16(buf[2:4], dstPort)
	binary.BigEndian.PutUint16(buf[4:6], uint16(udpHeaderLen+len(payload)))
	binary.BigEndian.PutUint16(buf[6:8], 0) // checksum placeholder
	copy(buf[udpHeaderLen:], payload)
}

// ipChecksum computes the IPv4 header checksum (RFC 791 one's complement
// sum of 16-bit words) over hdr, which must have its checksum field
// zeroed.
func ipChecksum(hdr []byte) uint16 {
	return onesComplementChecksum(hdr)
}

// udpChecksumIPv4 computes the UDP checksum over an IPv4 pseudo-header
// followed by the UDP segment.
func udpChecksumIPv4(srcIP, dstIP []byte, udp []byte) uint16 {
	pseudo := make([]byte, 12)
	copy(pseudo[0:4], srcIP)
	copy(pseudo[4:8], dstIP)
	pseudo[9] = protoUDP
	binary.BigEndian.PutUint16(pseudo[10:12], uint16(len(udp)))
	return finalizeChecksum(checksumAccumulate(checksumAccumulate(0, pseudo), udp))
}

// udpChecksumIPv6 computes the UDP checksum over an IPv6 pseudo-header
// followed by the UDP segment; IPv6 mandates a UDP checksum (it cannot
// be zero, unlike IPv4).
func udpChecksumIPv6(srcIP, dstIP []byte, udp []byte) uint16 {
	pseudo := make([]byte, 40)
	copy(pseudo[0:16], srcIP)
	copy(pseudo[16:32], dstIP)
	binary.BigEndian.PutUint32(pseudo[32:36], uint32(len(udp)))
	pseudo[39] = protoUDP
	sum := finalizeChecksum(checksumAccumulate(checksumAccumulate(0, pseudo), udp))
	if sum == 0 {
		return 0xffff
	}
	return sum
}

func onesComplementChecksum(b []byte) uint16 {
	return finalizeChecksum(checksumAccumulate(0, b))
}

func checksumAccumulate(sum uint32, b []byte) uint32 {
	n := len(b)
	for i := 0; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
	}
	if n%2 == 1 {
		sum += uint32(b[n-1]) << 8
	}
	return sum
}

func finalizeChecksum(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
