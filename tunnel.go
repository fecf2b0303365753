// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/tailscale/tailscale/blob/main/net/tstun/wrap.go
//

package dnssink

import (
	"context"
	"net"

	"golang.zx2c4.com/wireguard/tun"
)

// TunnelDevice is the narrow read/write/close surface the pump needs
// from the tunnel fd. The engine never calls an OS VPN API directly:
// the embedding application obtains the tunnel and hands it over via a
// [TunnelFactory].
//
// [NewWireguardTunnelDevice] adapts a real [tun.Device] (from
// golang.zx2c4.com/wireguard/tun) to this interface; tests use a fake.
type TunnelDevice interface {
	// ReadPacket reads a single outbound IP packet into buf, returning
	// its length.
	ReadPacket(buf []byte) (int, error)
	// WritePacket writes a single inbound IP packet.
	WritePacket(buf []byte) error
	Close() error
}

// TunnelFactory constructs the tunnel device for one engine run, given
// the decoded [Config]. It is the embedding application's responsibility
// to configure the OS VPN facility per spec.md §6 (MTU 1500, subnets,
// default route, per-application include/exclude list, DNS server set to
// the gateway address) before returning.
type TunnelFactory func(ctx context.Context, cfg *Config) (TunnelDevice, error)

// ProtectedDialer constructs the engine's single upstream
// [net.PacketConn]. The returned socket's documented contract is that it
// is bound to the underlying physical link and explicitly excluded from
// the tunnel's own capture, to avoid a self-loop. A protection failure
// is not guessed at: the caller should surface it as an error, which the
// lifecycle turns into [StateReconnectingNetworkError].
type ProtectedDialer func(ctx context.Context) (net.PacketConn, error)

// wireguardTunnelDevice adapts a [tun.Device] to [TunnelDevice] using a
// single-packet batch, mirroring tstun's read/write wrapper.
type wireguardTunnelDevice struct {
	dev       tun.Device
	readBufs  [][]byte
	readSizes []int
}

// NewWireguardTunnelDevice wraps dev, a userspace TUN device obtained
// from golang.zx2c4.com/wireguard/tun, as a [TunnelDevice].
func NewWireguardTunnelDevice(dev tun.Device) TunnelDevice {
	return &wireguardTunnelDevice{
		dev:       dev,
		readBufs:  [][]byte{make([]byte, 65535)},
		readSizes: make([]int, 1),
	}
}

// ReadPacket implements [TunnelDevice].
func (w *wireguardTunnelDevice) ReadPacket(buf []byte) (int, error) {
	n, err := w.dev.Read(w.readBufs, w.readSizes, 0)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return copy(buf, w.readBufs[0][:w.readSizes[0]]), nil
}

// WritePacket implements [TunnelDevice].
func (w *wireguardTunnelDevice) WritePacket(buf []byte) error {
	_, err := w.dev.Write([][]byte{buf}, 0)
	return err
}

// Close implements [TunnelDevice].
func (w *wireguardTunnelDevice) Close() error {
	return w.dev.Close()
}
