// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"
)

// tunnelDrainBatch bounds how many tunnel packets are drained per wake,
// preserving responsiveness to upstream events (spec.md §4.6).
const tunnelDrainBatch = 32

// writeQueueCapacity bounds the pump's internal tunnel-write queue. A
// full queue is this pump's realization of "drop instead of blocking
// indefinitely on a single write" (spec.md §4.6/§5): enqueuing never
// blocks, it drops.
const writeQueueCapacity = 128

// Pump is the single dataflow engine driving bidirectional traffic
// between the tunnel and the upstream resolver. Per spec.md §4.6/§5 it
// is conceptually single-threaded cooperative logic; [golang.zx2c4.com/wireguard/tun]'s
// Device is read-blocking rather than poll-based, so this is realized
// as two blocking-read goroutines (tunnel, upstream) feeding a shared
// write queue drained by a third, all coordinated by an
// [errgroup.Group] and unblocked on shutdown by closing the tunnel
// device and upstream socket.
type Pump struct {
	Tunnel        TunnelDevice
	Upstream      *UpstreamPool
	Tracker       *QueryTracker
	Rules         *RuleTable
	BlockLog      *BlockLog
	BlockLogging  bool
	IPv6Enabled   bool
	Logger        SLogger
	ErrClassifier ErrClassifier
	TimeNow       func() time.Time

	// GatewayIPv4 and GatewayIPv6 are the tunnel's own gateway address
	// (spec.md §6: "DNS server set to the gateway address"), used as the
	// source address when reframing a forwarded upstream response back
	// to the client.
	GatewayIPv4 netip.Addr
	GatewayIPv6 netip.Addr

	// OnSendResult, if set, is called after every upstream send attempt
	// (nil error on success) so the lifecycle can track consecutive
	// failures across the whole pool, independent of per-resolver health.
	OnSendResult func(err error)

	writeQueue chan []byte
}

// Run drives the pump until ctx is done or a fatal tunnel error occurs.
// A fatal tunnel I/O error (as opposed to a transient upstream error)
// is returned so the caller's lifecycle can transition to STOPPING.
func (p *Pump) Run(ctx context.Context) error {
	p.writeQueue = make(chan []byte, writeQueueCapacity)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return p.runTunnelReader(ctx) })
	group.Go(func() error { return p.runUpstreamReader(ctx) })
	group.Go(func() error { return p.runWriter(ctx) })

	return group.Wait()
}

func (p *Pump) runTunnelReader(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		for range tunnelDrainBatch {
			n, err := p.Tunnel.ReadPacket(buf)
			if err != nil {
				return err // fatal tunnel failure
			}
			if n == 0 {
				break // nothing more to drain this wake
			}
			p.handleTunnelPacket(ctx, buf[:n])
		}
	}
}

func (p *Pump) handleTunnelPacket(ctx context.Context, raw []byte) {
	dg, err := ParseDatagram(raw, p.IPv6Enabled)
	if err != nil {
		return // malformed or non-UDP/53-eligible packet: drop silently
	}
	if dg.DstAddr.Port() != 53 {
		return
	}

	query, err := DecodeQuery(dg.Payload)
	if err != nil {
		return // malformed DNS query: dropped without response
	}

	switch p.Rules.Lookup(query.Name) {
	case DENY:
		p.logBlockLog(query.Name, DENY)
		resp, err := EncodeBlocked(query)
		if err != nil {
			return
		}
		p.enqueueResponse(dg.DstAddr, dg.SrcAddr, resp)
	default: // IGNORE and ALLOW both forward upstream
		p.logBlockLog(query.Name, ALLOW)
		p.forwardUpstream(ctx, dg, query)
	}
}

func (p *Pump) forwardUpstream(ctx context.Context, dg *Datagram, query *Query) {
	payload := make([]byte, len(dg.Payload))
	copy(payload, dg.Payload)

	_, upstreamID, err := p.Upstream.Send(ctx, payload, p.Tracker)
	if p.OnSendResult != nil {
		p.OnSendResult(err)
	}
	if err != nil {
		return
	}
	p.Tracker.Register(upstreamID, dg.SrcAddr, query.ID, query.Name)
}

func (p *Pump) runUpstreamReader(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		n, addr, err := p.Upstream.Conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue // transient read error: keep polling
		}
		p.handleUpstreamDatagram(addr, buf[:n])
	}
}

func (p *Pump) handleUpstreamDatagram(addr net.Addr, raw []byte) {
	upstreamID, err := QueryID(raw)
	if err != nil {
		return
	}
	// Any datagram from a resolver address, matched or not, is evidence
	// the resolver is alive: this is also how a resolver-health recovery
	// probe reply (never registered in the tracker) clears a degraded
	// resolver, without the pump needing to treat probes specially.
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		p.Upstream.MarkSuccess(udpAddr.AddrPort())
	}

	rec := p.Tracker.Match(upstreamID)
	if rec == nil {
		return // unmatched, expired, or a discarded health probe reply
	}

	if err := RewriteID(raw, rec.clientID); err != nil {
		return
	}
	p.enqueueResponse(netip.AddrPort{}, rec.clientAddr, raw)
}

// enqueueResponse frames payload as a UDP/53 packet from src to dst and
// enqueues it for the writer goroutine. When src is the zero value (a
// forwarded upstream response), the tunnel's own gateway address is
// used instead, per address family of dst.
func (p *Pump) enqueueResponse(src, dst netip.AddrPort, payload []byte) {
	if src == (netip.AddrPort{}) {
		src = p.gatewayAddrFor(dst)
	}
	buf := make([]byte, 65535)
	n, err := EncodeResponse(buf, src, dst, payload)
	if err != nil {
		return
	}
	select {
	case p.writeQueue <- buf[:n]:
	default:
		// queue full: drop, matching the tunnel-write backpressure policy
	}
}

// gatewayAddrFor returns the gateway's DNS-serving address for the
// address family of dst, used as the source address of a forwarded
// response.
func (p *Pump) gatewayAddrFor(dst netip.AddrPort) netip.AddrPort {
	if dst.Addr().Is4() {
		return netip.AddrPortFrom(p.GatewayIPv4, 53)
	}
	return netip.AddrPortFrom(p.GatewayIPv6, 53)
}

func (p *Pump) runWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case buf, ok := <-p.writeQueue:
			if !ok {
				return nil
			}
			if err := p.Tunnel.WritePacket(buf); err != nil {
				return err // fatal tunnel failure
			}
		}
	}
}

func (p *Pump) logBlockLog(name string, d Disposition) {
	if p.BlockLogging && p.BlockLog != nil {
		p.BlockLog.Append(name, d)
	}
	p.Logger.Info("queryDispatched", slog.String("name", name), slog.String("disposition", d.String()))
}
