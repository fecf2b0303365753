// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/tailscale/tailscale/blob/main/wgengine/magicsock/magicsock.go
//

package dnssink

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"
)

// idAttempts bounds how many times [*UpstreamPool.Send] resamples a
// 16-bit transaction id before giving up and dropping the query.
const idAttempts = 8

// degradeThreshold and degradeWindow define when a resolver is marked
// degraded: this many consecutive timeouts within this window.
const (
	degradeThreshold = 3
	degradeWindow    = 30 * time.Second
)

// ErrNoResolvers is returned by [*UpstreamPool.NextResolver] when the
// pool has no enabled, healthy resolver to offer.
var ErrNoResolvers = errors.New("dnssink: no healthy upstream resolver available")

// ErrIDExhausted is returned by [*UpstreamPool.Send] when idAttempts
// consecutive samples all collided with an outstanding id.
var ErrIDExhausted = errors.New("dnssink: could not allocate a free query id")

// upstreamResolver tracks one configured resolver's health, following
// magicsock's per-endpoint consecutive-failure counter idiom.
type upstreamResolver struct {
	name    string
	addr    netip.AddrPort
	enabled bool

	healthy             bool
	consecutiveFailures int
	windowStart         time.Time
}

// UpstreamPool rotates through configured resolvers round-robin and
// owns the single outbound [net.PacketConn] used to reach them. The
// conn must be bound to the underlying physical network, never the
// tunnel, to avoid a self-loop (see [ProtectedDialer]).
type UpstreamPool struct {
	Conn          net.PacketConn
	ErrClassifier ErrClassifier
	Logger        SLogger
	TimeNow       func() time.Time

	resolvers []*upstreamResolver
	rrCursor  int
}

// NewUpstreamPool builds a [*UpstreamPool] over conn and the enabled
// entries of list, in list order (the configured order is the
// round-robin order).
func NewUpstreamPool(cfg *Config, conn net.PacketConn, list []UpstreamResolverConfig, logger SLogger) *UpstreamPool {
	pool := &UpstreamPool{
		Conn:          conn,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
	}
	for _, r := range list {
		addr, err := netip.ParseAddrPort(r.Addr)
		if err != nil {
			continue
		}
		pool.resolvers = append(pool.resolvers, &upstreamResolver{
			name:    r.Name,
			addr:    addr,
			enabled: r.Enabled,
			healthy: true,
		})
	}
	return pool
}

// NextResolver yields the next enabled, non-degraded resolver address
// round-robin. Returns [ErrNoResolvers] when the list is empty, every
// entry is disabled, or every enabled entry is currently degraded.
func (p *UpstreamPool) NextResolver() (netip.AddrPort, error) {
	n := len(p.resolvers)
	if n == 0 {
		return netip.AddrPort{}, ErrNoResolvers
	}
	for i := range n {
		idx := (p.rrCursor + i) % n
		r := p.resolvers[idx]
		if r.enabled && r.healthy {
			p.rrCursor = (idx + 1) % n
			return r.addr, nil
		}
	}
	return netip.AddrPort{}, ErrNoResolvers
}

// DegradedResolvers returns the addresses currently marked degraded, for
// the resolver-health recovery probe loop to target.
func (p *UpstreamPool) DegradedResolvers() []netip.AddrPort {
	var out []netip.AddrPort
	for _, r := range p.resolvers {
		if r.enabled && !r.healthy {
			out = append(out, r.addr)
		}
	}
	return out
}

// MarkTimeout records a send/receive timeout against addr. After
// [degradeThreshold] consecutive timeouts within [degradeWindow], the
// resolver is marked degraded and skipped by [*UpstreamPool.NextResolver]
// until a probe succeeds.
func (p *UpstreamPool) MarkTimeout(addr netip.AddrPort) {
	r := p.find(addr)
	if r == nil {
		return
	}
	now := p.TimeNow()
	if r.consecutiveFailures == 0 || now.Sub(r.windowStart) > degradeWindow {
		r.windowStart = now
		r.consecutiveFailures = 0
	}
	r.consecutiveFailures++
	if r.consecutiveFailures >= degradeThreshold {
		r.healthy = false
	}
}

// MarkSuccess clears addr's failure streak and, if it was degraded,
// restores it to healthy. Called both on an ordinary successful
// round-trip and on a successful resolver-health recovery probe.
func (p *UpstreamPool) MarkSuccess(addr netip.AddrPort) {
	r := p.find(addr)
	if r == nil {
		return
	}
	r.consecutiveFailures = 0
	r.healthy = true
}

func (p *UpstreamPool) find(addr netip.AddrPort) *upstreamResolver {
	for _, r := range p.resolvers {
		if r.addr == addr {
			return r
		}
	}
	return nil
}

// hasOutstandingID reports whether id is currently in flight, used by
// [*UpstreamPool.Send] to resample on collision.
type hasOutstandingID interface {
	hasID(id uint16) bool
}

// Send assigns a fresh 16-bit transaction id to raw (rewriting it in
// place via [RewriteID]), then sends it on the pool's socket to the
// next resolver chosen by [*UpstreamPool.NextResolver]. The id is
// sampled uniformly and resampled on collision with an id the tracker
// reports as outstanding, up to [idAttempts] times; exhausting the
// budget drops the query and returns [ErrIDExhausted].
func (p *UpstreamPool) Send(ctx context.Context, raw []byte, tracker hasOutstandingID) (addr netip.AddrPort, id uint16, err error) {
	addr, err = p.NextResolver()
	if err != nil {
		return netip.AddrPort{}, 0, err
	}

	found := false
	for range idAttempts {
		candidate := uint16(rand.IntN(1 << 16))
		if tracker.hasID(candidate) {
			continue
		}
		id, found = candidate, true
		break
	}
	if !found {
		return netip.AddrPort{}, 0, ErrIDExhausted
	}

	t0 := p.TimeNow()
	if err := RewriteID(raw, id); err != nil {
		return netip.AddrPort{}, 0, err
	}
	udpAddr := net.UDPAddrFromAddrPort(addr)
	_, sendErr := p.Conn.WriteTo(raw, udpAddr)
	p.logUpstreamSend(addr, t0, sendErr)
	if sendErr != nil {
		p.MarkTimeout(addr)
		return netip.AddrPort{}, 0, sendErr
	}
	return addr, id, nil
}

// SendProbe sends a resolver-health recovery probe query to addr,
// bypassing round-robin selection and the [QueryTracker] entirely: a
// degraded resolver is probed directly, and any reply is discarded by
// the pump after [*UpstreamPool.MarkSuccess] has already cleared the
// degraded flag (see spec.md §9 SUPPLEMENT).
func (p *UpstreamPool) SendProbe(addr netip.AddrPort) error {
	raw, err := EncodeProbeQuery(uint16(rand.IntN(1 << 16)))
	if err != nil {
		return err
	}
	_, err = p.Conn.WriteTo(raw, net.UDPAddrFromAddrPort(addr))
	return err
}

func (p *UpstreamPool) logUpstreamSend(addr netip.AddrPort, t0 time.Time, err error) {
	p.Logger.Info(
		"upstreamSendDone",
		slog.String("remoteAddr", addr.String()),
		slog.Any("err", err),
		slog.String("errClass", p.ErrClassifier.Classify(err)),
		slog.Time("t0", t0),
		slog.Time("t", p.TimeNow()),
	)
}
