// SPDX-License-Identifier: GPL-3.0-or-later

// Package dnssink implements the data-plane engine of a host-local,
// per-device DNS-filtering gateway delivered as a userspace VPN.
//
// # Core Abstraction
//
// An [Engine] owns exactly one tunnel device and one upstream socket for
// the duration of a run. It captures outbound IP traffic from the tunnel,
// recognizes UDP/53 datagrams, consults an immutable [RuleTable] built at
// start time, and either synthesizes a blocked response locally or
// forwards the query to an [UpstreamPool] resolver, reframing the answer
// back to the originating client via the [QueryTracker]. All other
// traffic on the tunnel is dropped: this is a DNS-only sinkhole, not a
// general-purpose packet forwarder.
//
// # Available Components
//
//   - [RuleTable]: immutable hostname to [Disposition] lookup
//   - [ParseDatagram]/[EncodeResponse]: IPv4/IPv6 + UDP framing
//   - [DecodeQuery]/[EncodeBlocked]/[RewriteID]: DNS wire handling
//   - [UpstreamPool]: round-robin resolver selection with health tracking
//   - [QueryTracker]: upstream-id to client-5-tuple correlation
//   - [Pump]: the tunnel/upstream poll-and-dispatch loop
//   - [Engine]: lifecycle state machine coordinating the above
//   - [StatusReporter]: last-value broadcast of [State] changes
//   - [BlockLog]: bounded, persistable ring of query dispositions
//
// # Ownership
//
// The [Engine] exclusively owns the tunnel device, the upstream socket,
// the pump goroutines, the [QueryTracker], and the mutable [BlockLog].
// The [RuleTable] is immutable after construction and shared read-only
// for the run's lifetime. [StatusReporter] values are published one-way:
// the engine writes, subscribers only read.
//
// # Observability
//
// The [Engine], [Pump], and [UpstreamPool] accept an [SLogger]
// (compatible with [log/slog]) and an [ErrClassifier] backed by
// [github.com/bassosimone/dnssink/errclass]. By default, logging is
// disabled, but classification is active, since the lifecycle's
// reconnect decisions depend on it (see [DefaultErrClassifier]).
//
// Each upstream send emits an upstreamSendDone structured log event
// carrying t0, t, err, and errClass; there is no matching *Start event.
// [NewSpanID] returns a UUIDv7 that an embedding application can attach
// to its logger (cmd/dnssinkd tags its whole run this way); [BlockLog]
// entries carry no span ID.
//
// # Timeout and Context Philosophy
//
// The [TunnelFactory] and [ProtectedDialer] receive the run's
// [context.Context]. Tunnel and upstream reads take no context: on Stop,
// the [Engine] cancels the run's context and closes the tunnel device and
// upstream socket, which unblocks any in-progress read.
//
// # Design Boundaries
//
// This package intentionally covers only the data-plane engine. The
// settings UI, the on-disk configuration format owned by that UI, the
// hosts-file HTTP downloader, notification and foreground-service
// scaffolding, the per-application traffic selector, and the boot-time
// autostart check are all external collaborators reached through narrow
// interfaces ([TunnelFactory], [ProtectedDialer], [Config],
// [ShouldAutostart]) — this package never fetches a hosts file, never
// renders UI, and never decides which applications are excluded from
// the tunnel.
//
// Explicitly out of scope: TCP-DNS, DoH, DoT, DNSSEC validation,
// recursive resolution, answer caching, rewriting A/AAAA records to
// custom addresses, and transparent proxying of non-DNS UDP.
package dnssink
