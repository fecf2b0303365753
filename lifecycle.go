// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/bassosimone/dnssink/errclass"
	"github.com/bassosimone/runtimex"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

// sendFailureWindow and sendFailureThreshold define when consecutive
// upstream send failures drive the lifecycle into
// [StateReconnectingNetworkError] (spec.md §4.7).
const (
	sendFailureWindow    = 5 * time.Second
	sendFailureThreshold = 3
)

// pumpJoinDeadline bounds how long Stop waits for the pump goroutines to
// exit, after their tunnel device and upstream socket have been closed,
// before abandoning them (spec.md §5's "last-resort" cancellation path).
const pumpJoinDeadline = 2 * time.Second

type controlKind int

const (
	cmdStart controlKind = iota
	cmdStop
	cmdPause
	cmdResume
)

type controlMessage struct {
	kind      controlKind
	cfg       *Config
	sources   []HostSource
	overrides []RuleOverride
}

// Engine is the sole owner of the tunnel device, the upstream socket,
// the pump goroutines, the [QueryTracker], and the mutable [BlockLog]
// for one run, and is the state machine described in spec.md §4.7:
//
//	STOPPED -> STARTING -> RUNNING -> {
//	    STOPPING -> STOPPED,
//	    WAITING_FOR_NETWORK -> RECONNECTING -> RUNNING,
//	    RECONNECTING_NETWORK_ERROR -(backoff)-> RECONNECTING -> RUNNING,
//	}
type Engine struct {
	TunnelFactory         TunnelFactory
	Dialer                ProtectedDialer
	Logger                SLogger
	ErrClassifier         ErrClassifier
	Status                *StatusReporter
	BlockLogPath          string
	PersistedActiveSetter func(bool)

	controlCh    chan controlMessage
	networkCh    chan bool
	sendResultCh chan error

	mu       sync.Mutex
	state    State
	cfg      *Config
	rules    *RuleTable
	tracker  *QueryTracker
	blockLog *BlockLog
	pool     *UpstreamPool
	tunnel   TunnelDevice
	conn     net.PacketConn
}

// NewEngine returns an [*Engine] ready to have [*Engine.Run] started in
// its own goroutine and then be driven via Start/Stop/Pause/Resume.
func NewEngine(tunnelFactory TunnelFactory, dialer ProtectedDialer, logger SLogger) *Engine {
	runtimex.Assert(tunnelFactory != nil, "dnssink: NewEngine requires a TunnelFactory")
	runtimex.Assert(dialer != nil, "dnssink: NewEngine requires a ProtectedDialer")
	if logger == nil {
		logger = DefaultSLogger()
	}
	return &Engine{
		TunnelFactory: tunnelFactory,
		Dialer:        dialer,
		Logger:        logger,
		ErrClassifier: DefaultErrClassifier,
		Status:        NewStatusReporter(),
		controlCh:     make(chan controlMessage, 8),
		networkCh:     make(chan bool, 1),
		sendResultCh:  make(chan error, 32),
		state:         StateStopped,
	}
}

// offer enqueues msg onto the bounded control-message channel with a
// 1-second timeout; past that, the message is dropped and logged as a
// warning, per spec.md §5.
func (e *Engine) offer(msg controlMessage) {
	select {
	case e.controlCh <- msg:
	case <-time.After(time.Second):
		e.Logger.Info("controlQueueDropped", slog.Int("kind", int(msg.kind)))
	}
}

// Start enqueues a START command. sources/overrides are the pre-parsed
// host-file contributions (the downloader and parser live outside this
// package; see spec.md §9).
func (e *Engine) Start(cfg *Config, sources []HostSource, overrides []RuleOverride) {
	e.offer(controlMessage{kind: cmdStart, cfg: cfg, sources: sources, overrides: overrides})
}

// Stop enqueues a STOP command.
func (e *Engine) Stop() { e.offer(controlMessage{kind: cmdStop}) }

// Pause enqueues a PAUSE command: equivalent to STOP, plus the caller is
// expected to persist a "resume available" flag externally. The engine
// never reads that flag itself.
func (e *Engine) Pause() { e.offer(controlMessage{kind: cmdPause}) }

// Resume enqueues a RESUME command: equivalent to START, using the
// configuration captured by the prior Start.
func (e *Engine) Resume() { e.offer(controlMessage{kind: cmdResume}) }

// NotifyNetworkLost signals the OS callback for default-network loss.
func (e *Engine) NotifyNetworkLost() {
	select {
	case e.networkCh <- false:
	default:
	}
}

// NotifyNetworkAvailable signals the OS callback for default-network
// availability.
func (e *Engine) NotifyNetworkAvailable() {
	select {
	case e.networkCh <- true:
	default:
	}
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	e.Status.Publish(StatusEvent{State: s})
}

func (e *Engine) warn(msg string) {
	e.Status.Publish(StatusEvent{State: e.State(), Warning: msg})
}

// runHandle bundles what Run needs to track about the currently active
// per-run goroutines, kept as zero value when nothing is running.
type runHandle struct {
	cancel context.CancelFunc
	done   chan error // pump exit signal; nil when nothing is running
}

// Run is the control thread: it hosts the lifecycle state machine,
// processes control commands strictly in arrival order, and reacts to
// network-availability callbacks and upstream send results, until ctx
// is done. It is the only goroutine that calls [Engine]'s private
// transition helpers, so none of that state needs its own lock.
func (e *Engine) Run(ctx context.Context) error {
	var run runHandle
	var lastCfg *Config
	var lastSources []HostSource
	var lastOverrides []RuleOverride

	sweepTicker := time.NewTicker(time.Second)
	defer sweepTicker.Stop()

	failureCount := 0
	var failureWindowStart time.Time
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxInterval(30*time.Second),
		backoff.WithMultiplier(2),
	)
	bo.RandomizationFactor = 0
	var backoffTimer *time.Timer
	var backoffC <-chan time.Time

	stopRun := func() {
		if run.cancel != nil {
			run.cancel()
		}
		// Closing the tunnel device and upstream socket unblocks the
		// pump's blocking reads so its goroutines can exit.
		e.closeResources()
		if run.done != nil {
			select {
			case <-run.done:
			case <-time.After(pumpJoinDeadline):
				e.Logger.Info("pumpJoinDeadlineExceeded")
			}
		}
		run = runHandle{}
	}

	toStopped := func() {
		stopRun()
		e.setState(StateStopping)
		e.persistBlockLogIfEnabled()
		e.setState(StateStopped)
	}

	// awaitingFirstSend is set when entering RUNNING requires the first
	// successful upstream send (the RECONNECTING -> RUNNING transition),
	// as opposed to STARTING -> RUNNING, which happens as soon as the
	// pump has entered its loop.
	awaitingFirstSend := false

	startRun := func(cfg *Config, sources []HostSource, overrides []RuleOverride, viaReconnect bool) {
		cancel, done, fatal, networkErr := e.doStart(ctx, cfg, sources, overrides)
		switch {
		case fatal:
			e.persistBlockLogIfEnabled()
			e.setState(StateStopped)
		case networkErr:
			e.setState(StateReconnectingNetworkError)
			backoffTimer = time.NewTimer(bo.NextBackOff())
			backoffC = backoffTimer.C
		default:
			run = runHandle{cancel: cancel, done: done}
			failureCount = 0
			bo.Reset()
			if viaReconnect {
				awaitingFirstSend = true
			} else {
				e.setState(StateRunning)
			}
		}
	}

	for {
		var pumpDone <-chan error
		if run.done != nil {
			pumpDone = run.done
		}

		select {
		case <-ctx.Done():
			toStopped()
			return nil

		case msg := <-e.controlCh:
			switch msg.kind {
			case cmdStart:
				if e.State() != StateStopped {
					continue
				}
				lastCfg, lastSources, lastOverrides = msg.cfg, msg.sources, msg.overrides
				e.setState(StateStarting)
				startRun(msg.cfg, msg.sources, msg.overrides, false)

			case cmdStop, cmdPause:
				toStopped()
				if msg.kind == cmdStop && e.PersistedActiveSetter != nil {
					e.PersistedActiveSetter(false)
				}

			case cmdResume:
				if e.State() != StateStopped || lastCfg == nil {
					continue
				}
				e.setState(StateStarting)
				startRun(lastCfg, lastSources, lastOverrides, false)
			}

		case available := <-e.networkCh:
			if !available && e.State() == StateRunning {
				stopRun()
				e.setState(StateWaitingForNetwork)
			} else if available && e.State() == StateWaitingForNetwork {
				e.setState(StateReconnecting)
				startRun(lastCfg, lastSources, lastOverrides, true)
			}

		case err := <-pumpDone:
			// The pump exited on its own: either a tunnel error or a
			// cancellation already handled by the caller that invoked
			// stopRun (err == nil in that case, and run.done is already
			// reset, so this branch only fires for a real exit error).
			if err == nil {
				continue
			}
			label := e.ErrClassifier.Classify(err)
			e.Logger.Info("pumpExitedWithError", slog.Any("err", err), slog.String("errClass", label))
			if errclass.IsTransient(label) {
				// A transient tunnel I/O error (e.g. a momentary resource
				// exhaustion) is worth reconnecting over rather than
				// stopping outright.
				awaitingFirstSend = false
				stopRun()
				e.setState(StateReconnectingNetworkError)
				backoffTimer = time.NewTimer(bo.NextBackOff())
				backoffC = backoffTimer.C
			} else {
				toStopped()
				if e.PersistedActiveSetter != nil {
					e.PersistedActiveSetter(false)
				}
			}

		case <-sweepTicker.C:
			e.mu.Lock()
			tracker := e.tracker
			e.mu.Unlock()
			if tracker != nil {
				tracker.Sweep()
			}

		case sendErr := <-e.sendResultCh:
			if sendErr == nil {
				failureCount = 0
				bo.Reset()
				if awaitingFirstSend {
					awaitingFirstSend = false
					e.setState(StateRunning)
				}
				continue
			}
			now := time.Now()
			if failureCount == 0 || now.Sub(failureWindowStart) > sendFailureWindow {
				failureWindowStart = now
				failureCount = 0
			}
			failureCount++
			if failureCount >= sendFailureThreshold &&
				(e.State() == StateRunning || e.State() == StateReconnecting) {
				failureCount = 0
				awaitingFirstSend = false
				stopRun()
				e.setState(StateReconnectingNetworkError)
				backoffTimer = time.NewTimer(bo.NextBackOff())
				backoffC = backoffTimer.C
			}

		case <-backoffC:
			backoffC = nil
			e.setState(StateReconnecting)
			startRun(lastCfg, lastSources, lastOverrides, true)
		}
	}
}

// doStart builds the per-run components (rule table, tracker, block
// log, tunnel, upstream socket) and launches the pump in its own
// goroutine. The three boolean/error-shaped returns tell Run which of
// the three non-running outcomes occurred: fatal (a tunnel construction
// failure the classifier does not consider transient, transitions to
// STOPPED), networkErr (a transient tunnel construction failure, or any
// upstream socket protection failure, transitions to
// RECONNECTING_NETWORK_ERROR per spec.md §9's Open Question resolution),
// or neither (success).
func (e *Engine) doStart(parent context.Context, cfg *Config, sources []HostSource, overrides []RuleOverride) (cancel context.CancelFunc, done chan error, fatal, networkErr bool) {
	runCtx, cancel := context.WithCancel(parent)

	tunnel, err := e.TunnelFactory(runCtx, cfg)
	if err != nil {
		cancel()
		label := e.ErrClassifier.Classify(err)
		e.warn("tunnel factory failed: " + err.Error())
		if errclass.IsTransient(label) {
			return nil, nil, false, true
		}
		return nil, nil, true, false
	}
	conn, err := e.Dialer(runCtx)
	if err != nil {
		tunnel.Close()
		cancel()
		e.warn("upstream socket protection failed: " + err.Error())
		return nil, nil, false, true
	}

	e.mu.Lock()
	e.cfg = cfg
	e.tunnel, e.conn = tunnel, conn
	e.rules = NewRuleTable(sources, overrides)
	e.tracker = NewQueryTracker(cfg.TimeNow)
	if cfg.BlockLogging && e.BlockLogPath != "" {
		if bl, err := LoadBlockLog(e.BlockLogPath, cfg.TimeNow); err == nil {
			e.blockLog = bl
		} else {
			e.blockLog = NewBlockLog(cfg.TimeNow)
		}
	} else {
		e.blockLog = NewBlockLog(cfg.TimeNow)
	}
	e.pool = NewUpstreamPool(cfg, conn, cfg.UpstreamList, e.Logger)
	pool := e.pool
	rules := e.rules
	tracker := e.tracker
	blockLog := e.blockLog
	e.mu.Unlock()

	pump := &Pump{
		Tunnel:        tunnel,
		Upstream:      pool,
		Tracker:       tracker,
		Rules:         rules,
		BlockLog:      blockLog,
		BlockLogging:  cfg.BlockLogging,
		IPv6Enabled:   cfg.IPv6Enabled,
		Logger:        e.Logger,
		ErrClassifier: e.ErrClassifier,
		TimeNow:       cfg.TimeNow,
		GatewayIPv4:   cfg.GatewayIPv4,
		GatewayIPv6:   cfg.GatewayIPv6,
		OnSendResult: func(sendErr error) {
			select {
			case e.sendResultCh <- sendErr:
			default:
			}
		},
	}

	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return pump.Run(gctx) })
	group.Go(func() error { return e.runHealthProbeLoop(gctx, pool) })

	done = make(chan error, 1)
	go func() { done <- group.Wait() }()

	return cancel, done, false, false
}

// runHealthProbeLoop periodically probes every currently degraded
// resolver so a recovered resolver can leave the degraded state (spec.md
// §4.4/§9 SUPPLEMENT); the probe reply, if any, is observed and
// discarded by the pump's own upstream reader.
func (e *Engine) runHealthProbeLoop(ctx context.Context, pool *UpstreamPool) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, addr := range pool.DegradedResolvers() {
				_ = pool.SendProbe(addr)
			}
		}
	}
}

func (e *Engine) closeResources() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tunnel != nil {
		e.tunnel.Close()
		e.tunnel = nil
	}
	if e.conn != nil {
		e.conn.Close()
		e.conn = nil
	}
}

func (e *Engine) persistBlockLogIfEnabled() {
	e.mu.Lock()
	bl, cfg, path := e.blockLog, e.cfg, e.BlockLogPath
	e.mu.Unlock()
	if bl == nil || cfg == nil || !cfg.BlockLogging || path == "" {
		return
	}
	if err := bl.Persist(path); err != nil {
		e.warn("block log persist failed: " + err.Error())
	}
}
