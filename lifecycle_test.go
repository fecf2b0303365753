// SPDX-License-Identifier: GPL-3.0-or-later

package dnssink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func failingTunnelFactory(err error) TunnelFactory {
	return func(ctx context.Context, cfg *Config) (TunnelDevice, error) {
		return nil, err
	}
}

// fakeLifecycleTunnel is a [TunnelDevice] whose ReadPacket blocks until
// closed, so the pump's tunnel reader goroutine parks without spinning.
type fakeLifecycleTunnel struct {
	closed chan struct{}
}

func newFakeLifecycleTunnel() *fakeLifecycleTunnel {
	return &fakeLifecycleTunnel{closed: make(chan struct{})}
}

func (f *fakeLifecycleTunnel) ReadPacket(buf []byte) (int, error) {
	<-f.closed
	return 0, errors.New("tunnel closed")
}

func (f *fakeLifecycleTunnel) WritePacket(buf []byte) error { return nil }

func (f *fakeLifecycleTunnel) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func testTunnelFactory(t *testing.T) TunnelFactory {
	return func(ctx context.Context, cfg *Config) (TunnelDevice, error) {
		return newFakeLifecycleTunnel(), nil
	}
}

func testDialer(t *testing.T) ProtectedDialer {
	return func(ctx context.Context) (net.PacketConn, error) {
		return net.ListenPacket("udp4", "127.0.0.1:0")
	}
}

func failingDialer(err error) ProtectedDialer {
	return func(ctx context.Context) (net.PacketConn, error) {
		return nil, err
	}
}

func newTestConfig() *Config {
	cfg := NewConfig()
	cfg.UpstreamList = []UpstreamResolverConfig{{Name: "t", Addr: "127.0.0.1:53", Enabled: true}}
	return cfg
}

func TestEngineStartReachesRunning(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)

	assert.Eventually(t, func() bool {
		return e.State() == StateRunning
	}, time.Second, 5*time.Millisecond)
}

func TestEngineStopReachesStopped(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	e.Stop()
	assert.Eventually(t, func() bool {
		return e.State() == StateStopped
	}, time.Second, 5*time.Millisecond)
}

func TestEngineStopPersistsBlockLog(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/blocklog.yaml"

	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	e.BlockLogPath = path
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	cfg := newTestConfig()
	cfg.BlockLogging = true
	e.Start(cfg, nil, nil)
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	e.Stop()
	require.Eventually(t, func() bool { return e.State() == StateStopped }, time.Second, 5*time.Millisecond)

	_, err := LoadBlockLog(path, time.Now)
	assert.NoError(t, err)
}

func TestEngineNetworkLossAndRecovery(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	e.NotifyNetworkLost()
	assert.Eventually(t, func() bool {
		return e.State() == StateWaitingForNetwork
	}, time.Second, 5*time.Millisecond)

	e.NotifyNetworkAvailable()
	assert.Eventually(t, func() bool {
		s := e.State()
		return s == StateReconnecting || s == StateRunning
	}, time.Second, 5*time.Millisecond)
}

func TestEnginePauseThenResume(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	e.Pause()
	require.Eventually(t, func() bool { return e.State() == StateStopped }, time.Second, 5*time.Millisecond)

	e.Resume()
	assert.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)
}

func TestEngineTunnelFactoryTransientFailureReconnects(t *testing.T) {
	e := NewEngine(failingTunnelFactory(context.DeadlineExceeded), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)

	assert.Eventually(t, func() bool {
		return e.State() == StateReconnectingNetworkError
	}, time.Second, 5*time.Millisecond)
}

func TestEngineTunnelFactoryFatalFailureStops(t *testing.T) {
	e := NewEngine(failingTunnelFactory(errors.New("device unsupported")), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statusCh, cancelSub := e.Status.Subscribe()
	defer cancelSub()

	go e.Run(ctx)
	e.Start(newTestConfig(), nil, nil)

	sawStarting := false
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-statusCh:
				if ev.State == StateStarting {
					sawStarting = true
				}
				if ev.State == StateStopped && sawStarting {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.True(t, sawStarting, "expected the engine to pass through STARTING before STOPPED")
}

func TestEngineDialerFailureIsReconnectingNetworkError(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), failingDialer(errors.New("protection failed")), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)

	assert.Eventually(t, func() bool {
		return e.State() == StateReconnectingNetworkError
	}, time.Second, 5*time.Millisecond)
}

func TestEngineConsecutiveSendFailuresTriggerReconnectBackoff(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	e.Start(newTestConfig(), nil, nil)
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	for range sendFailureThreshold {
		e.sendResultCh <- errors.New("send failed")
	}

	assert.Eventually(t, func() bool {
		return e.State() == StateReconnectingNetworkError
	}, time.Second, 5*time.Millisecond)
}

func TestEngineContextDoneStops(t *testing.T) {
	e := NewEngine(testTunnelFactory(t), testDialer(t), DefaultSLogger())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- e.Run(ctx) }()

	e.Start(newTestConfig(), nil, nil)
	require.Eventually(t, func() bool { return e.State() == StateRunning }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
	assert.Equal(t, StateStopped, e.State())
}
