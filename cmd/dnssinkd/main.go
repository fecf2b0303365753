// SPDX-License-Identifier: GPL-3.0-or-later

// Command dnssinkd runs the engine as a standalone daemon: it loads a
// Configuration Snapshot from a YAML file, brings up a userspace TUN
// device via golang.zx2c4.com/wireguard/tun, and drives the engine
// until a termination signal arrives.
//
// The TunnelFactory and ProtectedDialer wired here are the minimal
// defaults needed to run standalone; an embedding application (a
// desktop or mobile client) is expected to supply its own, backed by
// the platform's VPN facility, in place of these.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/bassosimone/dnssink"
	"golang.zx2c4.com/wireguard/tun"
)

func main() {
	configPath := flag.String("config", "/etc/dnssink/config.yaml", "path to the Configuration Snapshot")
	blockLogPath := flag.String("blocklog", "/var/lib/dnssink/blocklog.yaml", "path to persist the Block Log")
	tunName := flag.String("tun", "dnssink0", "name of the userspace TUN device to create")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("spanID", dnssink.NewSpanID())

	f, err := os.Open(*configPath)
	if err != nil {
		logger.Error("configOpenFailed", slog.Any("err", err))
		os.Exit(1)
	}
	cfg, err := dnssink.LoadConfig(f)
	f.Close()
	if err != nil {
		logger.Error("configLoadFailed", slog.Any("err", err))
		os.Exit(1)
	}

	tunnelFactory := func(ctx context.Context, cfg *dnssink.Config) (dnssink.TunnelDevice, error) {
		dev, err := tun.CreateTUN(*tunName, 1500)
		if err != nil {
			return nil, fmt.Errorf("dnssinkd: creating tunnel device: %w", err)
		}
		return dnssink.NewWireguardTunnelDevice(dev), nil
	}

	// A bare UDP socket is not actually excluded from the tunnel's own
	// capture; a real deployment replaces this with a dialer bound via
	// the platform's socket-protection facility (e.g. SO_BINDTODEVICE,
	// Android's VpnService.protect).
	dialer := func(ctx context.Context) (net.PacketConn, error) {
		return net.ListenPacket("udp", ":0")
	}

	engine := dnssink.NewEngine(tunnelFactory, dialer, logger)
	engine.BlockLogPath = *blockLogPath

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(ctx) }()

	engine.Start(cfg, nil, nil)

	statusCh, cancelSub := engine.Status.Subscribe()
	defer cancelSub()
	go func() {
		for ev := range statusCh {
			logger.Info("statusChanged", slog.String("state", ev.State.String()), slog.String("warning", ev.Warning))
		}
	}()

	<-sigCh
	logger.Info("signalReceived")
	engine.Stop()
	cancel()

	if err := <-runDone; err != nil {
		logger.Error("engineRunFailed", slog.Any("err", err))
		os.Exit(1)
	}
}
