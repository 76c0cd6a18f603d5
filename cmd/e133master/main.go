// Command e133master advertises a local E1.33 master candidate over
// DNS-SD, watches for competing candidates in the same scope, and serves
// the per-second master-assertion heartbeat to connected clients.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lxe133/masterdisco/internal/config"
	"github.com/lxe133/masterdisco/internal/discovery"
	"github.com/lxe133/masterdisco/internal/election"
	"github.com/lxe133/masterdisco/internal/netutil"
	"github.com/lxe133/masterdisco/internal/responder"
)

const (
	exitOK          = 0
	exitUnavailable = 69
	exitUsage       = 64
)

func main() {
	os.Exit(run())
}

func run() int {
	priority := flag.Int("priority", -1, "master priority, 0-127 (overrides config)")
	listenIP := flag.String("listen_ip", "", "TCP listen address (overrides config)")
	listenPort := flag.Int("listen_port", -1, "TCP listen port, 0 for dynamic (overrides config)")
	scope := flag.String("scope", "", "DNS-SD scope (overrides config)")
	watchMasters := flag.Bool("watch_masters", true, "watch for and defer to higher-priority masters")
	configPath := flag.String("config", "", "path to TOML config file (defaults to the XDG config path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "e133master: loading config: %v\n", err)
		return exitUsage
	}

	if *priority >= 0 {
		cfg.Priority = *priority
	}
	if *listenIP != "" {
		cfg.ListenIP = *listenIP
	}
	if *listenPort >= 0 {
		cfg.ListenPort = *listenPort
	}
	if *scope != "" {
		cfg.Scope = *scope
	}
	cfg.WatchMasters = *watchMasters
	if cfg.Priority < 0 || cfg.Priority > 127 {
		fmt.Fprintf(os.Stderr, "e133master: priority must be in 0-127, got %d\n", cfg.Priority)
		return exitUsage
	}

	port := cfg.ListenPort
	if port == 0 {
		alloc := netutil.NewPortAllocator(cfg.Scope)
		p, err := alloc.GetAvailablePort()
		if err != nil {
			fmt.Fprintf(os.Stderr, "e133master: allocating listen port: %v\n", err)
			return exitUnavailable
		}
		port = p
	}

	client := responder.NewZeroconfClient(nil)
	if client.State() != responder.StateRunning {
		fmt.Fprintln(os.Stderr, "e133master: host mDNS responder unavailable")
		return exitUnavailable
	}

	sup := election.NewSupervisor(
		time.Duration(cfg.TCPConnectTimeoutSeconds)*time.Second,
		election.ConstantPolicy(time.Duration(cfg.TCPRetryIntervalSeconds)*time.Second),
		port,
		netutil.LocalIPv4Addresses,
	)
	sup.SetStandalone(!cfg.WatchMasters)

	var agent *discovery.Agent
	if cfg.WatchMasters {
		agent = discovery.New(client, cfg.Scope, func(kind discovery.PeerEventKind, record discovery.PeerRecord) {
			addr := election.Address{Host: record.Host, Port: record.Port}
			if kind == discovery.PeerAdded {
				sup.OnPeerAdded(record.Key.ServiceName, addr, record.Priority, record.Scope)
			} else {
				sup.OnPeerRemoved(record.Key.ServiceName)
			}
		})
	} else {
		agent = discovery.New(client, cfg.Scope, nil)
	}

	listenIPAddr := cfg.ListenIP
	if listenIPAddr == "" {
		listenIPAddr = "0.0.0.0"
	}
	listenAddr := fmt.Sprintf("%s:%d", listenIPAddr, port)

	agent.Start()
	defer agent.Stop()

	if err := sup.Start(listenAddr); err != nil {
		fmt.Fprintf(os.Stderr, "e133master: listening on %s: %v\n", listenAddr, err)
		return exitUnavailable
	}
	defer sup.Stop()

	masterName := fmt.Sprintf("e133master-%d", cfg.Priority)
	agent.RegisterMaster(masterName, uint16(port), uint8(cfg.Priority))

	fmt.Printf("e133master: listening on %s, scope %q, priority %d\n", listenAddr, cfg.Scope, cfg.Priority)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return waitForShutdown(ctx)
	})
	g.Go(func() error {
		return watchResponderHealth(ctx, client)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "e133master: %v\n", err)
		return exitUnavailable
	}
	return exitOK
}
