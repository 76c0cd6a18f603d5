// Command e133client watches for the elected master in a scope and
// prints master-assertion transitions as they occur, acting as the
// minimal external collaborator described by spec.md §6.
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
	scope := flag.String("scope", "", "DNS-SD scope to watch (overrides config)")
	connectTimeout := flag.Int("tcp_connect_timeout", -1, "TCP connect timeout in seconds (overrides config)")
	retryInterval := flag.Int("tcp_retry_interval", -1, "TCP retry interval in seconds (overrides config)")
	configPath := flag.String("config", "", "path to TOML config file (defaults to the XDG config path)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "e133client: loading config: %v\n", err)
		return exitUsage
	}
	if *scope != "" {
		cfg.Scope = *scope
	}
	if *connectTimeout >= 0 {
		cfg.TCPConnectTimeoutSeconds = *connectTimeout
	}
	if *retryInterval >= 0 {
		cfg.TCPRetryIntervalSeconds = *retryInterval
	}

	client := responder.NewZeroconfClient(nil)
	if client.State() != responder.StateRunning {
		fmt.Fprintln(os.Stderr, "e133client: host mDNS responder unavailable")
		return exitUnavailable
	}

	sup := election.NewSupervisor(
		time.Duration(cfg.TCPConnectTimeoutSeconds)*time.Second,
		election.ConstantPolicy(time.Duration(cfg.TCPRetryIntervalSeconds)*time.Second),
		0,
		netutil.LocalIPv4Addresses,
	)

	var lastAsserted election.Address
	agent := discovery.New(client, cfg.Scope, func(kind discovery.PeerEventKind, record discovery.PeerRecord) {
		addr := election.Address{Host: record.Host, Port: record.Port}
		if kind == discovery.PeerAdded {
			sup.OnPeerAdded(record.Key.ServiceName, addr, record.Priority, record.Scope)
		} else {
			sup.OnPeerRemoved(record.Key.ServiceName)
		}
	})

	agent.Start()
	defer agent.Stop()

	if err := sup.Start(""); err != nil {
		fmt.Fprintf(os.Stderr, "e133client: %v\n", err)
		return exitUnavailable
	}
	defer sup.Stop()

	fmt.Printf("e133client: watching scope %q\n", cfg.Scope)

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return watchShutdown(ctx)
	})
	g.Go(func() error {
		return reportAssertedMaster(ctx, sup, &lastAsserted)
	})

	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "e133client: %v\n", err)
		return exitUnavailable
	}
	return exitOK
}

func reportAssertedMaster(ctx context.Context, sup *election.Supervisor, last *election.Address) error {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			current := sup.AssertedMaster()
			if current != *last {
				fmt.Printf("e133client: asserted master is now %s\n", current)
				*last = current
			}
		}
	}
}
