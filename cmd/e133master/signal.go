package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lxe133/masterdisco/internal/responder"
)

// waitForShutdown blocks until SIGINT/SIGTERM or ctx is cancelled by the
// errgroup's other watcher.
func waitForShutdown(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		fmt.Printf("e133master: received %s, shutting down\n", sig)
		return nil
	case <-ctx.Done():
		return nil
	}
}

// watchResponderHealth polls the responder client's state and returns an
// error if it leaves Running and does not recover, giving the errgroup a
// basis for exiting with exitUnavailable.
func watchResponderHealth(ctx context.Context, client *responder.ZeroconfClient) error {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var unavailableSince time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if client.State() == responder.StateRunning {
				unavailableSince = time.Time{}
				continue
			}
			if unavailableSince.IsZero() {
				unavailableSince = time.Now()
				continue
			}
			if time.Since(unavailableSince) > 30*time.Second {
				return fmt.Errorf("host mDNS responder unavailable for over 30s")
			}
		}
	}
}
