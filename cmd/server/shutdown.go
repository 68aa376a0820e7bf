package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// stopStep is one component in the ordered shutdown sequence.
type stopStep struct {
	name string
	stop func(context.Context) error
}

// drain waits out the drain period so load balancers see the failing
// readiness probe. A second signal cuts it short.
func drain(d time.Duration, L log.Logger) {
	ctx := context.Background()
	L.Info(ctx, "draining", "drain_seconds", d.Seconds())

	again := make(chan os.Signal, 1)
	signal.Notify(again, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(again)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-again:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll runs steps in order, giving each an equal slice of budget.
// Failures are logged and do not stop later steps.
func stopAll(budget time.Duration, steps []stopStep, L log.Logger) {
	if len(steps) == 0 {
		return
	}
	total, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	slice := budget / time.Duration(len(steps))

	for _, s := range steps {
		if s.stop == nil {
			continue
		}
		ctx, done := context.WithTimeout(total, slice)
		if err := s.stop(ctx); err != nil {
			L.Error(context.Background(), err, "shutdown step failed", "step", s.name)
		}
		done()
	}
}

// notifySystemd sends READY=1 when running as a Type=notify unit.
func notifySystemd() error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify: dial failed: %w", err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		return fmt.Errorf("systemd notify: write failed: %w", err)
	}
	return nil
}
