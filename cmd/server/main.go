// Warden triages customer support tickets: it answers what it can with an
// AI-drafted reply and routes everything else to the right team.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	v "github.com/linnemanlabs/go-core/version"

	"github.com/linnemanlabs/warden/internal/triageapi"
)

const (
	appName   = "warden"
	component = "server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	v.AppName = appName
	v.Component = component
	vi := v.Get()

	c, err := loadConfigs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	if c.showVersion {
		dirty := vi.VCSDirty != nil && *vi.VCSDirty
		_, _ = fmt.Fprintf(stdout, "%s %s %s\n  commit=%s (%s) dirty=%v\n  build=%s (%s) go=%s\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, dirty, vi.BuildId, vi.BuildDate, vi.GoVersion)
		return nil
	}
	if err := c.validate(); err != nil {
		return err
	}

	lg, err := log.New(c.log.ToOptions(appName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "starting warden",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"api_port", c.app.APIPort,
		"ops_port", c.ops.Port,
		"tracing", c.trace.EnableTracing,
		"pyroscope", c.prof.EnablePyroscope,
		"fallback_team_id", c.app.FallbackTeamID,
		"min_auto_resolve_confidence", c.app.MinAutoResolveConfidence,
		"dedup_triggers", c.app.DedupTriggers,
		"api_auth", len(c.app.APITokens()) > 0,
	)

	tel := startTelemetry(ctx, c, buildInfo{version: vi.Version, commit: vi.Commit, buildID: vi.BuildId}, L)
	defer tel.close()

	m := metrics.New()
	m.SetBuildInfoFromVersion(appName, component, &vi)
	m.SetProfilingActive(tel.profiling)
	observeDBQueries(m.Registry())

	a, err := buildApp(ctx, c.app, m.Registry(), L)
	if err != nil {
		return err
	}
	defer a.close()

	stopConsumer := startConsumer(ctx, a.consumer, L)

	// readiness fails once shutdown starts so traffic drains first
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	opsOpts := c.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		return fmt.Errorf("ops listener: %w", err)
	}

	api := triageapi.New(L, a.pipeline, a.store, a.router)
	handler := apiHandler(L, api, c.app.APITokens(),
		probes{healthy: health.HealthzHandler(liveness), ready: health.ReadyzHandler(readiness)},
		httpmw.ClientIPOptions{TrustedHops: c.mw.TrustedProxyHops},
		func(h http.Handler) http.Handler { return m.Middleware(h) },
	)

	serverOpts, err := c.http.ToOptions()
	if err != nil {
		_ = stopOps(context.Background())
		return fmt.Errorf("http config: %w", err)
	}
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", c.app.APIPort), handler, L, serverOpts)
	if err != nil {
		_ = stopOps(context.Background())
		return fmt.Errorf("api listener: %w", err)
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "systemd readiness not sent", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")
	drain(time.Duration(c.app.DrainSeconds)*time.Second, L)

	// consumer first so no trigger starts while the listeners close
	stopAll(time.Duration(c.app.ShutdownBudgetSeconds)*time.Second, []stopStep{
		{"trigger consumer", stopConsumer},
		{"api listener", stopAPI},
		{"ops listener", stopOps},
		{"tracing", tel.stopTracing},
	}, L)
	tel.stopTracing = nil

	L.Info(context.Background(), "shutdown complete")
	return nil
}
