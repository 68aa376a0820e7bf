package main

import (
	"context"
	"time"

	otelpyroscope "github.com/grafana/otel-profiling-go"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"

	"github.com/linnemanlabs/warden/internal/postgres"
)

// buildInfo is the subset of version info used to tag telemetry.
type buildInfo struct {
	version, commit, buildID string
}

// telemetry holds the process-wide profiler and tracer shutdown hooks.
type telemetry struct {
	profiling     bool
	stopProfiling func()
	stopTracing   func(context.Context) error
}

// startTelemetry brings up pyroscope and OpenTelemetry. Failures are logged
// and leave the corresponding signal disabled; warden runs without them.
func startTelemetry(ctx context.Context, c *configs, b buildInfo, L log.Logger) *telemetry {
	t := &telemetry{}

	po := c.prof.ToOptions()
	po.AppName = appName
	po.Tags = map[string]string{
		"app":       appName,
		"component": component,
		"version":   b.version,
		"commit":    b.commit,
		"build_id":  b.buildID,
	}
	stopProf, err := prof.Start(ctx, po)
	if err != nil {
		L.Error(ctx, err, "pyroscope start failed", "pyro_server", c.prof.PyroServer)
	}
	t.stopProfiling = stopProf
	t.profiling = err == nil && c.prof.EnablePyroscope

	to := c.trace.ToOptions()
	to.Service = appName
	to.Component = component
	to.Version = b.version
	stopTracing, err := otelx.Init(ctx, to)
	if err != nil {
		L.Error(ctx, err, "otel init failed", "otlp_endpoint", c.trace.OTLPEndpoint)
	}
	t.stopTracing = stopTracing

	// label profiles with the active span so traces link to flame graphs
	if t.profiling {
		otel.SetTracerProvider(otelpyroscope.NewTracerProvider(otel.GetTracerProvider()))
	}
	return t
}

func (t *telemetry) close() {
	if t.stopTracing != nil {
		_ = t.stopTracing(context.Background())
	}
	if t.stopProfiling != nil {
		t.stopProfiling()
	}
}

// observeDBQueries exports per-query latency from the postgres tracer.
func observeDBQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_db_query_duration_seconds",
		Help:    "Duration of individual database queries by entry point.",
		Buckets: prometheus.DefBuckets,
	}, []string{"origin", "operation", "outcome"})
	reg.MustRegister(hist)
	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, origin, operation, outcome string, d time.Duration) {
			hist.WithLabelValues(origin, operation, outcome).Observe(d.Seconds())
		},
	))
}
