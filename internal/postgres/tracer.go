package postgres

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

var queryObserver atomic.Pointer[observerHolder]

type ctxKey string

const (
	ctxKeyQuery  ctxKey = "pgx.query"
	ctxKeyOrigin ctxKey = "db.origin"
)

// slowQueryThreshold is the duration above which successful queries are
// logged at info level. 0 logs every query.
const slowQueryThreshold = 0 * time.Millisecond

const ownPackage = "github.com/linnemanlabs/warden/internal/postgres."

// queryInfo is stashed in the context between TraceQueryStart and TraceQueryEnd.
type queryInfo struct {
	sql    string
	args   []any
	start  time.Time
	caller string
}

type observerHolder struct{ QueryObserver }

// QueryObserver receives per-query timings (wired by main for Prometheus).
// origin is where the work came from ("http", "amqp", ...), operation is the
// store method that issued the query.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, origin, operation, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, origin, operation, outcome string, dur time.Duration) {
	f(ctx, origin, operation, outcome, dur)
}

// SetQueryObserver sets the global query observer. nil disables observation.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		queryObserver.Store(nil)
		return
	}
	queryObserver.Store(&observerHolder{QueryObserver: o})
}

func getQueryObserver() QueryObserver {
	h := queryObserver.Load()
	if h == nil {
		return nil
	}
	return h.QueryObserver
}

// WithOrigin labels queries issued under ctx with the trigger origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	if origin == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKeyOrigin, origin)
}

func originFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKeyOrigin).(string); ok {
		return v
	}
	if rc := chi.RouteContext(ctx); rc != nil {
		return "http"
	}
	return "internal"
}

// loggingTracer wraps another pgx.QueryTracer (otelpgx) and adds a
// structured log line and an observer callback for every query.
type loggingTracer struct {
	inner pgx.QueryTracer
}

func newLoggingTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return loggingTracer{inner: inner}
}

func (t loggingTracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	qi := &queryInfo{
		sql:    data.SQL,
		args:   data.Args,
		start:  time.Now(),
		caller: storeCaller(),
	}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	ctx = context.WithValue(ctx, ctxKeyQuery, qi)

	if qi.caller != "" {
		if span := trace.SpanFromContext(ctx); span.IsRecording() {
			span.SetAttributes(attribute.String("db.caller", qi.caller))
		}
	}
	return ctx
}

func (t loggingTracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}

	qi, _ := ctx.Value(ctxKeyQuery).(*queryInfo)
	if qi == nil {
		return
	}
	dur := time.Since(qi.start)

	if obs := getQueryObserver(); obs != nil {
		outcome := "ok"
		if data.Err != nil {
			outcome = "error"
		}
		op := qi.caller
		if op == "" {
			op = "unknown"
		}
		obs.ObserveQuery(ctx, originFromContext(ctx), op, outcome, dur)
	}

	if data.Err == nil && slowQueryThreshold > 0 && dur < slowQueryThreshold {
		return
	}

	fields := []any{
		"db.statement", qi.sql,
		"db.args", len(qi.args),
		"db.duration", dur.Seconds(),
		"db.origin", originFromContext(ctx),
	}
	if tag := strings.TrimSpace(data.CommandTag.String()); tag != "" {
		if op, _, _ := strings.Cut(tag, " "); op != "" {
			fields = append(fields, "db.operation.name", strings.ToUpper(op))
		}
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}
	if qi.caller != "" {
		fields = append(fields, "db.caller", qi.caller)
	}

	L := log.FromContext(ctx)
	if data.Err != nil {
		var pgErr *pgconn.PgError
		if errors.As(data.Err, &pgErr) {
			fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
		}
		L.Error(ctx, data.Err, "db query failed", fields...)
		return
	}
	L.Info(ctx, "db query", fields...)
}

// storeCaller walks the stack to the first application frame that issued
// the query, skipping the runtime, pgx, otelpgx and this package.
func storeCaller() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		fr, more := frames.Next()
		fn := fr.Function
		skip := strings.HasPrefix(fn, "runtime.") ||
			strings.Contains(fn, "github.com/jackc/pgx/v5") ||
			strings.Contains(fn, "github.com/jackc/puddle") ||
			strings.Contains(fn, "github.com/exaring/otelpgx") ||
			strings.HasPrefix(fn, ownPackage)
		if fn != "" && !skip {
			return shortenFuncName(fn)
		}
		if !more {
			return ""
		}
	}
}

func shortenFuncName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 && i+1 < len(fn) {
		fn = fn[i+1:]
	}
	if dot := strings.Index(fn, "."); dot >= 0 && dot+1 < len(fn) {
		fn = fn[dot+1:]
	}
	return fn
}
