package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/linnemanlabs/go-core/httpmw"
	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/warden/internal/authmw"
	"github.com/linnemanlabs/warden/internal/triageapi"
)

const maxRequestBody = 64 << 10

// probes serves the liveness and readiness checks on the api listener.
type probes struct {
	healthy http.HandlerFunc
	ready   http.HandlerFunc
}

// apiHandler builds the public listener's handler. Probes stay outside the
// auth group so load balancers need no token.
func apiHandler(L log.Logger, api *triageapi.API, tokens []string, p probes, clientIP httpmw.ClientIPOptions, instrument func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog())
	r.Use(httpmw.MaxBody(maxRequestBody))

	r.Get("/-/healthy", p.healthy)
	r.Get("/-/ready", p.ready)

	r.Group(func(r chi.Router) {
		r.Use(authmw.Bearer(L, tokens...))
		api.RegisterRoutes(r)
	})

	// innermost first; the last wrapper sees the raw request
	var h http.Handler = r
	h = httpmw.WithLogger(L)(h)
	h = httpmw.TraceResponseHeaders("X-Trace-Id", "X-Span-Id")(h)
	h = traced(h)
	h = instrument(h)
	h = httpmw.ClientIPWithOptions(clientIP)(h)
	h = httpmw.RequestID("X-Request-Id")(h)
	h = httpmw.Recover(L, nil)(h)
	return httpmw.SecurityHeaders(h)
}

func traced(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return !isProbe(r.URL.Path)
		}),
		// renamed to the chi route pattern by AnnotateHTTPRoute
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

func isProbe(path string) bool {
	return path == "/-/healthy" || path == "/-/ready"
}
