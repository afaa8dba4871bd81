package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tally.lopezb.com/internal/tally/identity"
	"tally.lopezb.com/internal/tally/observability"
)

// routes builds the HTTP handler. Every route is traced and counted under
// its pattern.
func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	handle := func(pattern, route string, h http.Handler) {
		mux.Handle(pattern, observability.HTTPMiddleware(app.tracer, app.metrics, route, h))
	}

	handle("POST /ping", "/ping", http.HandlerFunc(app.pingHandler))
	handle("GET /stats", "/stats", http.HandlerFunc(app.statsHandler))
	handle("GET /stats/buckets/{key}", "/stats/buckets/{key}", http.HandlerFunc(app.bucketHandler))

	// With keyed derivation the sketches are only meaningful together with
	// the secret, so they are not published.
	if app.deriver.Mode() == identity.ModeHash {
		handle("GET /raw/{key}", "/raw/{key}", http.HandlerFunc(app.rawHandler))
	}

	mux.Handle("GET /healthz", observability.LivenessHandler())
	mux.Handle("GET /readyz", observability.ReadinessHandler(app.store))
	mux.Handle("GET /metrics", promhttp.HandlerFor(app.metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}
