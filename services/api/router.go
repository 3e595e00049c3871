package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"qtus/pkg/telemetry"
)

// Routes constructs the chi router containing all endpoints.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(telemetry.Middleware(a.opts.ServiceName, a.logger))
	r.Use(middleware.Recoverer)

	metrics := a.opts.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)
	r.Method(http.MethodGet, "/metrics", metrics)

	a.opts.Gateway.Routes(r)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		a.opts.Hook.Routes(r)
		if a.opts.Outcomes != nil {
			a.opts.Outcomes.Routes(r)
		}
	})

	return r
}
