// Package app assembles the HTTP surface and the background loops that run
// alongside it.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/taskhub/internal/adapter/httpserver"
	"github.com/fairyhunter13/taskhub/internal/config"
	"github.com/fairyhunter13/taskhub/internal/observability"
)

// ParseOrigins splits a comma-separated origin list, trimming spaces. An
// empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler: middleware stack, the task API
// under the configured prefix, and the operational endpoints.
func BuildRouter(cfg config.Config, srv *httpserver.Server, ready *ReadinessChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TimeoutMiddleware(30 * time.Second))
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	prefix := cfg.APIPrefix
	if prefix == "" {
		prefix = "/"
	}
	r.Route(prefix, func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.RateLimitPerMin, time.Minute))
		srv.Mount(api)
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })
	if ready != nil {
		r.Get("/readyz", ready.Handler())
	}

	return otelhttp.NewHandler(httpserver.SecurityHeaders(r), "http.server")
}
