package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"gitea.jw6.us/james/calsync/internal/api"
	"gitea.jw6.us/james/calsync/internal/auth"
	"gitea.jw6.us/james/calsync/internal/config"
	"gitea.jw6.us/james/calsync/internal/http/ratelimit"
	"gitea.jw6.us/james/calsync/internal/metrics"
)

// NewRouter wires the configuration API, the published ICS endpoints, and the
// operational routes.
func NewRouter(cfg *config.Config, handler *api.Handler) http.Handler {
	r := chi.NewRouter()

	// Config mutations are cheap; sync triggers are not. One limiter covers
	// every source and destination route; the health endpoints are not limited.
	apiRateLimiter := ratelimit.NewIPRateLimiter(rate.Limit(20), 50, 5*time.Minute, cfg.TrustedProxies)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware())
	r.Use(auth.Middleware(cfg))

	if cfg.PrometheusEnabled {
		r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
			metrics.Handler().ServeHTTP(w, r)
		})
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", handler.Health)
		r.Get("/health/detailed", handler.HealthDetailed)

		r.Group(func(r chi.Router) {
			r.Use(apiRateLimiter.Middleware())

			r.Get("/sources", handler.ListSources)
			r.Post("/sources", handler.CreateSource)
			r.Put("/sources/{id}", handler.UpdateSource)
			r.Delete("/sources/{id}", handler.DeleteSource)
			r.Post("/sources/{id}/sync", handler.TriggerSourceSync)
			r.Get("/sources/{id}/status", handler.SourceStatus)

			r.Get("/destinations", handler.ListDestinations)
			r.Post("/destinations", handler.CreateDestination)
			r.Put("/destinations/{id}", handler.UpdateDestination)
			r.Delete("/destinations/{id}", handler.DeleteDestination)
			r.Post("/destinations/{id}/sync", handler.TriggerDestinationSync)
			r.Get("/destinations/{id}/status", handler.DestinationStatus)
		})
	})

	r.Get("/ics/{path}", handler.ServeICS)

	return r
}
