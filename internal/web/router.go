package web

import (
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/znz-systems/quarantined/internal/ratelimit"
	"github.com/znz-systems/quarantined/internal/web/handlers"
	"github.com/znz-systems/quarantined/internal/web/middleware"
)

// RouterDeps holds all dependencies needed to build the router.
type RouterDeps struct {
	QuarantineHandler  *handlers.QuarantineHandler
	SelfServiceHandler *handlers.SelfServiceHandler
	EventsHandler      *handlers.EventsHandler
	HealthHandler      *handlers.HealthHandler
	Identities         middleware.IdentityResolver
	Limiter            *ratelimit.Limiter
	// SelfService mounts the unauthenticated self-service routes.
	SelfService bool
}

// NewRouter wires all routes into a Chi router.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.RealIP)

	r.Get("/healthz", deps.HealthHandler.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	// Quarantine API for accounts authenticated by the fronting proxy
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireIdentity(deps.Identities))

		q := deps.QuarantineHandler
		r.Get("/api/v1/quarantine", q.HandleList)
		r.Get("/api/v1/quarantine/pending", q.HandlePendingCount)
		r.Post("/api/v1/quarantine/process", q.HandleProcess)

		r.Get("/api/v1/messages/{mailID}", q.HandleShowMessage)
		r.Get("/api/v1/messages/{mailID}/headers", q.HandleShowHeaders)
		r.Post("/api/v1/messages/{mailID}/view", q.HandleMarkViewed)
		r.Post("/api/v1/messages/{mailID}/{action}", q.HandleMessageAction)
	})

	// Self-service links mailed to recipients (rate limited, no account)
	if deps.SelfService {
		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(deps.Limiter))

			s := deps.SelfServiceHandler
			r.Get("/api/v1/selfservice/{mailID}", s.HandleShow)
			r.Post("/api/v1/selfservice/{mailID}/release", s.HandleRelease)
			r.Post("/api/v1/selfservice/{mailID}/delete", s.HandleDelete)
		})
	}

	r.Post("/api/v1/events", deps.EventsHandler.HandleEvent)

	return r
}
