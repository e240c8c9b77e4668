package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hostwell/event-platform/services/request-service/internal/domain"
	"github.com/hostwell/event-platform/services/request-service/internal/security"
	"github.com/hostwell/event-platform/services/request-service/internal/transport/rest/response"
)

type RouterDeps struct {
	Handler  *Handler
	Verifier security.AccessTokenVerifier
	Cache    domain.CacheRepository

	JWTIssuer string

	RateLimitEnabled bool
	RateLimitMax     int
	RateLimitWindow  time.Duration
}

func NewRouter(deps RouterDeps) http.Handler {
	if deps.Handler == nil {
		panic("rest.NewRouter: nil Handler")
	}
	if deps.Verifier == nil {
		panic("rest.NewRouter: nil Verifier")
	}
	if deps.RateLimitEnabled && deps.Cache == nil {
		panic("rest.NewRouter: rate limit enabled with nil Cache")
	}

	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(HTTPLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)
	if deps.RateLimitEnabled {
		r.Use(RateLimitMiddleware(deps.Cache, deps.RateLimitMax, deps.RateLimitWindow))
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := AuthMiddleware(deps.Verifier, AuthOptions{ExpectedIssuer: deps.JWTIssuer})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)

		r.Route("/events/{eventID}", func(r chi.Router) {
			r.Get("/availability", deps.Handler.Availability)

			r.Route("/requests", func(r chi.Router) {
				r.Post("/", deps.Handler.Create)
				r.Get("/", deps.Handler.List)
				r.Get("/mine", deps.Handler.Mine)
				r.Post("/promote", deps.Handler.Promote)

				r.Route("/{requestID}", func(r chi.Router) {
					r.Patch("/approve", deps.Handler.Approve)
					r.Patch("/decline", deps.Handler.Decline)
					r.Patch("/waitlist", deps.Handler.Waitlist)
					r.Patch("/cancel", deps.Handler.Cancel)
					r.Patch("/reorder", deps.Handler.Reorder)
					r.Post("/extend", deps.Handler.Extend)
				})
			})
		})
	})

	return r
}
