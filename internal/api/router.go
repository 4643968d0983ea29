package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/khidmat/internal/metrics"
)

// HealthFunc reports whether a dependency is reachable.
type HealthFunc func(ctx context.Context) error

// RouterConfig wires the HTTP surface together.
type RouterConfig struct {
	Handler   *Handler
	Webhook   *WebhookHandler
	Limiter   Limiter
	RateLimit int
	JWTSecret []byte
	Health    HealthFunc
	Logger    *zap.Logger
}

// NewRouter builds the chi router. Registration and change requests are
// public and rate limited per client IP; every other /v1 route requires an
// admin token.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(cfg.Logger))

	h := cfg.Handler
	r.Route("/v1", func(r chi.Router) {
		r.Use(RateLimitMiddleware(cfg.Limiter, cfg.RateLimit, cfg.Logger, IPKeyFunc))

		r.Post("/registrations", h.CreateRegistration)
		r.Post("/slots/{id}/requests", h.CreateChangeRequest)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(cfg.JWTSecret, cfg.Logger))

			r.Get("/slots", h.ListSlots)
			r.Post("/slots", h.AssignSlot)
			r.Patch("/slots/{id}", h.EditSlot)
			r.Post("/slots/{id}/unlock", h.UnlockSlot)

			r.Get("/requests", h.ListChangeRequests)
			r.Post("/requests/{id}/approve", h.ApproveRequest)
			r.Post("/requests/{id}/reject", h.RejectRequest)

			r.Get("/reminders", h.ListReminders)
			r.Get("/voice-calls", h.ListVoiceCalls)
		})
	})

	if cfg.Webhook != nil {
		r.Get("/webhooks/whatsapp", cfg.Webhook.Verify)
		r.Post("/webhooks/whatsapp", cfg.Webhook.Receive)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Health != nil {
			if err := cfg.Health(r.Context()); err != nil {
				cfg.Logger.Warn("health check failed", zap.Error(err))
				writeError(w, http.StatusServiceUnavailable, "unhealthy", "Service Unavailable", "database unreachable")
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}
