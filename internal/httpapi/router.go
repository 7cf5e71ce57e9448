// Package httpapi assembles the public HTTP surface: the WhatsApp
// webhook pair, the loopback dialogue API used by website widgets, and
// the health and metrics endpoints.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"

	"github.com/agendabot/agendabot/pkg/logging"
)

// Config holds router configuration.
type Config struct {
	Webhook  *WebhookHandler
	Loopback *LoopbackHandler
	Health   *HealthHandler

	// MetricsHandler serves GET /metrics when set.
	MetricsHandler http.Handler

	// GlobalPerIP caps requests per IP per minute; zero disables.
	GlobalPerIP int

	Logger *logging.Logger
}

// NewRouter creates a chi router with all routes configured.
func NewRouter(cfg Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	if cfg.GlobalPerIP > 0 {
		r.Use(httprate.LimitByIP(cfg.GlobalPerIP, time.Minute))
	}
	if cfg.Logger != nil {
		r.Use(requestLogger(cfg.Logger))
	}

	if cfg.Health != nil {
		r.Get("/live", cfg.Health.Live)
		r.Get("/health", cfg.Health.Health)
		r.Get("/ready", cfg.Health.Ready)
	}
	if cfg.MetricsHandler != nil {
		r.Handle("/metrics", cfg.MetricsHandler)
	}
	if cfg.Webhook != nil {
		r.Get("/webhook/whatsapp", cfg.Webhook.Verify)
		r.Post("/webhook/whatsapp", cfg.Webhook.Receive)
	}
	if cfg.Loopback != nil {
		r.Post("/webhook", cfg.Loopback.Handle)
	}

	return r
}

// requestLogger emits structured logs for every HTTP request.
func requestLogger(logger *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := middleware.GetReqID(r.Context())
			if reqID == "" {
				reqID = uuid.NewString()
			}
			next.ServeHTTP(w, r)
			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"request_id", reqID,
				"remote_ip", r.RemoteAddr,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}
