package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wolfman30/clinic-booking-pipeline/internal/clinic"
	"github.com/wolfman30/clinic-booking-pipeline/internal/http/handlers"
	httpmiddleware "github.com/wolfman30/clinic-booking-pipeline/internal/http/middleware"
	"github.com/wolfman30/clinic-booking-pipeline/pkg/logging"
)

// Config holds router configuration
type Config struct {
	Logger   *logging.Logger
	Bookings *handlers.BookingHandler
	Ingress  http.Handler
	Admin    *handlers.AdminHandler

	// Schedules is mounted under /admin/orgs when set.
	Schedules *clinic.Handler

	ToolsJWTSecret       string
	AdminAuthSecret      string
	WebhookSigningSecret string
	WebhookTolerance     time.Duration
	IngressRatePerSecond float64
	IngressBurst         int

	MetricsHandler http.Handler
	// Ready reports whether dependencies are reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

// New creates a new Chi router with all routes configured
func New(cfg *Config) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if cfg.Logger != nil {
		r.Use(httpmiddleware.RequestLogger(cfg.Logger))
	}

	// Public endpoints (ingress, health checks)
	r.Group(func(public chi.Router) {
		public.Get("/health", health)
		public.Get("/ready", ready(cfg.Ready))
		if cfg.MetricsHandler != nil {
			public.Handle("/metrics", cfg.MetricsHandler)
		}
		if cfg.Ingress != nil {
			rate, burst := cfg.IngressRatePerSecond, cfg.IngressBurst
			if rate <= 0 {
				rate = 50
			}
			if burst <= 0 {
				burst = 100
			}
			public.With(
				httpmiddleware.RateLimit(rate, burst),
				httpmiddleware.WebhookSignature(cfg.WebhookSigningSecret, cfg.WebhookTolerance),
			).Post("/webhooks/events", cfg.Ingress.ServeHTTP)
		}
	})

	if cfg.Bookings != nil {
		r.Route("/api/bookings", func(api chi.Router) {
			api.Use(httpmiddleware.ToolsJWT(cfg.ToolsJWTSecret))
			api.Use(httpmiddleware.RequireOrgID)
			api.Get("/availability", cfg.Bookings.Availability)
			api.Post("/", cfg.Bookings.Create)
			api.Post("/confirm", cfg.Bookings.Confirm)
			api.Get("/{bookingID}", cfg.Bookings.Get)
			api.Post("/{bookingID}/cancel", cfg.Bookings.Cancel)
			api.Post("/{bookingID}/reschedule", cfg.Bookings.Reschedule)
			api.Post("/{bookingID}/complete", cfg.Bookings.Complete)
		})
	}

	if cfg.Admin != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(httpmiddleware.AdminJWT(cfg.AdminAuthSecret))
			admin.Get("/breakers", cfg.Admin.ListBreakers)
			admin.Post("/breakers/{service}/reset", cfg.Admin.ResetBreaker)
			admin.Get("/dead-letters", cfg.Admin.ListDeadLetters)
			admin.Post("/dead-letters/{eventID}/replay", cfg.Admin.ReplayDeadLetter)
			admin.Get("/bookings/{bookingID}/side-effects", cfg.Admin.SideEffects)
			if cfg.Schedules != nil {
				admin.Mount("/orgs", cfg.Schedules.Routes())
			}
		})
	}

	return r
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, "ok")
}

func ready(check func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, "unavailable")
				return
			}
		}
		writeStatus(w, http.StatusOK, "ok")
	}
}

func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
}
