package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.HealthCheck)

	r.Route("/api", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Get("/active", h.GetActiveSession)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.ClearSession)
				r.Post("/start", h.StartSession)
				r.Post("/schedule", h.ScheduleSession)
				r.Post("/pause", h.PauseSession)
				r.Post("/resume", h.ResumeSession)
				r.Post("/stop", h.StopSession)
				r.Get("/progress", h.GetProgress)
			})
		})

		r.Route("/optouts", func(r chi.Router) {
			r.Get("/", h.ListOptOuts)
			r.Post("/", h.AddOptOut)
			r.Delete("/{phone}", h.RemoveOptOut)
		})

		r.Post("/inbound", h.Inbound)
		r.Post("/template/validate", h.ValidateTemplate)
		r.Post("/template/preview", h.PreviewTemplate)
		r.Get("/stats", h.GetStats)
		r.Post("/retries/clear-exhausted", h.ClearExhausted)
		r.Get("/events", h.StreamEvents)
	})

	return r
}
