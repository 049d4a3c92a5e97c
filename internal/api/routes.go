package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8538"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health check
	r.Get("/health", h.HealthCheck)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/lists", h.GetLists)
		r.Post("/lists", h.CreateList)

		r.Route("/lists/{list}", func(r chi.Router) {
			r.Get("/", h.GetList)
			r.Get("/members", h.GetMembers)
			r.Get("/requests", h.GetRequests)
			r.Get("/requests/{id}", h.GetRequest)
			r.Post("/requests/{id}/resolve", h.Resolve)
			r.Post("/subscribe", h.Subscribe)
			r.Post("/unsubscribe", h.Unsubscribe)
			r.Post("/confirm/{cookie}", h.Confirm)
		})
	})

	return r
}
