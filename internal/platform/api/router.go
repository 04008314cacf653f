package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"go.broadcastengine.dev/internal/broadcast"
)

// NewRouter assembles the admin HTTP surface: chi's standard request-id/
// recoverer stack, permissive CORS (the admin UI is expected to run on
// its own origin), a bearer-token gate, and the /campaigns routes.
func NewRouter(admin *broadcast.AdminService, adminToken string) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(RequireAdminToken(adminToken))
		r.Mount("/campaigns", NewCampaignHandler(admin).Routes())
	})

	return r
}
