package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tyqqj0/Paper-Parser/internal/middleware"
)

func NewRouter(handler *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", handler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// static paper routes take priority over the reference wildcard
		r.Get("/paper/search", handler.Search)
		r.Get("/paper/search/match", handler.MatchTitle)
		r.Get("/paper/autocomplete", handler.Autocomplete)
		r.Post("/paper/batch", handler.Batch)

		// references may contain slashes (DOIs, URLs); the subtree handler
		// demuxes citations/references/cache actions by suffix
		r.HandleFunc("/paper/*", handler.PaperSubtree)

		// pass-through proxy, uncached
		r.Get("/author/*", handler.AuthorProxy)
	})

	return r
}
