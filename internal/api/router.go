package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cdflake/internal/middleware"
)

// RouterConfig holds the cross-cutting HTTP settings.
type RouterConfig struct {
	JWTSecret          string // empty disables authentication
	RateLimit          middleware.RateLimitConfig
	CORSAllowedOrigins []string
	Logger             *slog.Logger
}

// NewRouter mounts the handler under /v1 with the middleware stack.
// /healthz and /metrics are public.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Observe(logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	if cfg.RateLimit.RequestsPerSecond > 0 {
		r.Use(middleware.NewRateLimiter(cfg.RateLimit).Handler)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.JWTSecret != "" {
			r.Use(middleware.Auth([]byte(cfg.JWTSecret)))
		}
		r.Post("/vacuum", h.vacuumAll)
		r.Route("/tables", func(r chi.Router) {
			r.Get("/", h.listTables)
			r.Post("/", h.createTable)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", h.getTable)
				r.Delete("/", h.dropTable)
				r.Get("/rows", h.rows)
				r.Get("/history", h.history)
				r.Get("/changes", h.streamChanges)
				r.Post("/latest-inserts", h.latestInserts)
				r.Post("/propagate", h.propagate)
				r.Post("/insert", h.insert)
				r.Post("/update", h.update)
				r.Post("/delete", h.delete)
				r.Post("/merge", h.merge)
				r.Post("/vacuum", h.vacuumTable)
			})
		})
	})
	return r
}
