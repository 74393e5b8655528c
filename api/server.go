/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. AccessLog:  slog line per request (method, path, status, latency, request_id)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /healthz, /metrics        Public, unauthenticated
  /api/users (POST)         Public registration
  /api/auth/token           Public token issue
  /api/*                    Bearer token required
  /api/admin/*              Admin role required

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: Authentication middleware
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds the router's non-handler settings.
type RouterConfig struct {
	AllowedOrigins []string
	Logger         *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:5173"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(AccessLog(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		// Public routes
		r.Post("/users", h.CreateUser)
		r.Post("/auth/token", h.IssueToken)

		r.Group(func(r chi.Router) {
			r.Use(h.auth.Middleware)

			// Allocation routes
			r.Route("/subscriptions", func(r chi.Router) {
				r.Post("/", h.CreateAllocation)
				r.Get("/user/{userId}", h.ListUserAllocations)
				r.Get("/user/{userId}/video/{videoId}", h.GetAllocation)
				r.Put("/user/{userId}/video/{videoId}", h.UpdateAllocation)
				r.Delete("/user/{userId}/video/{videoId}", h.DeleteAllocation)
			})

			// User routes
			r.Route("/users/{id}", func(r chi.Router) {
				r.Get("/", h.GetUser)
				r.Get("/budget", h.GetBudget)
			})

			// Target routes
			r.Post("/videos", h.CreateVideo)
			r.Post("/videos/{id}/views", h.RecordView)
			r.Post("/brands", h.CreateBrand)
			r.Route("/targets/{id}", func(r chi.Router) {
				r.Get("/", h.GetTarget)
				r.Get("/analytics", h.GetTargetAnalytics)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin)
				r.Put("/users/{id}/budget", h.SetBudget)
				r.Post("/reconcile", h.TriggerReconcile)
				r.Get("/reconcile/last", h.LastReconcile)
			})
		})
	})

	return r
}

// AccessLog logs one line per request at INFO, or WARN for 5xx.
func AccessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				level := slog.LevelInfo
				if status >= http.StatusInternalServerError {
					level = slog.LevelWarn
				}
				logger.LogAttrs(r.Context(), level, "http request",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.Int("status", status),
					slog.Int("bytes", ww.BytesWritten()),
					slog.Duration("latency", time.Since(start)),
					slog.String("request_id", middleware.GetReqID(r.Context())),
					slog.String("remote", r.RemoteAddr),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
