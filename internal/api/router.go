package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/scanhub-io/scanhub/internal/auth"
	"github.com/scanhub-io/scanhub/internal/metrics"
	"github.com/scanhub-io/scanhub/internal/repositories"
	"github.com/scanhub-io/scanhub/internal/websocket"
)

// ProbeDirectory is the registry surface the API consumes: the fleet list
// for GET /probes and the connectivity check for GET /health.
// *probes.Registry satisfies it.
type ProbeDirectory interface {
	ProbeFleet
	HealthChecker
}

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Engine  ScanService
	Targets repositories.TargetRepository
	Scans   ActiveCounter
	Probes  ProbeDirectory
	Hub     *websocket.Hub
	Auth    *auth.Service
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router.
// All routes live at the root path. The public set — health, metrics, token
// issuance, and the API docs — never requires a token; everything else does
// when auth is enabled. The WebSocket upgrade authenticates itself via a
// query parameter, so it sits outside the Bearer-token group.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	scanHandler := NewScanHandler(cfg.Engine, cfg.Logger)
	targetHandler := NewTargetHandler(cfg.Targets, cfg.Logger)
	probeHandler := NewProbeHandler(cfg.Probes, cfg.Scans, cfg.Logger)
	healthHandler := NewHealthHandler(cfg.Probes, cfg.Logger)
	authHandler := NewAuthHandler(cfg.Auth, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Auth, cfg.Logger)
	docsHandler := NewDocsHandler()

	// --- Public routes (no authentication required) ---
	r.Group(func(r chi.Router) {
		r.Get("/health", healthHandler.Get)
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
		r.Post("/auth/token", authHandler.Token)
		r.Get("/docs", docsHandler.Docs)
		r.Get("/openapi.json", docsHandler.OpenAPI)

		// The upgrade handler validates the token query parameter itself.
		r.Get("/ws", wsHandler.ServeWS)
	})

	// --- Protected routes (valid Bearer token required when auth is on) ---
	r.Group(func(r chi.Router) {
		if cfg.Auth.Enabled() {
			r.Use(Authenticate(cfg.Auth))
		}

		// Scans
		r.Post("/scans", scanHandler.Create)
		r.Get("/scans", scanHandler.List)
		r.Get("/scans/{id}", scanHandler.GetByID)
		r.Get("/scans/{id}/report", scanHandler.GetReport)

		// Probes
		r.Get("/probes", probeHandler.List)

		// Targets
		r.Get("/targets", targetHandler.List)
		r.Post("/targets", targetHandler.Create)
		r.Get("/targets/{external_id}", targetHandler.GetByExternalID)
	})

	return r
}
