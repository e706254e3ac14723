package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/marmos91/dittofc/internal/logger"
	"github.com/marmos91/dittofc/pkg/api/handlers"
)

// NewRouter creates and configures the chi router with all middleware and routes.
//
// The router is configured with:
//   - Request ID middleware for request tracking
//   - Real IP extraction for proper client identification
//   - Custom request logging using the internal logger
//   - Panic recovery to prevent server crashes
//   - Request timeout to prevent hung requests
//
// Routes:
//   - GET /health - Liveness probe
//   - GET /health/ready - Readiness probe (every local port READY)
//   - GET /api/v1/ports - Local ports
//   - GET /api/v1/ports/{name}/sessions - Sessions of one local port
//   - GET /api/v1/sessions - All sessions
//   - GET /api/v1/exchanges - Exchange manager counters and busy exchanges
//   - GET /api/v1/portdb - Remote port login database
//   - GET /api/v1/switch - Fabric switch name server entries
func NewRouter(node handlers.Node) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	healthHandler := handlers.NewHealthHandler(node)

	r.Route("/health", func(r chi.Router) {
		r.Get("/", healthHandler.Liveness)
		r.Get("/ready", healthHandler.Readiness)
	})

	if node != nil {
		fabricHandler := handlers.NewFabricHandler(node)

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/ports", func(r chi.Router) {
				r.Get("/", fabricHandler.Ports)
				r.Get("/{name}/sessions", fabricHandler.PortSessions)
			})
			r.Get("/sessions", fabricHandler.Sessions)
			r.Get("/exchanges", fabricHandler.Exchanges)
			r.Get("/portdb", fabricHandler.PortDB)
			r.Get("/switch", fabricHandler.Switch)
		})
	}

	// Root redirect to health for convenience
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/health", http.StatusTemporaryRedirect)
	})

	return r
}

// requestLogger logs every request at debug level. Server errors are
// logged as warnings; status polling would otherwise flood the log.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log := logger.Debug
		if ww.Status() >= http.StatusInternalServerError {
			log = logger.Warn
		}
		log("API request",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
		)
	})
}
