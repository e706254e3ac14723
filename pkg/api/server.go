package api

import (
	"fmt"
	"net/http"

	"github.com/marmos91/dittofc/internal/httpsrv"
	"github.com/marmos91/dittofc/pkg/api/handlers"
)

// Server serves the status API:
//   - GET /health, /health/ready: probes
//   - GET /api/v1/...: fabric state (see NewRouter)
type Server struct {
	*httpsrv.Server
	config APIConfig
}

// NewServer creates a stopped API server reporting on node. node may be nil,
// in which case only liveness answers.
func NewServer(config APIConfig, node handlers.Node) *Server {
	config.ApplyDefaults()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      NewRouter(node),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return &Server{Server: httpsrv.New("API", srv), config: config}
}

// Port returns the configured TCP port.
func (s *Server) Port() int {
	return s.config.Port
}
