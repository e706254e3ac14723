package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/dittofc/internal/httpsrv"
)

// Server exposes a registry on GET /metrics.
type Server struct {
	*httpsrv.Server
	port int
}

// NewServer creates a metrics server for gatherer on port. The server is
// created stopped.
func NewServer(port int, gatherer prometheus.Gatherer) *Server {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &Server{Server: httpsrv.New("Metrics", srv), port: port}
}

// Port returns the configured TCP port.
func (s *Server) Port() int { return s.port }
