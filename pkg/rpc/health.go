package rpc

import (
	"net/http"
	"time"

	"github.com/M0-find-U/golem/pkg/metrics"
)

// HTTPServer exposes the operational HTTP surface shared by the executor and
// shard-manager processes: liveness/readiness JSON endpoints plus Prometheus
// scraping. It carries no domain logic itself; callers drive process-specific
// readiness by calling metrics.RegisterComponent/UpdateComponent (e.g. "raft",
// "engine") before or during Start.
type HTTPServer struct {
	mux *http.ServeMux
}

// NewHTTPServer builds the mux for /health, /ready and /metrics.
func NewHTTPServer() *HTTPServer {
	mux := http.NewServeMux()
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	mux.Handle("/metrics", metrics.Handler())

	return &HTTPServer{mux: mux}
}

// Start runs the HTTP server on addr, blocking until it exits.
func (s *HTTPServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// Handler returns the mux for embedding in another server.
func (s *HTTPServer) Handler() http.Handler {
	return s.mux
}
