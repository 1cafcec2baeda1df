// Package api serves miel's local-only operator endpoints: liveness,
// readiness, per-service pool status, and Prometheus metrics. It is the
// Controller's "health probes for pool and listeners" surface from spec
// §4.6, shaped after the teacher's HealthServer.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/miel/pkg/metrics"
	"github.com/cuemby/miel/pkg/types"
)

// ProbeSource is the subset of Pool the status server depends on. Kept as
// an interface so tests can supply a fake pool instead of a real one.
type ProbeSource interface {
	Services() []string
	Probe(service string) (types.ProbeSnapshot, error)
}

// StatusServer serves /health, /ready, /status, and /metrics over a
// loopback-bound HTTP listener; it is never exposed to the ports miel
// advertises to attackers.
type StatusServer struct {
	pool ProbeSource
	mux  *http.ServeMux
}

// NewStatusServer builds the status HTTP server backed by pool.
func NewStatusServer(pool ProbeSource) *StatusServer {
	mux := http.NewServeMux()
	s := &StatusServer{pool: pool, mux: mux}

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) { metrics.HealthHandler()(w, r) })
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) { metrics.ReadyHandler()(w, r) })
	mux.HandleFunc("/status", s.statusHandler)
	mux.Handle("/metrics", metrics.Handler())

	return s
}

// Server builds, but does not start, an *http.Server that serves the
// status endpoints on addr; the Controller starts it and shuts it down.
func (s *StatusServer) Server(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StatusResponse is the `miel status` payload: one ProbeSnapshot per
// configured service.
type StatusResponse struct {
	Services []types.ProbeSnapshot `json:"services"`
}

func (s *StatusServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := s.pool.Services()
	resp := StatusResponse{Services: make([]types.ProbeSnapshot, 0, len(names))}
	for _, name := range names {
		snap, err := s.pool.Probe(name)
		if err != nil {
			continue
		}
		resp.Services = append(resp.Services, snap)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Handler returns the HTTP handler for embedding or testing.
func (s *StatusServer) Handler() http.Handler {
	return s.mux
}
