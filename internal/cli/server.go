package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vietddude/resilience"
	"github.com/vietddude/resilience/breaker"
)

// server exposes /health and /metrics for a running handler.
type server struct {
	handler *resilience.Handler
	srv     *http.Server
}

func newServer(h *resilience.Handler, port int) *server {
	mux := http.NewServeMux()
	s := &server{
		handler: h,
		srv: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *server) Start() error {
	return s.srv.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.handler.Breaker().State()

	response := map[string]any{
		"status":       "ok",
		"circuit":      state.String(),
		"dead_letters": s.handler.DeadLetters().Len(),
	}
	w.Header().Set("Content-Type", "application/json")

	// An open circuit means the protected dependency is down
	if state == breaker.StateOpen {
		response["status"] = "degraded"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	_ = json.NewEncoder(w).Encode(response)
}
