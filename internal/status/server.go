// Package status exposes a small HTTP surface over a running pipeline:
// a health check, a progress snapshot, and the pprof handlers.
package status

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"kvingest/pkg/metrics"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = 5 * time.Second
)

type healthResponse struct {
	Status string `json:"status"`
}

// Server serves run progress while a pipeline is active. It binds on
// Start and stops accepting requests on Stop.
type Server struct {
	run        *metrics.Run
	log        *slog.Logger
	httpServer *http.Server
	URL        string
	addr       string
}

func NewServer(addr string, run *metrics.Run, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		run:  run,
		log:  log,
		addr: addr,
	}
}

// Start binds the listen address and serves in the background. A bind
// failure is returned synchronously so a mistyped address fails the run
// instead of silently serving nothing.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start status server: %w", err)
	}
	s.URL = "http://" + ln.Addr().String()
	s.httpServer = &http.Server{
		Handler:           s.createRouter(),
		ReadHeaderTimeout: time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("status server error", "error", err)
		}
	}()

	s.log.Info("status server started", "addr", s.URL)
	return nil
}

// Stop drains in-flight requests, waiting at most the shutdown timeout.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown status server: %w", err)
	}
	return nil
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealthz)
	r.Get("/progress", s.handleProgress)
	r.Mount("/debug", middleware.Profiler())

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("error encoding response", "error", err)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.run.Snapshot())
}
