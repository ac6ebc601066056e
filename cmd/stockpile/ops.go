package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/stockpile/pkg/metrics"
	"github.com/Sternrassler/stockpile/pkg/ratelimit"
)

// opsServer serves health, limiter state and Prometheus metrics while a
// subcommand runs.
type opsServer struct {
	router  *chi.Mux
	server  *http.Server
	limiter *ratelimit.Limiter
	logger  zerolog.Logger
}

func newOpsServer(addr, metricsPath string, limiter *ratelimit.Limiter, logger zerolog.Logger) *opsServer {
	s := &opsServer{router: chi.NewRouter(), limiter: limiter, logger: logger}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(10 * time.Second))

	s.router.Get("/health", healthHandler)
	s.router.Get("/limiter", s.handleLimiter)
	s.router.Handle(metricsPath, metrics.Handler())

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "OK")
}

func (s *opsServer) handleLimiter(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.limiter.State()); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to write limiter state")
	}
}

// Start serves in the background until Shutdown.
func (s *opsServer) Start() {
	go func() {
		s.logger.Info().Str("addr", s.server.Addr).Msg("Ops server listening")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server failed")
		}
	}()
}

// Shutdown stops the server, waiting up to five seconds for open requests.
func (s *opsServer) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Ops server shutdown")
	}
}
