// Package server exposes the review service as JSON over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lamim/ddreview/internal/config"
	"github.com/lamim/ddreview/internal/metrics"
	"github.com/lamim/ddreview/internal/orchestrator"
)

const (
	// MaxBodyBytes bounds every request body
	MaxBodyBytes = 1 << 20

	defaultWait = 25 * time.Second
	maxWait     = 60 * time.Second
)

// Server wraps the HTTP listener and the review routes
type Server struct {
	svc       *orchestrator.Service
	cfg       config.ServerConfig
	collector *metrics.Collector
	logger    *slog.Logger
	mux       *http.ServeMux

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New registers every route on a fresh mux
func New(svc *orchestrator.Service, cfg config.ServerConfig, collector *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		svc:       svc,
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start binds the listener and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("server already started")
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	srv := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  s.cfg.ReadTimeout(),
		WriteTimeout: s.cfg.WriteTimeout(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.listener = listener
	s.server = srv

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", "error", err)
		}
	}()
	s.logger.Info("HTTP server listening", "addr", listener.Addr().String())
	return nil
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown timeout
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout())
	defer cancel()
	s.logger.Info("Shutting down HTTP server", "timeout", s.cfg.ShutdownTimeout())
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return nil
	}
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shut down HTTP server: %w", err)
	}
	s.server = nil
	s.listener = nil
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// statusRecorder captures the response code for metrics
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records latency and logs every request under its route pattern
func (s *Server) instrument(pattern string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		elapsed := time.Since(start)

		code := strconv.Itoa(rec.status/100) + "xx"
		if s.collector != nil {
			s.collector.RecordRequest(pattern, code, elapsed)
		}
		s.logger.Debug("HTTP request",
			"route", pattern,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", elapsed)
	}
}

func (s *Server) handle(pattern string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, s.instrument(pattern, h))
}
