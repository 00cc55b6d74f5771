// Package api provides the REST and SSE server for the bottling line.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bottleline/engine"
	"bottleline/logging"
)

// Server is the REST API server.
type Server struct {
	engine  *engine.Engine
	log     zerolog.Logger
	server  *http.Server
	cleanup func()
	addr    string
	running bool
	mu      sync.RWMutex
}

// NewServer creates a new REST API server listening on the web host and
// port of the engine's config.
func NewServer(eng *engine.Engine, log zerolog.Logger) *Server {
	return &Server{
		engine: eng,
		log:    logging.Component(log, "api"),
	}
}

// Handler builds the HTTP handler: /metrics without auth and the REST
// API under /api. The returned function stops the SSE hub.
func (s *Server) Handler() (http.Handler, func()) {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Handle("/metrics", promhttp.HandlerFor(s.engine.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	apiRouter, cleanup := NewRouter(s.engine, s.log)
	r.Mount("/api", apiRouter)
	return r, cleanup
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Start begins the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	cfg := s.engine.Config()
	cfg.Lock()
	addr := fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
	cfg.Unlock()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	handler, cleanup := s.Handler()
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.server = srv
	s.cleanup = cleanup
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("api server stopped")
			s.mu.Lock()
			if s.server == srv {
				s.running = false
			}
			s.mu.Unlock()
		}
	}()

	s.running = true
	s.log.Info().Str("addr", s.addr).Msg("api server listening")
	return nil
}

// Stop halts the HTTP server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server == nil {
		return nil
	}

	// SSE streams end when the hub closes their channels.
	s.cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.running = false
	s.server = nil
	s.cleanup = nil
	return err
}

// Address returns the base URL of the server. After Start it reflects the
// bound port.
func (s *Server) Address() string {
	s.mu.RLock()
	addr := s.addr
	s.mu.RUnlock()
	if addr == "" {
		cfg := s.engine.Config()
		cfg.Lock()
		addr = fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port)
		cfg.Unlock()
	}
	return "http://" + addr
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// contextWithTimeout derives a bounded context from the request.
func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
