// Package admin is the optional HTTP surface for operators. It serves health,
// metrics, history lookups, manual passes and a stream of pass events.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/tootbot/tootbot/cfg"
	"github.com/tootbot/tootbot/telemetry"
)

// NewRouter builds the admin routes. /healthz is always public; everything
// else sits behind AuthMiddleware.
func NewRouter(handlers *Handlers, token string) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", handlers.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(token))

		if metrics := telemetry.GetMetricsHandler(); metrics != nil {
			r.Handle("/metrics", metrics)
		}
		r.Get("/history/{id}", handlers.handleHistory)
		r.Post("/run", handlers.handleRun)
		if handlers.hub != nil {
			r.Get("/events", handlers.handleEvents)
		}
	})

	return r
}

// Server runs the admin router
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// NewServer creates an admin server bound to config.Address:config.Port
func NewServer(config cfg.AdminConfiguration, handlers *Handlers, token string) *Server {
	if token == "" {
		log.Warn().Msg("Admin server has no token configured; endpoints are unauthenticated")
	}
	return &Server{
		srv: &http.Server{
			Addr:              net.JoinHostPort(config.Address, strconv.Itoa(config.Port)),
			Handler:           NewRouter(handlers, token),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start binds the listener and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin server stopped")
		}
	}()

	log.Info().Str("address", ln.Addr().String()).Msg("Admin server listening")
	return nil
}

// Addr returns the bound address, useful when Port is 0
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
