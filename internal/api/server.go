// Package api exposes the control surface over HTTP: health and status
// probes plus one route per registered command, all sharing the
// X-API-Token authentication middleware.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/softwell/mailproxy/internal/command"
	"github.com/softwell/mailproxy/internal/storage"
)

// AuthStore resolves API tokens.
type AuthStore interface {
	GetInstance(ctx context.Context) (*storage.Instance, error)
	GetTenantByToken(ctx context.Context, rawToken string) (*storage.Tenant, error)
}

// StatusSource answers the /status probe.
type StatusSource interface {
	Active() bool
}

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// APIToken is the global token. Empty falls back to the instance row.
	APIToken string
}

// Server wraps the router and the http.Server lifecycle.
type Server struct {
	cfg        Config
	dispatcher *command.Dispatcher
	auth       *authenticator
	status     StatusSource
	router     *chi.Mux
	server     *http.Server
}

// New assembles the API server. status may be nil; /status then reports
// active unconditionally.
func New(cfg Config, dispatcher *command.Dispatcher, store AuthStore, status StatusSource) *Server {
	s := &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		auth:       &authenticator{store: store, globalToken: cfg.APIToken},
		status:     status,
	}
	s.router = s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe starts the HTTP server and blocks.
func (s *Server) ListenAndServe() error {
	s.server = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       time.Minute,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
