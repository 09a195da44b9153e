// Copyright (c) 2025 PasskeyMesh
//
// This file is part of the PasskeyMesh Gateway.
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0).
// See https://www.gnu.org/licenses/agpl-3.0.html

// Package gateway wires the ceremony, token, and proxy services behind the
// gateway's HTTP surface.
package gateway

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/passkeymesh/gateway/internal/config"
	"github.com/passkeymesh/gateway/pkg/logging"
	"github.com/passkeymesh/gateway/pkg/metrics"
	"github.com/passkeymesh/gateway/pkg/proxy"
	"github.com/passkeymesh/gateway/pkg/token"
	"github.com/passkeymesh/gateway/pkg/webauthn"
)

const sessionCleanupInterval = time.Minute

// tokenIssuer adapts the token service to the ceremony service's issuer
// contract. The token subject is the hex-encoded user handle.
type tokenIssuer struct {
	svc *token.Service
}

func (i *tokenIssuer) Issue(userHandle []byte, username string) (string, error) {
	signed, err := i.svc.Issue(hex.EncodeToString(userHandle), username)
	if err == nil {
		metrics.RecordTokenIssued()
	}
	return signed, err
}

// Server is the gateway HTTP server.
type Server struct {
	config      *config.Config
	logger      *logging.Logger
	store       *webauthn.MemoryStore
	handlers    *Handlers
	httpServer  *http.Server
	stopCleanup chan struct{}
	version     string
}

// NewServer builds the full service graph from configuration. Any failure
// here is a startup failure; the server never runs with a partial graph.
func NewServer(cfg *config.Config, logger *logging.Logger, version string) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	tokens, err := token.NewService(&token.Config{
		SigningKey: []byte(cfg.Token.Secret),
		Issuer:     cfg.Token.Issuer,
		Audience:   cfg.Token.Audience,
		TTL:        cfg.Token.TTL,
	})
	if err != nil {
		return nil, fmt.Errorf("token service: %w", err)
	}

	backend, err := proxy.NewClient(&cfg.Proxy, logger)
	if err != nil {
		return nil, fmt.Errorf("proxy client: %w", err)
	}

	store := webauthn.NewMemoryStore(cfg.WebAuthn.ChallengeTTL)
	ceremonies, err := webauthn.NewService(webauthn.ServiceParams{
		Config: &cfg.WebAuthn,
		Store:  store,
		Issuer: &tokenIssuer{svc: tokens},
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("webauthn service: %w", err)
	}

	s := &Server{
		config:      cfg,
		logger:      logger,
		store:       store,
		handlers:    NewHandlers(ceremonies, tokens, backend, logger, version),
		stopCleanup: make(chan struct{}),
		version:     version,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      s.setupRouter(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(s.RecoveryMiddleware())
	r.Use(s.LoggingMiddleware())
	r.Use(metrics.HTTPMiddleware)
	r.Use(CORSMiddleware(s.config.CORS.AllowedOrigins))
	if s.config.RateLimit.Enabled {
		r.Use(RateLimitMiddleware(s.config.RateLimit.RequestsPerMin))
	}

	r.Get("/health", s.handlers.Health)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.handlers.RegisterBegin)
		r.Post("/verify-register", s.handlers.RegisterFinish)
		r.Post("/login", s.handlers.LoginBegin)
		r.Post("/verify-login", s.handlers.LoginFinish)
	})

	r.Get("/api/auth/verify", s.handlers.APIVerify)
	r.Post("/api/auth/verify", s.handlers.APIVerify)

	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, promhttp.Handler())
	}

	return r
}

// Handler returns the configured router, used by tests to drive the server
// without a listener.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins serving. It blocks until the listener closes.
func (s *Server) Start() error {
	s.store.StartCleanupRoutine(sessionCleanupInterval, s.stopCleanup)

	s.logger.Info("starting gateway",
		"addr", s.httpServer.Addr,
		"backend", s.config.Proxy.URL,
		"rp_id", s.config.WebAuthn.RPID)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down gateway")
	close(s.stopCleanup)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	s.logger.Info("gateway stopped")
	return nil
}
