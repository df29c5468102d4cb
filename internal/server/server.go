// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package server assembles the passkey service, storage backend, token
// issuer and HTTP surface into a runnable server.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-passkey/internal/config"
	"github.com/jeremyhahn/go-passkey/pkg/correlation"
	"github.com/jeremyhahn/go-passkey/pkg/health"
	"github.com/jeremyhahn/go-passkey/pkg/passkey"
	passkeyhttp "github.com/jeremyhahn/go-passkey/pkg/passkey/http"
	"github.com/jeremyhahn/go-passkey/pkg/passkey/metrics"
	"github.com/jeremyhahn/go-passkey/pkg/ratelimit"
	"github.com/jeremyhahn/go-passkey/pkg/storage/sqlite"
)

// Server hosts the passkey HTTP API.
type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
	checker    *health.Checker
	limiter    *ratelimit.Limiter
	closers    []io.Closer
}

// pinger is implemented by stores that can verify backend
// connectivity.
type pinger interface {
	Ping(ctx context.Context) error
}

// New wires up a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := buildLogger(cfg.Logging)
	s := &Server{cfg: cfg, logger: logger, checker: health.NewChecker()}

	store, err := s.buildStore()
	if err != nil {
		return nil, err
	}
	s.registerStorageCheck(store)

	issuer, err := buildTokenIssuer(cfg.Token)
	if err != nil {
		return nil, err
	}

	svc, err := passkey.NewService(passkey.ServiceParams{
		Config:      cfg.PasskeyConfig(),
		Store:       store,
		TokenIssuer: issuer,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create passkey service: %w", err)
	}
	s.checker.MarkStarted()

	s.limiter = ratelimit.New(&ratelimit.Config{
		Enabled:           cfg.RateLimit.Enabled,
		RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
		Burst:             cfg.RateLimit.Burst,
	})

	tlsConfig, err := cfg.TLS.LoadTLSConfig()
	if err != nil {
		return nil, err
	}

	s.router = s.buildRouter(svc)
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		TLSConfig:    tlsConfig,
	}

	return s, nil
}

// buildLogger constructs the slog logger from the logging section.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// buildStore selects the persistence backend.
func (s *Server) buildStore() (passkey.Store, error) {
	switch s.cfg.Storage.Backend {
	case "sqlite":
		store, err := sqlite.Open(s.cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		s.closers = append(s.closers, store)
		s.logger.Info("using sqlite storage", "path", s.cfg.Storage.Path)
		return store, nil
	default:
		s.logger.Info("using in-memory storage")
		return passkey.NewMemoryStore(), nil
	}
}

// registerStorageCheck wires the store into the readiness probe when
// the backend supports connectivity checks.
func (s *Server) registerStorageCheck(store passkey.Store) {
	p, ok := store.(pinger)
	if !ok {
		return
	}
	s.checker.RegisterCheck("storage", func(ctx context.Context) health.CheckResult {
		if err := p.Ping(ctx); err != nil {
			return health.CheckResult{
				Name:   "storage",
				Status: health.StatusUnhealthy,
				Error:  err.Error(),
			}
		}
		return health.CheckResult{Name: "storage", Status: health.StatusHealthy}
	})
}

// buildTokenIssuer constructs the JWT issuer, or nil when no secret is
// configured.
func buildTokenIssuer(cfg config.TokenConfig) (passkey.TokenIssuer, error) {
	if cfg.Secret == "" {
		return nil, nil
	}
	issuer, err := passkey.NewJWTIssuer(&passkey.JWTIssuerConfig{
		Secret:    []byte(cfg.Secret),
		Issuer:    cfg.Issuer,
		Audience:  cfg.Audience,
		ExpiresIn: cfg.ExpiresIn,
	})
	if err != nil {
		return nil, fmt.Errorf("create token issuer: %w", err)
	}
	return issuer, nil
}

// buildRouter mounts the ceremony API plus health and metrics endpoints.
func (s *Server) buildRouter(svc *passkey.Service) chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(correlation.Middleware)
	router.Use(metrics.HTTPMiddleware)

	handler := passkeyhttp.NewHandler(svc).WithLogger(s.logger)
	router.Route("/api/v1", func(r chi.Router) {
		if s.limiter.IsEnabled() {
			r.Use(ratelimit.Middleware(s.limiter))
		}
		passkeyhttp.MountChi(r, handler)
	})

	if s.cfg.Health.Enabled {
		router.Method(http.MethodGet, s.cfg.Health.Path, health.Handler(s.checker))
	}

	if s.cfg.Metrics.Enabled {
		router.Method(http.MethodGet, s.cfg.Metrics.Path, promhttp.Handler())
	}

	return router
}

// Router returns the assembled HTTP router. Used by tests and by
// applications embedding the passkey API in a larger server.
func (s *Server) Router() http.Handler {
	return s.router
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Run starts the HTTP server and blocks until the context is cancelled,
// then shuts down gracefully within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting passkey server",
			"addr", s.httpServer.Addr,
			"tls", s.cfg.TLS.Enabled,
			"rp_id", s.cfg.RelyingParty.ID)

		var err error
		if s.httpServer.TLSConfig != nil {
			// Certificates are already loaded into TLSConfig.
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.closeStores()
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down passkey server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()

	err := s.httpServer.Shutdown(shutdownCtx)
	s.limiter.Stop()
	s.closeStores()
	if err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 15 * time.Second
}

func (s *Server) closeStores() {
	for _, closer := range s.closers {
		if err := closer.Close(); err != nil {
			s.logger.Error("failed to close store", "error", err)
		}
	}
}
