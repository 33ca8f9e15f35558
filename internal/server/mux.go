// Package server provides HTTP server construction for listing-sync.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Service registers its own routes.
type Service interface {
	RegisterHTTP(r chi.Router)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	// MCPHandler is mounted at /mcp when set.
	MCPHandler http.Handler
	// Metrics is mounted at /metrics when set.
	Metrics  http.Handler
	Services []Service
	// Auth wraps /mcp and the service routes when set. The health check
	// and metrics stay open.
	Auth func(http.Handler) http.Handler
}

// NewMux builds the router with request ids, panic recovery, a health
// check, and the configured endpoints.
func NewMux(cfg MuxConfig) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.Auth != nil {
			r.Use(cfg.Auth)
		}

		if cfg.MCPHandler != nil {
			r.Handle("/mcp", cfg.MCPHandler)
		}

		for _, svc := range cfg.Services {
			svc.RegisterHTTP(r)
		}
	})

	return r
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:        addr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Long-lived websocket and streamable MCP responses must not be
		// cut by a write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down HTTP server", slog.String("listen", addr))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("starting HTTP server", slog.String("listen", addr))

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}
