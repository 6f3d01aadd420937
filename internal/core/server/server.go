package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/geofilter/internal/core/config"
	"github.com/mohammed-shakir/geofilter/internal/core/health"
	middleware "github.com/mohammed-shakir/geofilter/internal/core/middleware"
	"github.com/mohammed-shakir/geofilter/internal/core/router"
)

type API struct {
	Filters router.Filters
	Layers  router.Layers
	Ready   health.ReadinessReporter
	Metrics http.Handler
}

// Handler builds the HTTP routes.
func Handler(logger *slog.Logger, api API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover())
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if api.Ready != nil {
		r.Get("/readyz", health.Readiness(api.Ready))
	}
	if api.Metrics != nil {
		r.Get("/metrics", api.Metrics.ServeHTTP)
	}
	router.Mount(r, logger, api.Filters, api.Layers)
	return r
}

// sets up http and starts serving
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, api API) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           Handler(logger, api),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
