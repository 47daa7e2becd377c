package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/farmsight/ops-api/config"
	httpx "github.com/farmsight/ops-api/internal/http"
)

// StartHTTPServer creates and starts the HTTP server.
// Returns the server instance for graceful shutdown.
func StartHTTPServer(cfg *config.AppConfig, services *ServiceContainer, logger *slog.Logger) *http.Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := httpx.NewRouter(httpx.RouterServices{
		Dispatch: services.Dispatch,
		Runs:     services.Runs,
		Status:   services.Status,
		Tracker:  services.Tracker,
		Cache:    services.Cache,
		Logger:   logger,
	})

	// Order: Recover -> Logging -> Router
	handler := httpx.Logging(logger)(router)
	handler = httpx.Recover(logger)(handler)

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server failed", "error", err)
		}
	}()

	return server
}

// RunServices runs the enabled services until a shutdown signal arrives,
// then tears everything down in order: HTTP server first, then the
// tracker's poll sessions.
func RunServices(cfg *config.AppConfig, services *ServiceContainer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *http.Server
	if cfg.IsHTTPServerEnabled() {
		server = StartHTTPServer(cfg, services, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.IsTrackerEnabled() {
		g.Go(func() error {
			if err := services.Tracker.Resume(gctx); err != nil {
				// Resume failures should not bring the process down;
				// new dispatches are still tracked.
				logger.Warn("resume pending runs failed", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("shutting down")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown failed", "error", err)
		}
	}

	services.Tracker.StopAll()

	logger.Info("shutdown complete")
	return nil
}
