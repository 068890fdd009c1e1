package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/albguard/albguard/internal/observability"
)

// runDaemon starts the daemon components and blocks until shutdown.
func runDaemon(app *application, logger observability.Logger) {
	ctx := context.Background()

	// The rules watcher arms before the listener opens so the first
	// request is already evaluated against the configured rules.
	if app.rulesSource != nil {
		if err := app.rulesSource.Watch(ctx, applyRules(app.guard, logger)); err != nil {
			logger.Fatal("failed to start rules watcher",
				observability.String("path", app.rulesSource.Path()),
				observability.Error(err),
			)
		}
	}

	if err := app.server.Start(); err != nil {
		logger.Fatal("failed to start auth server", observability.Error(err))
	}

	startMetricsServerIfEnabled(app, logger)

	waitForShutdown(app, logger)
}

// waitForShutdown waits for a shutdown signal and performs graceful
// shutdown within the configured bound.
func waitForShutdown(app *application, logger observability.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	timeout := app.config.Server.ShutdownTimeout.Duration()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if app.rulesSource != nil {
		if err := app.rulesSource.Stop(); err != nil {
			logger.Error("failed to stop rules watcher", observability.Error(err))
		}
	}

	if app.metricsServer != nil {
		logger.Info("stopping metrics server")
		if err := app.metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server gracefully", observability.Error(err))
		}
	}

	if err := app.server.Stop(shutdownCtx); err != nil {
		logger.Error("failed to stop auth server gracefully", observability.Error(err))
	}

	if err := app.tracer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	logger.Info("albguardd stopped")
}
