package main

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/albguard/albguard/internal/auth/token"
	"github.com/albguard/albguard/internal/authz"
	"github.com/albguard/albguard/internal/guard"
	"github.com/albguard/albguard/internal/observability"
)

// createMetricsServer creates the metrics HTTP server. The guard,
// authorization, and token verification packages each keep their own
// registry; the endpoint gathers all three.
func createMetricsServer(port int, path string, logger observability.Logger) *http.Server {
	gatherers := prometheus.Gatherers{
		guard.GetSharedMetrics().Registry(),
		authz.GetSharedMetrics().Registry(),
		token.GetSharedMetrics().Registry(),
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherers, promhttp.HandlerOpts{}))

	addr := fmt.Sprintf(":%d", port)
	logger.Info("starting metrics server",
		observability.String("address", addr),
		observability.String("metrics_path", path),
	)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// runMetricsServer runs the metrics HTTP server.
func runMetricsServer(server *http.Server, logger observability.Logger) {
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server error", observability.Error(err))
	}
}

// startMetricsServerIfEnabled starts the metrics server if enabled.
func startMetricsServerIfEnabled(app *application, logger observability.Logger) {
	if !app.config.MetricsEnabled() {
		return
	}

	m := app.config.Observability.Metrics
	app.metricsServer = createMetricsServer(m.GetEffectivePort(), m.GetEffectivePath(), logger)
	go runMetricsServer(app.metricsServer, logger)
}
