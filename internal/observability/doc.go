// Package observability provides logging, metrics, and tracing
// functionality for the authentication service.
//
// Structured logging is implemented via zap behind the Logger
// interface, HTTP serving metrics via Prometheus, and distributed
// tracing via OpenTelemetry with OTLP export.
//
// # Logging
//
//	logger, err := observability.NewLogger(observability.LogConfig{
//	    Level:  "info",
//	    Format: "json",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("request authenticated",
//	    observability.String("subject", id.Subject()),
//	    observability.Duration("duration", elapsed),
//	)
//
// # Tracing
//
//	tracer, err := observability.NewTracer(observability.TracerConfig{
//	    ServiceName:  "albguardd",
//	    OTLPEndpoint: "localhost:4317",
//	    SamplingRate: 0.1,
//	    Enabled:      true,
//	})
//
// Components accept a Logger through functional options and default to
// NopLogger, so library use never forces an output destination.
package observability
