package main

import (
	"context"
	"net/http"

	"github.com/albguard/albguard/internal/auth/token"
	"github.com/albguard/albguard/internal/authz"
	"github.com/albguard/albguard/internal/config"
	"github.com/albguard/albguard/internal/guard"
	"github.com/albguard/albguard/internal/observability"
)

// application holds all daemon components.
type application struct {
	config        *config.Config
	guard         guard.Guard
	server        *server
	metricsServer *http.Server
	tracer        *observability.Tracer
	rulesSource   *authz.FileSource
}

// initApplication initializes all daemon components.
func initApplication(cfg *config.Config, logger observability.Logger) *application {
	tracer := initTracer(cfg, logger)

	// The guard, its verifier, and its authorizer record into the
	// package singletons; Init pre-seeds the series so every metric is
	// present on the first scrape.
	guardMetrics := guard.GetSharedMetrics()
	guardMetrics.Init()
	authz.GetSharedMetrics().Init()
	token.GetSharedMetrics().Init()

	rulesSource := initRulesSource(cfg, logger)

	// The combination mode is fixed when the guard is built, so a
	// configured rules file must be read before construction rather
	// than waiting for the watcher's first delivery.
	guardCfg := cfg.BuildGuardConfig()
	if rulesSource != nil {
		doc, err := rulesSource.Load(context.Background())
		if err != nil {
			logger.Fatal("failed to load rules file",
				observability.String("path", rulesSource.Path()),
				observability.Error(err),
			)
		}
		guardCfg.Rules = doc
	}

	g, err := guard.New(guardCfg,
		guard.WithLogger(logger),
		guard.WithMetrics(guardMetrics),
	)
	if err != nil {
		logger.Fatal("failed to create guard", observability.Error(err))
	}

	srv := newServer(cfg, g, tracer, logger)

	return &application{
		config:      cfg,
		guard:       g,
		server:      srv,
		tracer:      tracer,
		rulesSource: rulesSource,
	}
}

// initTracer initializes the tracer.
func initTracer(cfg *config.Config, logger observability.Logger) *observability.Tracer {
	tracer, err := observability.NewTracer(cfg.BuildTracerConfig())
	if err != nil {
		logger.Fatal("failed to initialize tracer", observability.Error(err))
	}
	return tracer
}

// initRulesSource creates the rules file source when one is
// configured. The source is not watching yet; runDaemon starts it
// before the server accepts traffic.
func initRulesSource(cfg *config.Config, logger observability.Logger) *authz.FileSource {
	if cfg.RulesFile == "" {
		return nil
	}

	source, err := authz.NewFileSource(cfg.RulesFile,
		authz.WithFileSourceLogger(logger),
	)
	if err != nil {
		logger.Fatal("failed to create rules source",
			observability.String("path", cfg.RulesFile),
			observability.Error(err),
		)
	}

	return source
}

// applyRules returns the callback that swaps each loaded rules
// document into the guard's authorizer. The combination mode is fixed
// at startup; a document asking for a different mode is applied with
// the active mode and the mismatch is reported.
func applyRules(g guard.Guard, logger observability.Logger) authz.ApplyFunc {
	return func(doc *authz.RulesConfig) {
		rules, mode, err := authz.BuildRules(doc, authz.WithExprLogger(logger))
		if err != nil {
			logger.Error("rules document rejected, keeping previous rules",
				observability.Error(err),
			)
			return
		}

		authorizer := g.Authorizer()
		if mode != authorizer.Mode() {
			logger.Warn("rules mode change requires a restart",
				observability.String("active", string(authorizer.Mode())),
				observability.String("requested", string(mode)),
			)
		}

		authorizer.ReplaceRules(rules)
	}
}
