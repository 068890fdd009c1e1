// Package main is the entry point for albguardd, the forward-auth
// daemon that verifies AWS load balancer OIDC headers.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/albguard/albguard/internal/config"
	"github.com/albguard/albguard/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags()

	if flags.showVersion {
		printVersion()
		return
	}

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runDaemon(app, logger)
}

// parseFlags parses command line flags.
func parseFlags() cliFlags {
	configPath := flag.String("config", getEnvOrDefault("ALBGUARD_CONFIG_PATH", "configs/albguard.yaml"),
		"Path to configuration file")
	logLevel := flag.String("log-level", getEnvOrDefault("ALBGUARD_LOG_LEVEL", "info"),
		"Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", getEnvOrDefault("ALBGUARD_LOG_FORMAT", "json"),
		"Log format (json, console)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	return cliFlags{
		configPath:  *configPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// printVersion prints version information and exits.
func printVersion() {
	fmt.Printf("albguardd version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  flags.logLevel,
		Format: flags.logFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	observability.SetGlobalLogger(logger)
	return logger
}

// loadAndValidateConfig loads and validates the configuration.
func loadAndValidateConfig(configPath string, logger observability.Logger) *config.Config {
	logger.Info("starting albguardd",
		observability.String("version", version),
		observability.String("config", configPath),
	)

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", observability.Error(err))
	}

	guardCfg := cfg.BuildGuardConfig()
	inlineRules := 0
	if cfg.RulesFile == "" && cfg.Guard.Rules != nil {
		r := cfg.Guard.Rules
		inlineRules = len(r.Domains) + len(r.Groups) + len(r.Emails) + len(r.Expressions)
	}

	logger.Info("configuration loaded",
		observability.String("listen", cfg.Server.Address),
		observability.String("region", guardCfg.Region),
		observability.Bool("metrics", cfg.MetricsEnabled()),
		observability.String("rules_file", cfg.RulesFile),
		observability.Int("inline_rules", inlineRules),
	)

	return cfg
}
