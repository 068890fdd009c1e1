// Package config loads and validates the daemon configuration.
//
// Configuration comes from a YAML file. Values inside the file may
// reference environment variables with ${VAR} or ${VAR:-default}
// syntax, and a small set of ALBGUARD_* variables override their file
// counterparts after parsing. Environment values take priority over
// file values.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/albguard/albguard/internal/authz"
	"github.com/albguard/albguard/internal/guard"
	"github.com/albguard/albguard/internal/observability"
)

// Defaults applied when the file leaves a value unset.
const (
	// DefaultListenAddress is the address the auth endpoint listens on.
	DefaultListenAddress = ":8080"

	// DefaultMetricsPort is the metrics server port.
	DefaultMetricsPort = 9090

	// DefaultMetricsPath is the metrics endpoint path.
	DefaultMetricsPath = "/metrics"

	// DefaultServiceName identifies the daemon in traces.
	DefaultServiceName = "albguardd"
)

// Config is the top-level daemon configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" json:"server"`

	// Observability configures metrics and tracing. Logging is
	// configured through flags and environment at process start,
	// before this file is read.
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`

	// Guard configures token verification and authorization.
	Guard GuardConfig `yaml:"guard" json:"guard"`

	// RulesFile is the path to an authorization rules document that
	// is watched for changes. When set it takes priority over inline
	// guard rules.
	RulesFile string `yaml:"rules_file,omitempty" json:"rules_file,omitempty"`
}

// ServerConfig configures the HTTP listener. Zero timeouts leave the
// corresponding server limit unset.
type ServerConfig struct {
	// Address is the listen address, in host:port or :port form.
	Address string `yaml:"address,omitempty" json:"address,omitempty"`

	ReadTimeout       Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	ReadHeaderTimeout Duration `yaml:"read_header_timeout,omitempty" json:"read_header_timeout,omitempty"`
	WriteTimeout      Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`
	IdleTimeout       Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout,omitempty" json:"shutdown_timeout,omitempty"`
}

// ObservabilityConfig groups the observability sections. A nil
// section leaves that subsystem disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `yaml:"metrics,omitempty" json:"metrics,omitempty"`
	Tracing *TracingConfig `yaml:"tracing,omitempty" json:"tracing,omitempty"`
}

// MetricsConfig configures the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	Path    string `yaml:"path,omitempty" json:"path,omitempty"`
}

// GetEffectivePort returns the configured port or the default.
func (m *MetricsConfig) GetEffectivePort() int {
	if m == nil || m.Port == 0 {
		return DefaultMetricsPort
	}
	return m.Port
}

// GetEffectivePath returns the configured path or the default.
func (m *MetricsConfig) GetEffectivePath() string {
	if m == nil || m.Path == "" {
		return DefaultMetricsPath
	}
	return m.Path
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty" json:"sampling_rate,omitempty"`
	OTLPEndpoint string  `yaml:"otlp_endpoint,omitempty" json:"otlp_endpoint,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty" json:"service_name,omitempty"`
}

// GuardConfig is the file-facing form of the guard settings. Duration
// fields accept strings such as "10s" and "1h".
type GuardConfig struct {
	// Region selects the load balancer public key endpoint.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// ELBKeyBaseURL overrides the derived regional key endpoint.
	ELBKeyBaseURL string `yaml:"elb_key_base_url,omitempty" json:"elb_key_base_url,omitempty"`

	// JWKSCacheTTL is how long a fetched issuer key set stays fresh.
	JWKSCacheTTL Duration `yaml:"jwks_cache_ttl,omitempty" json:"jwks_cache_ttl,omitempty"`

	// FetchTimeout bounds a single outbound key fetch.
	FetchTimeout Duration `yaml:"fetch_timeout,omitempty" json:"fetch_timeout,omitempty"`

	// GroupsClaim is the access token claim carrying group
	// memberships.
	GroupsClaim string `yaml:"groups_claim,omitempty" json:"groups_claim,omitempty"`

	// DenyTarget is an absolute URL denied browser requests are
	// redirected to.
	DenyTarget string `yaml:"deny_target,omitempty" json:"deny_target,omitempty"`

	// Rules is the inline authorization rule set. Ignored when a
	// rules file is configured.
	Rules *authz.RulesConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// Validate checks the guard section for values the runtime
// configuration could not represent.
func (g *GuardConfig) Validate() error {
	if g.JWKSCacheTTL < 0 {
		return fmt.Errorf("guard jwks_cache_ttl cannot be negative")
	}
	if g.FetchTimeout < 0 {
		return fmt.Errorf("guard fetch_timeout cannot be negative")
	}
	return nil
}

// DefaultConfig returns a configuration with default values. Guard
// settings left at their zero value pick up the guard package
// defaults when BuildGuardConfig runs.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           DefaultListenAddress,
			ReadTimeout:       Duration(10 * time.Second),
			ReadHeaderTimeout: Duration(5 * time.Second),
			WriteTimeout:      Duration(10 * time.Second),
			IdleTimeout:       Duration(120 * time.Second),
			ShutdownTimeout:   Duration(30 * time.Second),
		},
	}
}

// Validate checks the configuration and returns the first problem
// found.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}

	if m := c.Observability.Metrics; m != nil {
		if m.Port < 0 || m.Port > 65535 {
			return fmt.Errorf("metrics port %d is out of range", m.Port)
		}
	}

	if t := c.Observability.Tracing; t != nil {
		if t.SamplingRate < 0 || t.SamplingRate > 1 {
			return fmt.Errorf("tracing sampling_rate %v must be between 0 and 1", t.SamplingRate)
		}
	}

	if err := c.Guard.Validate(); err != nil {
		return err
	}

	return c.BuildGuardConfig().Validate()
}

// Validate checks the server section.
func (s *ServerConfig) Validate() error {
	if s.Address == "" {
		return fmt.Errorf("server address is empty")
	}
	if _, _, err := net.SplitHostPort(s.Address); err != nil {
		return fmt.Errorf("server address %q is not a valid listen address: %w", s.Address, err)
	}
	for name, d := range map[string]Duration{
		"read_timeout":        s.ReadTimeout,
		"read_header_timeout": s.ReadHeaderTimeout,
		"write_timeout":       s.WriteTimeout,
		"idle_timeout":        s.IdleTimeout,
		"shutdown_timeout":    s.ShutdownTimeout,
	} {
		if d < 0 {
			return fmt.Errorf("server %s cannot be negative", name)
		}
	}
	return nil
}

// BuildGuardConfig converts the guard section into the configuration
// the guard package consumes, applying guard defaults for unset
// values.
func (c *Config) BuildGuardConfig() *guard.Config {
	gc := guard.DefaultConfig()
	if c.Guard.Region != "" {
		gc.Region = c.Guard.Region
	}
	if c.Guard.ELBKeyBaseURL != "" {
		gc.ELBKeyBaseURL = c.Guard.ELBKeyBaseURL
	}
	if c.Guard.JWKSCacheTTL > 0 {
		gc.JWKSCacheTTL = c.Guard.JWKSCacheTTL.Duration()
	}
	if c.Guard.FetchTimeout > 0 {
		gc.FetchTimeout = c.Guard.FetchTimeout.Duration()
	}
	if c.Guard.GroupsClaim != "" {
		gc.GroupsClaim = c.Guard.GroupsClaim
	}
	gc.DenyTarget = c.Guard.DenyTarget
	if c.RulesFile == "" {
		gc.Rules = c.Guard.Rules
	}
	return gc
}

// BuildTracerConfig converts the tracing section into the tracer
// configuration. With no tracing section the tracer stays disabled.
func (c *Config) BuildTracerConfig() observability.TracerConfig {
	tc := observability.TracerConfig{
		ServiceName:  DefaultServiceName,
		Enabled:      false,
		SamplingRate: 1.0,
	}
	if t := c.Observability.Tracing; t != nil {
		tc.Enabled = t.Enabled
		tc.OTLPEndpoint = t.OTLPEndpoint
		if t.SamplingRate > 0 {
			tc.SamplingRate = t.SamplingRate
		}
		if t.ServiceName != "" {
			tc.ServiceName = t.ServiceName
		}
	}
	return tc
}

// MetricsEnabled reports whether the metrics server should run.
func (c *Config) MetricsEnabled() bool {
	return c.Observability.Metrics != nil && c.Observability.Metrics.Enabled
}
