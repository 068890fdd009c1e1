package token

import (
	"fmt"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultRegion is the AWS region used to derive the load balancer
	// public key endpoint when none is configured.
	DefaultRegion = "eu-west-2"

	// DefaultJWKSCacheTTL is how long a fetched JWKS document is served
	// from cache before it is fetched again.
	DefaultJWKSCacheTTL = time.Hour

	// DefaultFetchTimeout bounds a single outbound key fetch.
	DefaultFetchTimeout = 10 * time.Second

	// DefaultFetchRateLimit is the sustained outbound key fetch rate in
	// fetches per second.
	DefaultFetchRateLimit = 10.0

	// DefaultFetchRateBurst is the outbound key fetch burst size.
	DefaultFetchRateBurst = 20
)

const (
	// elbKeyURLFormat is the regional endpoint serving load balancer
	// public keys, one PEM document per key id.
	elbKeyURLFormat = "https://public-keys.auth.elb.%s.amazonaws.com"

	// jwksPath is the well-known JWKS location relative to an issuer.
	jwksPath = "/.well-known/jwks.json"

	// maxKeyBodySize caps how much of a key endpoint response is read.
	maxKeyBodySize = 1 << 20
)

// Config holds token verification settings.
type Config struct {
	// Region selects the load balancer public key endpoint.
	Region string `yaml:"region" json:"region"`

	// ELBKeyBaseURL overrides the derived regional key endpoint. Mainly
	// useful for nonstandard partitions and tests.
	ELBKeyBaseURL string `yaml:"elb_key_base_url,omitempty" json:"elb_key_base_url,omitempty"`

	// JWKSCacheTTL is how long a fetched JWKS document stays fresh.
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl" json:"jwks_cache_ttl"`

	// FetchTimeout bounds a single outbound key fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// FetchRateLimit is the sustained outbound key fetch rate in
	// fetches per second.
	FetchRateLimit float64 `yaml:"fetch_rate_limit" json:"fetch_rate_limit"`

	// FetchRateBurst is the outbound key fetch burst size.
	FetchRateBurst int `yaml:"fetch_rate_burst" json:"fetch_rate_burst"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Region:         DefaultRegion,
		JWKSCacheTTL:   DefaultJWKSCacheTTL,
		FetchTimeout:   DefaultFetchTimeout,
		FetchRateLimit: DefaultFetchRateLimit,
		FetchRateBurst: DefaultFetchRateBurst,
	}
}

// Validate checks the configuration for nonsense values. Empty fields
// are valid and fall back to defaults at use.
func (c *Config) Validate() error {
	if c.JWKSCacheTTL < 0 {
		return fmt.Errorf("jwks_cache_ttl must not be negative, got %s", c.JWKSCacheTTL)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch_timeout must not be negative, got %s", c.FetchTimeout)
	}
	if c.FetchRateLimit < 0 {
		return fmt.Errorf("fetch_rate_limit must not be negative, got %g", c.FetchRateLimit)
	}
	if c.FetchRateBurst < 0 {
		return fmt.Errorf("fetch_rate_burst must not be negative, got %d", c.FetchRateBurst)
	}
	return nil
}

// GetEffectiveRegion returns the configured region or the default.
func (c *Config) GetEffectiveRegion() string {
	if c.Region == "" {
		return DefaultRegion
	}
	return c.Region
}

// GetEffectiveELBKeyBaseURL returns the configured key endpoint or the
// regional default.
func (c *Config) GetEffectiveELBKeyBaseURL() string {
	if c.ELBKeyBaseURL != "" {
		return strings.TrimSuffix(c.ELBKeyBaseURL, "/")
	}
	return fmt.Sprintf(elbKeyURLFormat, c.GetEffectiveRegion())
}

// GetEffectiveJWKSCacheTTL returns the configured TTL or the default.
func (c *Config) GetEffectiveJWKSCacheTTL() time.Duration {
	if c.JWKSCacheTTL == 0 {
		return DefaultJWKSCacheTTL
	}
	return c.JWKSCacheTTL
}

// GetEffectiveFetchTimeout returns the configured timeout or the default.
func (c *Config) GetEffectiveFetchTimeout() time.Duration {
	if c.FetchTimeout == 0 {
		return DefaultFetchTimeout
	}
	return c.FetchTimeout
}

// GetEffectiveFetchRateLimit returns the configured rate or the default.
func (c *Config) GetEffectiveFetchRateLimit() float64 {
	if c.FetchRateLimit == 0 {
		return DefaultFetchRateLimit
	}
	return c.FetchRateLimit
}

// GetEffectiveFetchRateBurst returns the configured burst or the default.
func (c *Config) GetEffectiveFetchRateBurst() int {
	if c.FetchRateBurst == 0 {
		return DefaultFetchRateBurst
	}
	return c.FetchRateBurst
}
