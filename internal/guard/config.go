package guard

import (
	"fmt"
	"net/url"
	"time"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/auth/token"
	"github.com/albguard/albguard/internal/authz"
)

// Config holds the settings for a Guard.
type Config struct {
	// Region selects the load balancer public key endpoint.
	Region string `yaml:"region" json:"region"`

	// ELBKeyBaseURL overrides the derived regional key endpoint. Mainly
	// useful for nonstandard partitions and tests.
	ELBKeyBaseURL string `yaml:"elb_key_base_url,omitempty" json:"elb_key_base_url,omitempty"`

	// JWKSCacheTTL is how long a fetched issuer key set stays fresh.
	JWKSCacheTTL time.Duration `yaml:"jwks_cache_ttl" json:"jwks_cache_ttl"`

	// FetchTimeout bounds a single outbound key fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`

	// GroupsClaim is the access token claim carrying group
	// memberships.
	GroupsClaim string `yaml:"groups_claim" json:"groups_claim"`

	// DenyTarget is an absolute URL denied browser requests are
	// redirected to. Empty disables redirects and adapters answer with
	// plain status responses instead.
	DenyTarget string `yaml:"deny_target,omitempty" json:"deny_target,omitempty"`

	// Rules configures the authorization rule set. Nil or empty admits
	// every authenticated identity.
	Rules *authz.RulesConfig `yaml:"rules,omitempty" json:"rules,omitempty"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Region:       token.DefaultRegion,
		JWKSCacheTTL: token.DefaultJWKSCacheTTL,
		FetchTimeout: token.DefaultFetchTimeout,
		GroupsClaim:  auth.DefaultGroupsClaim,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := c.tokenConfig().Validate(); err != nil {
		return err
	}
	if c.DenyTarget != "" {
		u, err := url.Parse(c.DenyTarget)
		if err != nil {
			return fmt.Errorf("deny_target is not a valid URL: %w", err)
		}
		if !u.IsAbs() {
			return fmt.Errorf("deny_target must be an absolute URL, got %q", c.DenyTarget)
		}
	}
	if c.Rules != nil {
		if err := c.Rules.Validate(); err != nil {
			return fmt.Errorf("invalid rules: %w", err)
		}
	}
	return nil
}

// GetEffectiveGroupsClaim returns the configured groups claim or the
// default.
func (c *Config) GetEffectiveGroupsClaim() string {
	if c.GroupsClaim == "" {
		return auth.DefaultGroupsClaim
	}
	return c.GroupsClaim
}

// tokenConfig projects the guard settings onto a verifier
// configuration.
func (c *Config) tokenConfig() *token.Config {
	return &token.Config{
		Region:        c.Region,
		ELBKeyBaseURL: c.ELBKeyBaseURL,
		JWKSCacheTTL:  c.JWKSCacheTTL,
		FetchTimeout:  c.FetchTimeout,
	}
}
