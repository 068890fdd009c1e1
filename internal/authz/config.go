package authz

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RulesConfig is the serializable form of a rule set, as found in a
// rules file or a Vault secret.
type RulesConfig struct {
	// Mode is the combination mode, "any" or "all". Empty means any.
	Mode string `yaml:"mode,omitempty" json:"mode,omitempty"`

	// Domains lists allowed email domains.
	Domains []string `yaml:"domains,omitempty" json:"domains,omitempty"`

	// Groups lists allowed group names.
	Groups []string `yaml:"groups,omitempty" json:"groups,omitempty"`

	// Emails lists allowed email addresses.
	Emails []string `yaml:"emails,omitempty" json:"emails,omitempty"`

	// Expressions lists named CEL expression rules.
	Expressions []ExpressionConfig `yaml:"expressions,omitempty" json:"expressions,omitempty"`
}

// ExpressionConfig is one named CEL expression rule.
type ExpressionConfig struct {
	// Name identifies the rule in logs and metrics.
	Name string `yaml:"name" json:"name"`

	// Expression is the CEL source.
	Expression string `yaml:"expression" json:"expression"`
}

// Validate checks the configuration for errors that BuildRules would
// reject.
func (c *RulesConfig) Validate() error {
	if c == nil {
		return nil
	}
	if _, err := ParseMode(c.Mode); err != nil {
		return err
	}
	for i, e := range c.Expressions {
		if e.Name == "" {
			return fmt.Errorf("expression %d: %w", i, ErrEmptyRuleName)
		}
		if e.Expression == "" {
			return fmt.Errorf("expression %q: %w", e.Name, ErrEmptyExpression)
		}
	}
	return nil
}

// IsEmpty reports whether the configuration declares no rules.
func (c *RulesConfig) IsEmpty() bool {
	if c == nil {
		return true
	}
	return len(c.Domains) == 0 && len(c.Groups) == 0 &&
		len(c.Emails) == 0 && len(c.Expressions) == 0
}

// ParseRulesConfig parses a YAML or JSON rules document.
func ParseRulesConfig(data []byte) (*RulesConfig, error) {
	cfg := &RulesConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing rules document: %w", err)
	}
	return cfg, nil
}

// BuildRules converts a configuration into a rule list and mode.
// Empty value lists produce no rule; a fully empty configuration
// yields an empty list, which admits every authenticated identity.
// Expression options apply to every expression rule built.
func BuildRules(cfg *RulesConfig, opts ...ExprRuleOption) ([]Rule, Mode, error) {
	if cfg == nil {
		return nil, ModeAny, nil
	}

	mode, err := ParseMode(cfg.Mode)
	if err != nil {
		return nil, "", err
	}

	var rules []Rule
	if len(cfg.Domains) > 0 {
		rules = append(rules, NewDomainRule(cfg.Domains...))
	}
	if len(cfg.Groups) > 0 {
		rules = append(rules, NewGroupRule(cfg.Groups...))
	}
	if len(cfg.Emails) > 0 {
		rules = append(rules, NewEmailRule(cfg.Emails...))
	}
	for _, e := range cfg.Expressions {
		rule, err := NewExprRule(e.Name, e.Expression, opts...)
		if err != nil {
			return nil, "", err
		}
		rules = append(rules, rule)
	}

	return rules, mode, nil
}
