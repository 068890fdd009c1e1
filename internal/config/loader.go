package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables recognized as overrides after parsing.
const (
	EnvListenAddress = "ALBGUARD_LISTEN_ADDRESS"
	EnvRegion        = "ALBGUARD_REGION"
	EnvELBKeyBaseURL = "ALBGUARD_ELB_KEY_BASE_URL"
	EnvGroupsClaim   = "ALBGUARD_GROUPS_CLAIM"
	EnvDenyTarget    = "ALBGUARD_DENY_TARGET"
	EnvRulesFile     = "ALBGUARD_RULES_FILE"
)

// envVarPattern matches ${VAR} and ${VAR:-default} references.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// Load reads and parses the configuration file. Values absent from
// the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config file path is empty")
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", path)
		}
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("config path is a directory, not a file: %s", path)
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	return Parse(data)
}

// LoadFromReader parses configuration from a reader.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment references, decodes the YAML document on
// top of the defaults, and applies ALBGUARD_* overrides.
func Parse(data []byte) (*Config, error) {
	content := expandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// expandEnv replaces ${VAR} and ${VAR:-default} references with
// environment values. $$ escapes a literal dollar sign.
func expandEnv(content string) string {
	content = strings.ReplaceAll(content, "$$", "\x00DOLLAR\x00")

	result := envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		parts := envVarPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		fallback := ""
		if len(parts) >= 3 {
			fallback = parts[2]
		}

		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return fallback
	})

	return strings.ReplaceAll(result, "\x00DOLLAR\x00", "$")
}

// applyEnvOverrides applies ALBGUARD_* values on top of the parsed
// configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvListenAddress); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv(EnvRegion); v != "" {
		cfg.Guard.Region = v
	}
	if v := os.Getenv(EnvELBKeyBaseURL); v != "" {
		cfg.Guard.ELBKeyBaseURL = v
	}
	if v := os.Getenv(EnvGroupsClaim); v != "" {
		cfg.Guard.GroupsClaim = v
	}
	if v := os.Getenv(EnvDenyTarget); v != "" {
		cfg.Guard.DenyTarget = v
	}
	if v := os.Getenv(EnvRulesFile); v != "" {
		cfg.RulesFile = v
	}
}

// LoadAndValidate loads the configuration file and validates it.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
