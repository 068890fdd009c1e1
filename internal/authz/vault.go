package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/albguard/albguard/internal/observability"
)

// DefaultVaultMount is the KV v2 mount used when none is configured.
const DefaultVaultMount = "secret"

// VaultSource loads a rules document from a Vault KV v2 secret.
//
// Two secret shapes are supported. When a field is configured, the
// secret holds the whole document as a YAML or JSON string under that
// field. Otherwise the secret data itself is the document, with the
// RulesConfig keys as top-level secret keys.
type VaultSource struct {
	client  *vaultapi.Client
	mount   string
	path    string
	field   string
	logger  observability.Logger
	metrics *Metrics
}

// VaultSourceOption is a functional option for a Vault source.
type VaultSourceOption func(*VaultSource)

// WithVaultSourceLogger sets the logger.
func WithVaultSourceLogger(logger observability.Logger) VaultSourceOption {
	return func(s *VaultSource) {
		s.logger = logger
	}
}

// WithVaultSourceMetrics sets the metrics.
func WithVaultSourceMetrics(metrics *Metrics) VaultSourceOption {
	return func(s *VaultSource) {
		s.metrics = metrics
	}
}

// WithVaultField selects the secret field holding the document as a
// string.
func WithVaultField(field string) VaultSourceOption {
	return func(s *VaultSource) {
		s.field = field
	}
}

// NewVaultSource creates a Vault source reading the secret at the
// given path under a KV v2 mount. An empty mount means
// DefaultVaultMount.
func NewVaultSource(client *vaultapi.Client, mount, path string, opts ...VaultSourceOption) (*VaultSource, error) {
	if client == nil {
		return nil, errors.New("vault client is required")
	}
	if path == "" {
		return nil, errors.New("vault secret path is required")
	}
	if mount == "" {
		mount = DefaultVaultMount
	}

	s := &VaultSource{
		client: client,
		mount:  mount,
		path:   path,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.metrics == nil {
		s.metrics = GetSharedMetrics()
	}

	return s, nil
}

// Load reads and parses the rules document from Vault.
func (s *VaultSource) Load(ctx context.Context) (*RulesConfig, error) {
	cfg, err := s.load(ctx)
	s.metrics.RecordReload("vault", err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *VaultSource) load(ctx context.Context) (*RulesConfig, error) {
	fullPath := fmt.Sprintf("%s/data/%s", s.mount, s.path)

	secret, err := s.client.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("reading vault secret %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("vault secret %s: %w", fullPath, ErrSourceEmpty)
	}

	// KV v2 wraps the payload in a "data" key. A nil value under it
	// means the secret was soft deleted.
	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		return nil, fmt.Errorf("vault secret %s: %w", fullPath, ErrSourceEmpty)
	}

	data, ok := dataValue.(map[string]any)
	if !ok {
		// KV v1 mounts return the payload unwrapped.
		data = secret.Data
	}

	cfg, err := s.parse(data)
	if err != nil {
		return nil, fmt.Errorf("vault secret %s: %w", fullPath, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("vault secret %s: %w", fullPath, err)
	}

	s.logger.Debug("rules loaded from vault",
		observability.String("path", fullPath),
	)

	return cfg, nil
}

// parse converts the secret payload into a rules configuration.
func (s *VaultSource) parse(data map[string]any) (*RulesConfig, error) {
	if s.field != "" {
		raw, ok := data[s.field].(string)
		if !ok {
			return nil, fmt.Errorf("field %q is missing or not a string", s.field)
		}
		return ParseRulesConfig([]byte(raw))
	}

	// Round-trip through JSON to map loosely typed secret data onto
	// the config struct.
	encoded, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding secret data: %w", err)
	}
	return ParseRulesConfig(encoded)
}

// Ensure VaultSource implements the interface.
var _ RuleSource = (*VaultSource)(nil)
