package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/albguard/albguard/internal/observability"
)

// KeyMaterial is a cached public key ready for signature verification.
type KeyMaterial struct {
	// KeyID is the kid the key was resolved under.
	KeyID string

	// Algorithm is the signing algorithm advertised for the key, when
	// the source declares one.
	Algorithm string

	// Issuer is the JWKS issuer the key came from. Empty for load
	// balancer keys.
	Issuer string

	// Key is the parsed public key.
	Key crypto.PublicKey

	// FetchedAt records when the key was retrieved.
	FetchedAt time.Time
}

// ELBKeySource resolves load balancer signing keys by key id.
type ELBKeySource interface {
	// Key returns the public key for the given key id.
	Key(ctx context.Context, keyID string) (*KeyMaterial, error)
}

// ELBKeyCache fetches load balancer public keys from the regional key
// endpoint and caches them permanently. The load balancer rotates key
// ids rather than reusing them, so a cached entry never goes stale.
type ELBKeyCache struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	logger  observability.Logger
	metrics *Metrics

	mu   sync.RWMutex
	keys map[string]*KeyMaterial
}

var _ ELBKeySource = (*ELBKeyCache)(nil)

// ELBKeyCacheOption configures an ELBKeyCache.
type ELBKeyCacheOption func(*ELBKeyCache)

// WithELBHTTPClient sets the HTTP client used for key fetches.
func WithELBHTTPClient(client *http.Client) ELBKeyCacheOption {
	return func(c *ELBKeyCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithELBLogger sets the logger.
func WithELBLogger(logger observability.Logger) ELBKeyCacheOption {
	return func(c *ELBKeyCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithELBMetrics sets the metrics recorder.
func WithELBMetrics(metrics *Metrics) ELBKeyCacheOption {
	return func(c *ELBKeyCache) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// NewELBKeyCache creates a key cache for the configured region.
func NewELBKeyCache(cfg *Config, opts ...ELBKeyCacheOption) (*ELBKeyCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}

	c := &ELBKeyCache{
		baseURL: cfg.GetEffectiveELBKeyBaseURL(),
		client:  &http.Client{Timeout: cfg.GetEffectiveFetchTimeout()},
		limiter: rate.NewLimiter(rate.Limit(cfg.GetEffectiveFetchRateLimit()), cfg.GetEffectiveFetchRateBurst()),
		logger:  observability.NopLogger(),
		keys:    make(map[string]*KeyMaterial),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = GetSharedMetrics()
	}

	return c, nil
}

// Key returns the public key for the given key id, fetching it from
// the regional endpoint on first use. Concurrent misses for the same
// key id share a single fetch.
func (c *ELBKeyCache) Key(ctx context.Context, keyID string) (*KeyMaterial, error) {
	if keyID == "" {
		return nil, &KeyError{Source: sourceELB, Message: "empty key id", Cause: ErrMissingKeyID}
	}

	c.mu.RLock()
	km, ok := c.keys[keyID]
	c.mu.RUnlock()
	if ok {
		c.metrics.RecordCacheHit(sourceELB)
		return km, nil
	}
	c.metrics.RecordCacheMiss(sourceELB)

	v, err, _ := c.group.Do(keyID, func() (any, error) {
		c.mu.RLock()
		km, ok := c.keys[keyID]
		c.mu.RUnlock()
		if ok {
			return km, nil
		}
		return c.fetch(ctx, keyID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*KeyMaterial), nil
}

// Len returns the number of cached keys.
func (c *ELBKeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.keys)
}

func (c *ELBKeyCache) fetch(ctx context.Context, keyID string) (*KeyMaterial, error) {
	if !c.limiter.Allow() {
		return nil, &KeyError{Source: sourceELB, Ref: keyID, Message: "key fetch rate limit exceeded", Cause: ErrKeyFetch}
	}

	start := time.Now()
	km, err := c.fetchKey(ctx, keyID)
	if err != nil {
		c.metrics.RecordKeyFetch(sourceELB, statusError, time.Since(start))
		return nil, err
	}
	c.metrics.RecordKeyFetch(sourceELB, statusSuccess, time.Since(start))

	c.mu.Lock()
	c.keys[keyID] = km
	c.mu.Unlock()

	c.logger.Debug("load balancer key cached",
		observability.String("key_id", keyID),
		observability.String("endpoint", c.baseURL),
	)

	return km, nil
}

func (c *ELBKeyCache) fetchKey(ctx context.Context, keyID string) (*KeyMaterial, error) {
	endpoint := c.baseURL + "/" + url.PathEscape(keyID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &KeyError{Source: sourceELB, Ref: keyID, Message: fmt.Sprintf("building request: %v", err), Cause: ErrKeyFetch}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &KeyError{Source: sourceELB, Ref: keyID, Message: fmt.Sprintf("request failed: %v", err), Cause: ErrKeyFetch}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &KeyError{
			Source:  sourceELB,
			Ref:     keyID,
			Message: fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Cause:   ErrKeyFetch,
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBodySize))
	if err != nil {
		return nil, &KeyError{Source: sourceELB, Ref: keyID, Message: fmt.Sprintf("reading response: %v", err), Cause: ErrKeyFetch}
	}

	pub, err := ParseECDSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, &KeyError{Source: sourceELB, Ref: keyID, Message: fmt.Sprintf("parsing key: %v", err), Cause: ErrInvalidKey}
	}

	return &KeyMaterial{
		KeyID:     keyID,
		Algorithm: AlgES256,
		Key:       pub,
		FetchedAt: time.Now(),
	}, nil
}

// ParseECDSAPublicKeyFromPEM parses a PEM-encoded ECDSA public key in
// PKIX form, the format the load balancer key endpoint serves.
func ParseECDSAPublicKeyFromPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}

	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("key is %T, not an ECDSA public key", pub)
	}

	return ecPub, nil
}
