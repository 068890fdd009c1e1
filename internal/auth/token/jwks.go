package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/albguard/albguard/internal/observability"
)

// JSONWebKeySet is a JWKS document as served by an issuer.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// Find returns the key with the given kid.
func (s *JSONWebKeySet) Find(keyID string) (*JSONWebKey, bool) {
	for i := range s.Keys {
		if s.Keys[i].Kid == keyID {
			return &s.Keys[i], true
		}
	}
	return nil, false
}

// JSONWebKey is a single key within a JWKS document.
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
	Kid string `json:"kid,omitempty"`

	// RSA components.
	N string `json:"n,omitempty"`
	E string `json:"e,omitempty"`

	// EC components.
	Crv string `json:"crv,omitempty"`
	X   string `json:"x,omitempty"`
	Y   string `json:"y,omitempty"`
}

// PublicKey converts the JWK to a crypto.PublicKey.
func (k *JSONWebKey) PublicKey() (crypto.PublicKey, error) {
	switch k.Kty {
	case "RSA":
		return k.rsaPublicKey()
	case "EC":
		return k.ecdsaPublicKey()
	default:
		return nil, fmt.Errorf("unsupported key type %q", k.Kty)
	}
}

func (k *JSONWebKey) rsaPublicKey() (*rsa.PublicKey, error) {
	if k.N == "" || k.E == "" {
		return nil, fmt.Errorf("RSA key is missing n or e")
	}

	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("decoding modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("decoding exponent: %w", err)
	}

	e := 0
	for _, b := range eb {
		e = e<<8 + int(b)
	}
	if e == 0 {
		return nil, fmt.Errorf("exponent is zero")
	}

	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}

func (k *JSONWebKey) ecdsaPublicKey() (*ecdsa.PublicKey, error) {
	var curve elliptic.Curve
	switch k.Crv {
	case "P-256":
		curve = elliptic.P256()
	case "P-384":
		curve = elliptic.P384()
	case "P-521":
		curve = elliptic.P521()
	default:
		return nil, fmt.Errorf("unsupported curve %q", k.Crv)
	}

	if k.X == "" || k.Y == "" {
		return nil, fmt.Errorf("EC key is missing x or y")
	}

	xb, err := base64.RawURLEncoding.DecodeString(k.X)
	if err != nil {
		return nil, fmt.Errorf("decoding x coordinate: %w", err)
	}
	yb, err := base64.RawURLEncoding.DecodeString(k.Y)
	if err != nil {
		return nil, fmt.Errorf("decoding y coordinate: %w", err)
	}

	return &ecdsa.PublicKey{Curve: curve, X: new(big.Int).SetBytes(xb), Y: new(big.Int).SetBytes(yb)}, nil
}

// ParseJWKS parses a JWKS document.
func ParseJWKS(data []byte) (*JSONWebKeySet, error) {
	var set JSONWebKeySet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parsing JWKS document: %w", err)
	}
	return &set, nil
}

// jwksURL derives the well-known JWKS location for an issuer.
func jwksURL(issuer string) string {
	return strings.TrimSuffix(issuer, "/") + jwksPath
}

// JWKSSource resolves issuer signing keys by issuer and key id.
type JWKSSource interface {
	// Key returns the public key the issuer published under the given
	// key id.
	Key(ctx context.Context, issuer, keyID string) (*KeyMaterial, error)
}

// jwksEntry is a fetched, converted key set for one issuer.
type jwksEntry struct {
	keys      map[string]*KeyMaterial
	fetchedAt time.Time
}

func (e *jwksEntry) lookup(issuer, keyID string) (*KeyMaterial, error) {
	km, ok := e.keys[keyID]
	if !ok {
		return nil, &KeyError{
			Source:  sourceJWKS,
			Ref:     keyID,
			Message: fmt.Sprintf("key set for issuer %s has no such key", issuer),
			Cause:   ErrKeyNotFound,
		}
	}
	return km, nil
}

// JWKSCache fetches issuer JWKS documents and caches them per issuer.
// A cached document is served until its TTL elapses; the next request
// after expiry fetches the whole set again. A failed refresh fails the
// requests that needed it and is retried on the next miss.
type JWKSCache struct {
	ttl     time.Duration
	client  *http.Client
	limiter *rate.Limiter
	group   singleflight.Group
	now     func() time.Time
	logger  observability.Logger
	metrics *Metrics

	mu      sync.RWMutex
	entries map[string]*jwksEntry
}

var _ JWKSSource = (*JWKSCache)(nil)

// JWKSCacheOption configures a JWKSCache.
type JWKSCacheOption func(*JWKSCache)

// WithJWKSHTTPClient sets the HTTP client used for JWKS fetches.
func WithJWKSHTTPClient(client *http.Client) JWKSCacheOption {
	return func(c *JWKSCache) {
		if client != nil {
			c.client = client
		}
	}
}

// WithJWKSLogger sets the logger.
func WithJWKSLogger(logger observability.Logger) JWKSCacheOption {
	return func(c *JWKSCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithJWKSMetrics sets the metrics recorder.
func WithJWKSMetrics(metrics *Metrics) JWKSCacheOption {
	return func(c *JWKSCache) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithJWKSClock sets the time source used for TTL checks.
func WithJWKSClock(now func() time.Time) JWKSCacheOption {
	return func(c *JWKSCache) {
		if now != nil {
			c.now = now
		}
	}
}

// NewJWKSCache creates a per-issuer JWKS cache.
func NewJWKSCache(cfg *Config, opts ...JWKSCacheOption) (*JWKSCache, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}

	c := &JWKSCache{
		ttl:     cfg.GetEffectiveJWKSCacheTTL(),
		client:  &http.Client{Timeout: cfg.GetEffectiveFetchTimeout()},
		limiter: rate.NewLimiter(rate.Limit(cfg.GetEffectiveFetchRateLimit()), cfg.GetEffectiveFetchRateBurst()),
		now:     time.Now,
		logger:  observability.NopLogger(),
		entries: make(map[string]*jwksEntry),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.metrics == nil {
		c.metrics = GetSharedMetrics()
	}

	return c, nil
}

// Key returns the public key the issuer published under the given key
// id, fetching the issuer JWKS document when the cached copy is absent
// or stale. Concurrent misses for the same issuer share a single fetch.
func (c *JWKSCache) Key(ctx context.Context, issuer, keyID string) (*KeyMaterial, error) {
	if issuer == "" {
		return nil, &KeyError{Source: sourceJWKS, Message: "empty issuer", Cause: ErrMissingIssuer}
	}
	if keyID == "" {
		return nil, &KeyError{Source: sourceJWKS, Ref: issuer, Message: "empty key id", Cause: ErrMissingKeyID}
	}

	if e, ok := c.freshEntry(issuer); ok {
		c.metrics.RecordCacheHit(sourceJWKS)
		return e.lookup(issuer, keyID)
	}
	c.metrics.RecordCacheMiss(sourceJWKS)

	v, err, _ := c.group.Do(issuer, func() (any, error) {
		if e, ok := c.freshEntry(issuer); ok {
			return e, nil
		}
		return c.fetch(ctx, issuer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*jwksEntry).lookup(issuer, keyID)
}

// Len returns the number of cached issuer key sets.
func (c *JWKSCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *JWKSCache) freshEntry(issuer string) (*jwksEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[issuer]
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		return nil, false
	}
	return e, true
}

func (c *JWKSCache) fetch(ctx context.Context, issuer string) (*jwksEntry, error) {
	if !c.limiter.Allow() {
		return nil, &KeyError{Source: sourceJWKS, Ref: issuer, Message: "jwks fetch rate limit exceeded", Cause: ErrKeyFetch}
	}

	start := time.Now()
	entry, err := c.fetchKeySet(ctx, issuer)
	if err != nil {
		c.metrics.RecordKeyFetch(sourceJWKS, statusError, time.Since(start))
		return nil, err
	}
	c.metrics.RecordKeyFetch(sourceJWKS, statusSuccess, time.Since(start))

	c.mu.Lock()
	c.entries[issuer] = entry
	c.mu.Unlock()

	c.logger.Debug("jwks refreshed",
		observability.String("issuer", issuer),
		observability.Int("keys", len(entry.keys)),
	)

	return entry, nil
}

func (c *JWKSCache) fetchKeySet(ctx context.Context, issuer string) (*jwksEntry, error) {
	endpoint := jwksURL(issuer)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &KeyError{Source: sourceJWKS, Ref: issuer, Message: fmt.Sprintf("building request: %v", err), Cause: ErrKeyFetch}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &KeyError{Source: sourceJWKS, Ref: issuer, Message: fmt.Sprintf("request failed: %v", err), Cause: ErrKeyFetch}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &KeyError{
			Source:  sourceJWKS,
			Ref:     issuer,
			Message: fmt.Sprintf("endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			Cause:   ErrKeyFetch,
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxKeyBodySize))
	if err != nil {
		return nil, &KeyError{Source: sourceJWKS, Ref: issuer, Message: fmt.Sprintf("reading response: %v", err), Cause: ErrKeyFetch}
	}

	set, err := ParseJWKS(data)
	if err != nil {
		return nil, &KeyError{Source: sourceJWKS, Ref: issuer, Message: err.Error(), Cause: ErrKeyFetch}
	}

	entry := &jwksEntry{
		keys:      make(map[string]*KeyMaterial, len(set.Keys)),
		fetchedAt: c.now(),
	}
	for i := range set.Keys {
		k := &set.Keys[i]
		if k.Kid == "" {
			c.logger.Warn("skipping JWKS key without kid", observability.String("issuer", issuer))
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			c.logger.Warn("skipping unusable JWKS key",
				observability.String("issuer", issuer),
				observability.String("key_id", k.Kid),
				observability.Error(err),
			)
			continue
		}
		entry.keys[k.Kid] = &KeyMaterial{
			KeyID:     k.Kid,
			Algorithm: k.Alg,
			Issuer:    issuer,
			Key:       pub,
			FetchedAt: entry.fetchedAt,
		}
	}

	return entry, nil
}
