package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/albguard/albguard/internal/observability"
)

// Signing algorithms accepted per token kind.
const (
	// AlgES256 is the algorithm load balancer identity tokens are
	// signed with.
	AlgES256 = "ES256"

	// AlgRS256 is the algorithm issuer access tokens are signed with.
	AlgRS256 = "RS256"
)

// Verifier checks the signed tokens the load balancer forwards.
type Verifier interface {
	// VerifyIdentityToken verifies the load balancer signed identity
	// token and returns its claims.
	VerifyIdentityToken(ctx context.Context, token string) (Claims, error)

	// VerifyAccessToken verifies the issuer signed access token and
	// returns its claims. The issuer is read from the token payload
	// before verification to locate its key set.
	VerifyAccessToken(ctx context.Context, token string) (Claims, error)
}

// verifier implements Verifier backed by an ELB key cache and a JWKS
// cache.
type verifier struct {
	elbKeys  ELBKeySource
	jwksKeys JWKSSource
	logger   observability.Logger
	metrics  *Metrics
	now      func() time.Time
}

var _ Verifier = (*verifier)(nil)

// VerifierOption configures a verifier.
type VerifierOption func(*verifier)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) VerifierOption {
	return func(v *verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(metrics *Metrics) VerifierOption {
	return func(v *verifier) {
		if metrics != nil {
			v.metrics = metrics
		}
	}
}

// WithELBKeys sets the load balancer key source.
func WithELBKeys(source ELBKeySource) VerifierOption {
	return func(v *verifier) {
		if source != nil {
			v.elbKeys = source
		}
	}
}

// WithJWKSKeys sets the issuer key source.
func WithJWKSKeys(source JWKSSource) VerifierOption {
	return func(v *verifier) {
		if source != nil {
			v.jwksKeys = source
		}
	}
}

// WithClock sets the time source used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *verifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewVerifier creates a Verifier. Key sources not supplied through
// options are built from cfg.
func NewVerifier(cfg *Config, opts ...VerifierOption) (Verifier, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token config: %w", err)
	}

	v := &verifier{
		logger: observability.NopLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	if v.metrics == nil {
		v.metrics = GetSharedMetrics()
	}

	if v.elbKeys == nil {
		cache, err := NewELBKeyCache(cfg, WithELBLogger(v.logger), WithELBMetrics(v.metrics))
		if err != nil {
			return nil, err
		}
		v.elbKeys = cache
	}

	if v.jwksKeys == nil {
		cache, err := NewJWKSCache(cfg, WithJWKSLogger(v.logger), WithJWKSMetrics(v.metrics))
		if err != nil {
			return nil, err
		}
		v.jwksKeys = cache
	}

	return v, nil
}

// VerifyIdentityToken implements Verifier.
func (v *verifier) VerifyIdentityToken(ctx context.Context, token string) (Claims, error) {
	start := time.Now()
	claims, err := v.verifyIdentity(ctx, token)
	v.metrics.RecordVerification(tokenClassIdentity, statusOf(err), time.Since(start))
	if err != nil {
		v.logger.Debug("identity token rejected", observability.Error(err))
		return nil, err
	}
	return claims, nil
}

// VerifyAccessToken implements Verifier.
func (v *verifier) VerifyAccessToken(ctx context.Context, token string) (Claims, error) {
	start := time.Now()
	claims, err := v.verifyAccess(ctx, token)
	v.metrics.RecordVerification(tokenClassAccess, statusOf(err), time.Since(start))
	if err != nil {
		v.logger.Debug("access token rejected", observability.Error(err))
		return nil, err
	}
	return claims, nil
}

func (v *verifier) verifyIdentity(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return nil, &ValidationError{Message: "identity token is empty", Cause: ErrTokenEmpty}
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &ValidationError{Message: fmt.Sprintf("token must have 3 segments, got %d", len(parts)), Cause: ErrTokenMalformed}
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, err
	}
	if header.Alg != AlgES256 {
		return nil, &ValidationError{Message: fmt.Sprintf("identity token uses algorithm %q, want %s", header.Alg, AlgES256), Cause: ErrUnexpectedAlgorithm}
	}
	if header.Kid == "" {
		return nil, &ValidationError{Message: "identity token header has no kid", Cause: ErrMissingKeyID}
	}

	km, err := v.elbKeys.Key(ctx, header.Kid)
	if err != nil {
		return nil, err
	}
	pub, ok := km.Key.(*ecdsa.PublicKey)
	if !ok {
		return nil, &KeyError{Source: sourceELB, Ref: header.Kid, Message: fmt.Sprintf("key is %T, not an ECDSA public key", km.Key), Cause: ErrInvalidKey}
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decoding signature: %v", err), Cause: ErrTokenMalformed}
	}
	if err := verifyES256(pub, parts[0]+"."+parts[1], sig); err != nil {
		return nil, &ValidationError{Message: "identity token signature verification failed", Cause: ErrInvalidSignature}
	}

	claims, err := decodeClaims(parts[1])
	if err != nil {
		return nil, err
	}
	if err := v.checkExpiry(claims); err != nil {
		return nil, err
	}

	return claims, nil
}

func (v *verifier) verifyAccess(ctx context.Context, token string) (Claims, error) {
	if token == "" {
		return nil, &ValidationError{Message: "access token is empty", Cause: ErrTokenEmpty}
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil, &ValidationError{Message: fmt.Sprintf("token must have 3 segments, got %d", len(parts)), Cause: ErrTokenMalformed}
	}

	header, err := decodeHeader(parts[0])
	if err != nil {
		return nil, err
	}
	if header.Alg != AlgRS256 {
		return nil, &ValidationError{Message: fmt.Sprintf("access token uses algorithm %q, want %s", header.Alg, AlgRS256), Cause: ErrUnexpectedAlgorithm}
	}
	if header.Kid == "" {
		return nil, &ValidationError{Message: "access token header has no kid", Cause: ErrMissingKeyID}
	}

	// The payload is decoded before signature verification because the
	// issuer claim locates the key set that can verify it. Claims are
	// only returned to the caller after the signature checks out.
	claims, err := decodeClaims(parts[1])
	if err != nil {
		return nil, err
	}
	issuer := claims.String("iss")
	if issuer == "" {
		return nil, &ValidationError{Message: "access token has no issuer claim", Cause: ErrMissingIssuer}
	}

	km, err := v.jwksKeys.Key(ctx, issuer, header.Kid)
	if err != nil {
		return nil, err
	}
	pub, ok := km.Key.(*rsa.PublicKey)
	if !ok {
		return nil, &KeyError{Source: sourceJWKS, Ref: header.Kid, Message: fmt.Sprintf("key is %T, not an RSA public key", km.Key), Cause: ErrInvalidKey}
	}

	sig, err := decodeSegment(parts[2])
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decoding signature: %v", err), Cause: ErrTokenMalformed}
	}
	if err := verifyRS256(pub, parts[0]+"."+parts[1], sig); err != nil {
		return nil, &ValidationError{Message: "access token signature verification failed", Cause: ErrInvalidSignature}
	}

	if err := v.checkExpiry(claims); err != nil {
		return nil, err
	}

	return claims, nil
}

// checkExpiry rejects tokens whose exp claim is at or before the
// current time. Tokens without an exp claim do not expire.
func (v *verifier) checkExpiry(claims Claims) error {
	exp, ok := claims.Time("exp")
	if !ok {
		return nil
	}
	if now := v.now(); !exp.After(now) {
		return &ValidationError{Message: fmt.Sprintf("token expired at %s", exp.UTC().Format(time.RFC3339)), Cause: ErrTokenExpired}
	}
	return nil
}

// tokenHeader is the decoded JOSE header of a token. The load balancer
// adds signer, iss and client fields; they are ignored here.
type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
	Kid string `json:"kid,omitempty"`
}

func decodeHeader(segment string) (*tokenHeader, error) {
	data, err := decodeSegment(segment)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decoding header: %v", err), Cause: ErrTokenMalformed}
	}
	var header tokenHeader
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("parsing header: %v", err), Cause: ErrTokenMalformed}
	}
	return &header, nil
}

func decodeClaims(segment string) (Claims, error) {
	data, err := decodeSegment(segment)
	if err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("decoding payload: %v", err), Cause: ErrTokenMalformed}
	}
	var claims Claims
	if err := json.Unmarshal(data, &claims); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("parsing payload: %v", err), Cause: ErrTokenMalformed}
	}
	return claims, nil
}

// decodeSegment decodes a token segment. The load balancer emits padded
// base64url segments while standard JWTs omit padding, so both forms
// are accepted.
func decodeSegment(segment string) ([]byte, error) {
	if data, err := base64.RawURLEncoding.DecodeString(segment); err == nil {
		return data, nil
	}
	return base64.URLEncoding.DecodeString(segment)
}

// verifyES256 checks an ECDSA signature in the JWS raw form: the
// big-endian r and s values concatenated, each padded to the curve
// byte size.
func verifyES256(pub *ecdsa.PublicKey, signingInput string, sig []byte) error {
	byteSize := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*byteSize {
		return ErrInvalidSignature
	}

	r := new(big.Int).SetBytes(sig[:byteSize])
	s := new(big.Int).SetBytes(sig[byteSize:])

	sum := sha256.Sum256([]byte(signingInput))
	if !ecdsa.Verify(pub, sum[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// verifyRS256 checks an RSA PKCS#1 v1.5 signature over SHA-256.
func verifyRS256(pub *rsa.PublicKey, signingInput string, sig []byte) error {
	sum := sha256.Sum256([]byte(signingInput))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

func statusOf(err error) string {
	if err != nil {
		return statusError
	}
	return statusSuccess
}
