package token

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticELBKeys is an ELBKeySource returning a fixed key or error.
type staticELBKeys struct {
	km  *KeyMaterial
	err error
}

func (s *staticELBKeys) Key(_ context.Context, _ string) (*KeyMaterial, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.km, nil
}

// staticJWKSKeys is a JWKSSource returning a fixed key or error.
type staticJWKSKeys struct {
	km  *KeyMaterial
	err error
}

func (s *staticJWKSKeys) Key(_ context.Context, _, _ string) (*KeyMaterial, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.km, nil
}

func segmentEncoding(padded bool) *base64.Encoding {
	if padded {
		return base64.URLEncoding
	}
	return base64.RawURLEncoding
}

func buildSigningInput(t *testing.T, header, claims map[string]any, padded bool) string {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	cb, err := json.Marshal(claims)
	require.NoError(t, err)
	enc := segmentEncoding(padded)
	return enc.EncodeToString(hb) + "." + enc.EncodeToString(cb)
}

// signES256Token builds a token the way the load balancer does: ES256
// over base64url segments with a raw r||s signature. The load balancer
// pads its segments, so tests exercise both forms.
func signES256Token(t *testing.T, key *ecdsa.PrivateKey, kid string, claims map[string]any, padded bool) string {
	t.Helper()

	header := map[string]any{"alg": "ES256", "typ": "JWT", "kid": kid}
	input := buildSigningInput(t, header, claims, padded)

	sum := sha256.Sum256([]byte(input))
	r, s, err := ecdsa.Sign(rand.Reader, key, sum[:])
	require.NoError(t, err)

	byteSize := (key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*byteSize)
	r.FillBytes(sig[:byteSize])
	s.FillBytes(sig[byteSize:])

	return input + "." + segmentEncoding(padded).EncodeToString(sig)
}

func signRS256Token(t *testing.T, key *rsa.PrivateKey, kid string, claims map[string]any) string {
	t.Helper()

	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": kid}
	input := buildSigningInput(t, header, claims, false)

	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, sum[:])
	require.NoError(t, err)

	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// tamperClaims re-encodes the payload with a mutation while keeping the
// original signature.
func tamperClaims(t *testing.T, token string, mutate func(map[string]any)) string {
	t.Helper()

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)

	data, err := decodeSegment(parts[1])
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(data, &claims))

	mutate(claims)

	out, err := json.Marshal(claims)
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(out)
	return strings.Join(parts, ".")
}

func elbKeyMaterial(key *ecdsa.PrivateKey, kid string) *KeyMaterial {
	return &KeyMaterial{KeyID: kid, Algorithm: AlgES256, Key: &key.PublicKey, FetchedAt: time.Now()}
}

func TestVerifier_VerifyIdentityToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		padded bool
	}{
		{name: "padded segments", padded: true},
		{name: "raw segments", padded: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			key := generateECDSAKey(t)
			srv, _ := newELBKeyServer(t, map[string][]byte{
				"kid-1": encodePublicKeyPEM(t, &key.PublicKey),
			})

			verifier, err := NewVerifier(&Config{ELBKeyBaseURL: srv.URL})
			require.NoError(t, err)

			token := signES256Token(t, key, "kid-1", map[string]any{
				"sub":            "user-1",
				"username":       "alice",
				"email":          "alice@example.com",
				"email_verified": "true",
				"iss":            "https://issuer.example.com",
				"exp":            time.Now().Add(time.Hour).Unix(),
			}, tt.padded)

			claims, err := verifier.VerifyIdentityToken(context.Background(), token)
			require.NoError(t, err)
			assert.Equal(t, "user-1", claims.String("sub"))
			assert.Equal(t, "alice", claims.String("username"))
			assert.Equal(t, "alice@example.com", claims.String("email"))
			assert.True(t, claims.Bool("email_verified"))
		})
	}
}

func TestVerifier_VerifyIdentityToken_CachesKey(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)
	srv, fetches := newELBKeyServer(t, map[string][]byte{
		"kid-1": encodePublicKeyPEM(t, &key.PublicKey),
	})

	verifier, err := NewVerifier(&Config{ELBKeyBaseURL: srv.URL})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		token := signES256Token(t, key, "kid-1", map[string]any{
			"sub": "user-1",
			"exp": time.Now().Add(time.Hour).Unix(),
		}, true)
		_, err := verifier.VerifyIdentityToken(context.Background(), token)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), fetches.Load())
}

func TestVerifier_VerifyIdentityToken_Expired(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)
	verifier, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{km: elbKeyMaterial(key, "kid-1")}))
	require.NoError(t, err)

	token := signES256Token(t, key, "kid-1", map[string]any{
		"sub": "user-1",
		"exp": time.Now().Add(-time.Minute).Unix(),
	}, true)

	_, err = verifier.VerifyIdentityToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, IsExpired(err))
}

func TestVerifier_VerifyIdentityToken_ExpiryBoundary(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0)
	key := generateECDSAKey(t)

	newVerifier := func(t *testing.T) Verifier {
		v, err := NewVerifier(nil,
			WithELBKeys(&staticELBKeys{km: elbKeyMaterial(key, "kid-1")}),
			WithClock(func() time.Time { return now }),
		)
		require.NoError(t, err)
		return v
	}

	t.Run("exp equal to now is expired", func(t *testing.T) {
		t.Parallel()
		token := signES256Token(t, key, "kid-1", map[string]any{"sub": "u", "exp": now.Unix()}, true)
		_, err := newVerifier(t).VerifyIdentityToken(context.Background(), token)
		assert.True(t, IsExpired(err))
	})

	t.Run("exp one second ahead is valid", func(t *testing.T) {
		t.Parallel()
		token := signES256Token(t, key, "kid-1", map[string]any{"sub": "u", "exp": now.Unix() + 1}, true)
		_, err := newVerifier(t).VerifyIdentityToken(context.Background(), token)
		assert.NoError(t, err)
	})
}

func TestVerifier_VerifyIdentityToken_NoExpiryClaim(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)
	verifier, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{km: elbKeyMaterial(key, "kid-1")}))
	require.NoError(t, err)

	token := signES256Token(t, key, "kid-1", map[string]any{"sub": "user-1"}, true)

	claims, err := verifier.VerifyIdentityToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.String("sub"))
}

func TestVerifier_VerifyIdentityToken_Tampered(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)
	verifier, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{km: elbKeyMaterial(key, "kid-1")}))
	require.NoError(t, err)

	token := signES256Token(t, key, "kid-1", map[string]any{
		"sub":   "user-1",
		"email": "alice@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}, true)

	tampered := tamperClaims(t, token, func(claims map[string]any) {
		claims["email"] = "admin@corp.example.com"
	})

	_, err = verifier.VerifyIdentityToken(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestVerifier_VerifyIdentityToken_WrongAlgorithm(t *testing.T) {
	t.Parallel()

	t.Run("rs256 token", func(t *testing.T) {
		t.Parallel()

		srv, fetches := newELBKeyServer(t, map[string][]byte{})
		verifier, err := NewVerifier(&Config{ELBKeyBaseURL: srv.URL})
		require.NoError(t, err)

		rsaKey := generateRSAKey(t)
		token := signRS256Token(t, rsaKey, "kid-1", map[string]any{"sub": "u"})

		_, err = verifier.VerifyIdentityToken(context.Background(), token)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnexpectedAlgorithm))

		// Rejected before any key material is looked up.
		assert.Equal(t, int64(0), fetches.Load())
	})

	t.Run("alg none", func(t *testing.T) {
		t.Parallel()

		verifier, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{err: errors.New("must not be called")}))
		require.NoError(t, err)

		input := buildSigningInput(t, map[string]any{"alg": "none", "typ": "JWT", "kid": "kid-1"}, map[string]any{"sub": "u"}, false)
		_, err = verifier.VerifyIdentityToken(context.Background(), input+".")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnexpectedAlgorithm))
	})
}

func TestVerifier_VerifyIdentityToken_MissingKid(t *testing.T) {
	t.Parallel()

	verifier, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{err: errors.New("must not be called")}))
	require.NoError(t, err)

	input := buildSigningInput(t, map[string]any{"alg": "ES256", "typ": "JWT"}, map[string]any{"sub": "u"}, false)
	_, err = verifier.VerifyIdentityToken(context.Background(), input+".AAAA")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingKeyID))
}

func TestVerifier_VerifyIdentityToken_Malformed(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)

	newTestVerifier := func(t *testing.T) Verifier {
		v, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{km: elbKeyMaterial(key, "kid-1")}))
		require.NoError(t, err)
		return v
	}

	headerSeg := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","kid":"kid-1"}`))

	tests := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty token", token: "", expected: ErrTokenEmpty},
		{name: "one segment", token: "justonesegment", expected: ErrTokenMalformed},
		{name: "two segments", token: "a.b", expected: ErrTokenMalformed},
		{name: "four segments", token: "a.b.c.d", expected: ErrTokenMalformed},
		{name: "header not base64", token: "!!!.a.b", expected: ErrTokenMalformed},
		{
			name:     "header not json",
			token:    base64.RawURLEncoding.EncodeToString([]byte("hello")) + ".a.b",
			expected: ErrTokenMalformed,
		},
		{
			name:     "signature not base64",
			token:    headerSeg + "." + base64.RawURLEncoding.EncodeToString([]byte(`{"sub":"u"}`)) + ".!!!",
			expected: ErrTokenMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newTestVerifier(t).VerifyIdentityToken(context.Background(), tt.token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.expected))
		})
	}

	t.Run("signed non-json payload", func(t *testing.T) {
		t.Parallel()

		payloadSeg := base64.RawURLEncoding.EncodeToString([]byte("not json at all"))
		input := headerSeg + "." + payloadSeg
		sum := sha256.Sum256([]byte(input))
		r, s, err := ecdsa.Sign(rand.Reader, key, sum[:])
		require.NoError(t, err)
		sig := make([]byte, 64)
		r.FillBytes(sig[:32])
		s.FillBytes(sig[32:])
		token := input + "." + base64.RawURLEncoding.EncodeToString(sig)

		_, err = newTestVerifier(t).VerifyIdentityToken(context.Background(), token)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrTokenMalformed))
	})
}

func TestVerifier_VerifyIdentityToken_KeyFetchFailure(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)
	srv, _ := newELBKeyServer(t, map[string][]byte{})
	url := srv.URL
	srv.Close()

	verifier, err := NewVerifier(&Config{ELBKeyBaseURL: url})
	require.NoError(t, err)

	token := signES256Token(t, key, "kid-1", map[string]any{"sub": "u"}, true)

	_, err = verifier.VerifyIdentityToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, IsKeyFetch(err))
}

func TestVerifier_VerifyIdentityToken_EmptyTokenShortCircuits(t *testing.T) {
	t.Parallel()

	srv, fetches := newELBKeyServer(t, map[string][]byte{})
	verifier, err := NewVerifier(&Config{ELBKeyBaseURL: srv.URL})
	require.NoError(t, err)

	_, err = verifier.VerifyIdentityToken(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTokenEmpty))
	assert.Equal(t, int64(0), fetches.Load())
}

func TestVerifier_VerifyIdentityToken_WrongKeyType(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	verifier, err := NewVerifier(nil, WithELBKeys(&staticELBKeys{
		km: &KeyMaterial{KeyID: "kid-1", Key: &rsaKey.PublicKey},
	}))
	require.NoError(t, err)

	ecKey := generateECDSAKey(t)
	token := signES256Token(t, ecKey, "kid-1", map[string]any{"sub": "u"}, true)

	_, err = verifier.VerifyIdentityToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestVerifier_VerifyAccessToken(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	srv := newJWKSServer(t, buildJWKSDocument(t, "kid-1", &rsaKey.PublicKey))

	verifier, err := NewVerifier(nil)
	require.NoError(t, err)

	token := signRS256Token(t, rsaKey, "kid-1", map[string]any{
		"sub":            "user-1",
		"iss":            srv.srv.URL,
		"cognito:groups": []string{"admins", "readers"},
		"scope":          "openid email",
		"exp":            time.Now().Add(time.Hour).Unix(),
	})

	claims, err := verifier.VerifyAccessToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.String("sub"))
	assert.Equal(t, []string{"admins", "readers"}, claims.StringSlice("cognito:groups"))
	assert.Equal(t, int64(1), srv.fetches.Load())

	// A second token from the same issuer reuses the cached key set.
	token2 := signRS256Token(t, rsaKey, "kid-1", map[string]any{
		"sub": "user-2",
		"iss": srv.srv.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = verifier.VerifyAccessToken(context.Background(), token2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.fetches.Load())
}

func TestVerifier_VerifyAccessToken_Expired(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	srv := newJWKSServer(t, buildJWKSDocument(t, "kid-1", &rsaKey.PublicKey))

	verifier, err := NewVerifier(nil)
	require.NoError(t, err)

	token := signRS256Token(t, rsaKey, "kid-1", map[string]any{
		"sub": "user-1",
		"iss": srv.srv.URL,
		"exp": time.Now().Add(-time.Minute).Unix(),
	})

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, IsExpired(err))
}

func TestVerifier_VerifyAccessToken_MissingIssuer(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	verifier, err := NewVerifier(nil, WithJWKSKeys(&staticJWKSKeys{err: errors.New("must not be called")}))
	require.NoError(t, err)

	token := signRS256Token(t, rsaKey, "kid-1", map[string]any{"sub": "user-1"})

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingIssuer))
}

func TestVerifier_VerifyAccessToken_UnknownKid(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	srv := newJWKSServer(t, buildJWKSDocument(t, "kid-1", &rsaKey.PublicKey))

	verifier, err := NewVerifier(nil)
	require.NoError(t, err)

	token := signRS256Token(t, rsaKey, "kid-2", map[string]any{
		"sub": "user-1",
		"iss": srv.srv.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func TestVerifier_VerifyAccessToken_Tampered(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	srv := newJWKSServer(t, buildJWKSDocument(t, "kid-1", &rsaKey.PublicKey))

	verifier, err := NewVerifier(nil)
	require.NoError(t, err)

	token := signRS256Token(t, rsaKey, "kid-1", map[string]any{
		"sub":   "user-1",
		"iss":   srv.srv.URL,
		"scope": "openid",
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	tampered := tamperClaims(t, token, func(claims map[string]any) {
		claims["scope"] = "openid admin"
	})

	_, err = verifier.VerifyAccessToken(context.Background(), tampered)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestVerifier_VerifyAccessToken_WrongAlgorithm(t *testing.T) {
	t.Parallel()

	ecKey := generateECDSAKey(t)
	verifier, err := NewVerifier(nil, WithJWKSKeys(&staticJWKSKeys{err: errors.New("must not be called")}))
	require.NoError(t, err)

	token := signES256Token(t, ecKey, "kid-1", map[string]any{"sub": "u", "iss": "https://issuer.example.com"}, false)

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedAlgorithm))
}

func TestVerifier_VerifyAccessToken_IssuerUnreachable(t *testing.T) {
	t.Parallel()

	rsaKey := generateRSAKey(t)
	srv := newJWKSServer(t, buildJWKSDocument(t, "kid-1", &rsaKey.PublicKey))
	issuer := srv.srv.URL
	srv.srv.Close()

	verifier, err := NewVerifier(nil)
	require.NoError(t, err)

	token := signRS256Token(t, rsaKey, "kid-1", map[string]any{
		"sub": "user-1",
		"iss": issuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, IsKeyFetch(err))
}

func TestVerifier_VerifyAccessToken_WrongIssuerKey(t *testing.T) {
	t.Parallel()

	signingKey := generateRSAKey(t)
	publishedKey := generateRSAKey(t)
	srv := newJWKSServer(t, buildJWKSDocument(t, "kid-1", &publishedKey.PublicKey))

	verifier, err := NewVerifier(nil)
	require.NoError(t, err)

	// Signed with a key the claimed issuer never published.
	token := signRS256Token(t, signingKey, "kid-1", map[string]any{
		"sub": "user-1",
		"iss": srv.srv.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidSignature))
}

func TestVerifier_VerifyAccessToken_WrongKeyType(t *testing.T) {
	t.Parallel()

	ecKey := generateECDSAKey(t)
	verifier, err := NewVerifier(nil, WithJWKSKeys(&staticJWKSKeys{
		km: &KeyMaterial{KeyID: "kid-1", Key: &ecKey.PublicKey},
	}))
	require.NoError(t, err)

	rsaKey := generateRSAKey(t)
	token := signRS256Token(t, rsaKey, "kid-1", map[string]any{
		"sub": "u",
		"iss": "https://issuer.example.com",
	})

	_, err = verifier.VerifyAccessToken(context.Background(), token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidKey))
}

func TestNewVerifier(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		t.Parallel()
		verifier, err := NewVerifier(nil)
		require.NoError(t, err)
		assert.NotNil(t, verifier)
	})

	t.Run("invalid config", func(t *testing.T) {
		t.Parallel()
		_, err := NewVerifier(&Config{FetchRateLimit: -1})
		assert.Error(t, err)
	})
}

func TestVerifier_RecordsMetrics(t *testing.T) {
	t.Parallel()

	key := generateECDSAKey(t)
	metrics := NewMetrics("verifier_test")
	verifier, err := NewVerifier(nil,
		WithELBKeys(&staticELBKeys{km: elbKeyMaterial(key, "kid-1")}),
		WithMetrics(metrics),
	)
	require.NoError(t, err)

	good := signES256Token(t, key, "kid-1", map[string]any{
		"sub": "u",
		"exp": time.Now().Add(time.Hour).Unix(),
	}, true)
	_, err = verifier.VerifyIdentityToken(context.Background(), good)
	require.NoError(t, err)

	_, err = verifier.VerifyIdentityToken(context.Background(), "not.a.token")
	require.Error(t, err)

	success, err := metrics.verificationsTotal.GetMetricWithLabelValues(tokenClassIdentity, statusSuccess)
	require.NoError(t, err)
	var dto io_prometheus_client.Metric
	require.NoError(t, success.Write(&dto))
	assert.Equal(t, float64(1), dto.GetCounter().GetValue())

	failure, err := metrics.verificationsTotal.GetMetricWithLabelValues(tokenClassIdentity, statusError)
	require.NoError(t, err)
	var dtoErr io_prometheus_client.Metric
	require.NoError(t, failure.Write(&dtoErr))
	assert.Equal(t, float64(1), dtoErr.GetCounter().GetValue())
}
