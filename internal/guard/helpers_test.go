package guard

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/authz"
)

const testKeyID = "test-kid"

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
// over base64url segments with a raw r||s signature.
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

	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	require.NoError(t, err)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(data, &claims))

	mutate(claims)

	out, err := json.Marshal(claims)
	require.NoError(t, err)
	parts[1] = base64.RawURLEncoding.EncodeToString(out)
	return strings.Join(parts, ".")
}

// guardFixture bundles the key pairs and fake endpoints backing a test
// Guard: a load balancer key endpoint serving the ECDSA public key and
// an issuer serving the RSA key as JWKS.
type guardFixture struct {
	ecKey  *ecdsa.PrivateKey
	rsaKey *rsa.PrivateKey

	elbSrv     *httptest.Server
	elbFetches atomic.Int64

	jwksSrv     *httptest.Server
	jwksFetches atomic.Int64

	issuer string
}

func newGuardFixture(t *testing.T) *guardFixture {
	t.Helper()

	f := &guardFixture{}

	var err error
	f.ecKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f.rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&f.ecKey.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	f.elbSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.elbFetches.Add(1)
		if strings.TrimPrefix(r.URL.Path, "/") != testKeyID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(pemKey)
	}))
	t.Cleanup(f.elbSrv.Close)

	jwkKey, err := jwk.FromRaw(&f.rsaKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, jwkKey.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(jwkKey))
	jwksDoc, err := json.Marshal(set)
	require.NoError(t, err)

	f.jwksSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.jwksFetches.Add(1)
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksDoc)
	}))
	t.Cleanup(f.jwksSrv.Close)
	f.issuer = f.jwksSrv.URL

	return f
}

func (f *guardFixture) config(rules *authz.RulesConfig) *Config {
	return &Config{
		ELBKeyBaseURL: f.elbSrv.URL,
		Rules:         rules,
	}
}

func (f *guardFixture) newGuard(t *testing.T, rules *authz.RulesConfig, opts ...Option) Guard {
	t.Helper()
	g, err := New(f.config(rules), opts...)
	require.NoError(t, err)
	return g
}

// identityToken signs an identity token with overrides merged over the
// default test user. Segments are padded the way the load balancer
// emits them.
func (f *guardFixture) identityToken(t *testing.T, overrides map[string]any) string {
	t.Helper()
	claims := map[string]any{
		"sub":            "user-1",
		"username":       "alice",
		"email":          "alice@example.com",
		"email_verified": "true",
		"iss":            "https://cognito-idp.eu-west-2.amazonaws.com/eu-west-2_test",
		"exp":            time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	return signES256Token(t, f.ecKey, testKeyID, claims, true)
}

// accessToken signs an access token with overrides merged over the
// default test user.
func (f *guardFixture) accessToken(t *testing.T, overrides map[string]any) string {
	t.Helper()
	claims := map[string]any{
		"sub":            "user-1",
		"iss":            f.issuer,
		"cognito:groups": []string{"readers"},
		"exp":            time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}
	return signRS256Token(t, f.rsaKey, testKeyID, claims)
}

// headers builds a request header carrying both default tokens.
func (f *guardFixture) headers(t *testing.T) http.Header {
	t.Helper()
	return authHeaders(f.identityToken(t, nil), f.accessToken(t, nil))
}

func authHeaders(identityToken, accessToken string) http.Header {
	h := http.Header{}
	if identityToken != "" {
		h.Set(auth.HeaderIdentityToken, identityToken)
	}
	if accessToken != "" {
		h.Set(auth.HeaderAccessToken, accessToken)
	}
	return h
}

func newTestRequest(t *testing.T, headers http.Header) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req
}
