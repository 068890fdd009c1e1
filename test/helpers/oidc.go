// Package helpers provides common test utilities for the albguard
// end-to-end tests.
package helpers

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
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/stretchr/testify/require"
)

// KeyID is the key identifier the OIDC environment signs under.
const KeyID = "e2e-key"

// Issuer is the issuer written into identity tokens, matching the
// Cognito user pool URL shape.
const Issuer = "https://cognito-idp.eu-west-2.amazonaws.com/eu-west-2_e2e"

// OIDCEnvironment emulates the external parties of a deployment
// behind an authenticating load balancer: the regional endpoint
// serving the balancer's ECDSA signing key as PEM, and an identity
// provider publishing an RSA key set at the JWKS well-known path.
//
// Both endpoints run on local listeners. Tokens signed through the
// environment verify against them.
type OIDCEnvironment struct {
	ECKey  *ecdsa.PrivateKey
	RSAKey *rsa.PrivateKey

	// ELBKeyURL is the base URL serving the ECDSA public key at
	// ELBKeyURL/KeyID.
	ELBKeyURL string

	// IssuerURL is the base URL serving the RSA key set at
	// IssuerURL/.well-known/jwks.json. Access tokens must name it as
	// iss for JWKS discovery.
	IssuerURL string

	elbSrv  *httptest.Server
	jwksSrv *httptest.Server
}

// NewOIDCEnvironment generates fresh key pairs and starts both
// endpoints. Servers shut down with the test.
func NewOIDCEnvironment(t *testing.T) *OIDCEnvironment {
	t.Helper()

	env := &OIDCEnvironment{}

	var err error
	env.ECKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	env.RSAKey, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&env.ECKey.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	env.elbSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+KeyID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(pemKey)
	}))
	t.Cleanup(env.elbSrv.Close)
	env.ELBKeyURL = env.elbSrv.URL

	jwkKey, err := jwk.FromRaw(&env.RSAKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, KeyID))
	require.NoError(t, jwkKey.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(jwkKey))
	jwksDoc, err := json.Marshal(set)
	require.NoError(t, err)

	env.jwksSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksDoc)
	}))
	t.Cleanup(env.jwksSrv.Close)
	env.IssuerURL = env.jwksSrv.URL

	return env
}

// SignIdentityToken signs an identity token in the wire shape the
// load balancer produces: ES256 over padded base64url segments with a
// raw r||s signature. Overrides merge over a default user that is
// valid for an hour.
func (env *OIDCEnvironment) SignIdentityToken(t *testing.T, overrides map[string]any) string {
	t.Helper()

	claims := map[string]any{
		"sub":      "e2e-user",
		"username": "carol",
		"email":    "carol@example.com",
		"iss":      Issuer,
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}

	header := map[string]any{"alg": "ES256", "typ": "JWT", "kid": KeyID}
	input := encodeSegments(t, base64.URLEncoding, header, claims)

	sum := sha256.Sum256([]byte(input))
	r, s, err := ecdsa.Sign(rand.Reader, env.ECKey, sum[:])
	require.NoError(t, err)

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return input + "." + base64.URLEncoding.EncodeToString(sig)
}

// SignAccessToken signs an RS256 access token against the
// environment's issuer. Overrides merge over a default user in the
// readers group.
func (env *OIDCEnvironment) SignAccessToken(t *testing.T, overrides map[string]any) string {
	t.Helper()

	claims := map[string]any{
		"sub":            "e2e-user",
		"iss":            env.IssuerURL,
		"cognito:groups": []string{"readers"},
		"exp":            time.Now().Add(time.Hour).Unix(),
	}
	for k, v := range overrides {
		claims[k] = v
	}

	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": KeyID}
	input := encodeSegments(t, base64.RawURLEncoding, header, claims)

	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, env.RSAKey, crypto.SHA256, sum[:])
	require.NoError(t, err)

	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

func encodeSegments(t *testing.T, enc *base64.Encoding, header, claims map[string]any) string {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	cb, err := json.Marshal(claims)
	require.NoError(t, err)
	return enc.EncodeToString(hb) + "." + enc.EncodeToString(cb)
}
