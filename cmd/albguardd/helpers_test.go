package main

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

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/authz"
	"github.com/albguard/albguard/internal/config"
	"github.com/albguard/albguard/internal/observability"
)

const fixtureKeyID = "daemon-test-kid"

// daemonFixture stands in for the two parties the daemon talks to:
// the load balancer key endpoint serving the ECDSA public key as PEM,
// and the identity provider serving the RSA key as JWKS.
type daemonFixture struct {
	ecKey  *ecdsa.PrivateKey
	rsaKey *rsa.PrivateKey

	keySrv *httptest.Server
	idpSrv *httptest.Server
}

func newDaemonFixture(t *testing.T) *daemonFixture {
	t.Helper()
	f := &daemonFixture{}

	var err error
	f.ecKey, err = ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	f.rsaKey, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&f.ecKey.PublicKey)
	require.NoError(t, err)
	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	f.keySrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/"+fixtureKeyID {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write(pemKey)
	}))
	t.Cleanup(f.keySrv.Close)

	jwkKey, err := jwk.FromRaw(&f.rsaKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, jwkKey.Set(jwk.KeyIDKey, fixtureKeyID))
	require.NoError(t, jwkKey.Set(jwk.AlgorithmKey, jwa.RS256))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(jwkKey))
	jwksDoc, err := json.Marshal(set)
	require.NoError(t, err)

	f.idpSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(jwksDoc)
	}))
	t.Cleanup(f.idpSrv.Close)

	return f
}

func encodeSegments(t *testing.T, enc *base64.Encoding, header, claims map[string]any) string {
	t.Helper()
	hb, err := json.Marshal(header)
	require.NoError(t, err)
	cb, err := json.Marshal(claims)
	require.NoError(t, err)
	return enc.EncodeToString(hb) + "." + enc.EncodeToString(cb)
}

// identityToken signs an identity token the way the load balancer
// emits it: ES256 over padded base64url segments with a raw r||s
// signature.
func (f *daemonFixture) identityToken(t *testing.T) string {
	t.Helper()

	claims := map[string]any{
		"sub":      "user-42",
		"username": "bob",
		"email":    "bob@example.com",
		"iss":      "https://cognito-idp.eu-west-2.amazonaws.com/eu-west-2_daemon",
		"exp":      time.Now().Add(time.Hour).Unix(),
	}
	header := map[string]any{"alg": "ES256", "typ": "JWT", "kid": fixtureKeyID}
	input := encodeSegments(t, base64.URLEncoding, header, claims)

	sum := sha256.Sum256([]byte(input))
	r, s, err := ecdsa.Sign(rand.Reader, f.ecKey, sum[:])
	require.NoError(t, err)

	// P-256 coordinates are 32 bytes each.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])

	return input + "." + base64.URLEncoding.EncodeToString(sig)
}

// accessToken signs an RS256 access token against the fixture issuer
// carrying the given group memberships.
func (f *daemonFixture) accessToken(t *testing.T, groups ...string) string {
	t.Helper()

	claims := map[string]any{
		"sub": "user-42",
		"iss": f.idpSrv.URL,
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(groups) > 0 {
		claims["cognito:groups"] = groups
	}
	header := map[string]any{"alg": "RS256", "typ": "JWT", "kid": fixtureKeyID}
	input := encodeSegments(t, base64.RawURLEncoding, header, claims)

	sum := sha256.Sum256([]byte(input))
	sig, err := rsa.SignPKCS1v15(rand.Reader, f.rsaKey, crypto.SHA256, sum[:])
	require.NoError(t, err)

	return input + "." + base64.RawURLEncoding.EncodeToString(sig)
}

// newConfig builds a daemon configuration pointed at the fixture
// endpoints.
func (f *daemonFixture) newConfig(rules *authz.RulesConfig) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Address = "127.0.0.1:0"
	cfg.Guard.ELBKeyBaseURL = f.keySrv.URL
	cfg.Guard.Rules = rules
	return cfg
}

// newApp wires a complete application against the fixture endpoints.
func (f *daemonFixture) newApp(t *testing.T, rules *authz.RulesConfig, mutate func(*config.Config)) *application {
	t.Helper()
	cfg := f.newConfig(rules)
	if mutate != nil {
		mutate(cfg)
	}
	return initApplication(cfg, observability.NopLogger())
}

// authRequest builds a forward-auth subrequest carrying both tokens
// for the default test user, a member of the readers group.
func (f *daemonFixture) authRequest(t *testing.T) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/auth", nil)
	req.Header.Set(auth.HeaderIdentityToken, f.identityToken(t))
	req.Header.Set(auth.HeaderAccessToken, f.accessToken(t, "readers"))
	return req
}

// serve runs one request through the daemon's full handler chain
// without binding a listener.
func serve(app *application, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	app.server.httpServer.Handler.ServeHTTP(w, req)
	return w
}
