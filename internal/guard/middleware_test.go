package guard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/albguard/albguard/internal/auth"
	"github.com/albguard/albguard/internal/authz"
)

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestMiddleware_Allowed(t *testing.T) {
	t.Parallel()

	f := newGuardFixture(t)
	g := f.newGuard(t, nil)

	var seen *auth.Identity
	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := auth.IdentityFromContext(r.Context())
		require.True(t, ok)
		seen = identity
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newTestRequest(t, f.headers(t)))

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "user-1", seen.Subject())
}

func TestMiddleware_MissingTokens(t *testing.T) {
	t.Parallel()

	f := newGuardFixture(t)
	g := f.newGuard(t, nil)

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for denied requests")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newTestRequest(t, nil))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "missing_token", body["error"])
	assert.Equal(t, "authentication required", body["message"])
}

func TestMiddleware_Unauthorized(t *testing.T) {
	t.Parallel()

	f := newGuardFixture(t)
	g := f.newGuard(t, &authz.RulesConfig{Domains: []string{"other.com"}})

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for denied requests")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newTestRequest(t, f.headers(t)))

	assert.Equal(t, http.StatusForbidden, rec.Code)

	body := decodeErrorBody(t, rec)
	assert.Equal(t, "unauthorized", body["error"])
	assert.Equal(t, "access denied", body["message"])
}

func TestMiddleware_ExpiredToken(t *testing.T) {
	t.Parallel()

	f := newGuardFixture(t)
	g := f.newGuard(t, nil)

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for denied requests")
	}))

	identity := f.identityToken(t, map[string]any{"exp": 1})
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newTestRequest(t, authHeaders(identity, f.accessToken(t, nil))))

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "expired_token", decodeErrorBody(t, rec)["error"])
}

func TestMiddleware_DenyTargetRedirects(t *testing.T) {
	t.Parallel()

	f := newGuardFixture(t)
	cfg := f.config(nil)
	cfg.DenyTarget = "https://gds-idea.click/401.html"
	g, err := New(cfg)
	require.NoError(t, err)

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler must not run for denied requests")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newTestRequest(t, nil))

	assert.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://gds-idea.click/401.html", rec.Header().Get("Location"))
}

func TestMiddleware_DenyTargetDoesNotAffectAllowed(t *testing.T) {
	t.Parallel()

	f := newGuardFixture(t)
	cfg := f.config(nil)
	cfg.DenyTarget = "https://gds-idea.click/401.html"
	g, err := New(cfg)
	require.NoError(t, err)

	handler := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newTestRequest(t, f.headers(t)))

	assert.Equal(t, http.StatusNoContent, rec.Code)
}
