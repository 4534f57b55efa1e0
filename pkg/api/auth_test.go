package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdminAuth_IssueAndValidate(t *testing.T) {
	a := NewAdminAuth("s3cret")
	tok, err := a.Issue("ops@example.com", time.Minute)
	require.NoError(t, err)

	claims, err := a.Validate(tok)
	require.NoError(t, err)
	assert.Equal(t, "ops@example.com", claims.Subject)
}

func TestAdminAuth_Rejects(t *testing.T) {
	a := NewAdminAuth("s3cret")
	other := NewAdminAuth("different")

	foreign, err := other.Issue("ops", time.Minute)
	require.NoError(t, err)
	_, err = a.Validate(foreign)
	assert.Error(t, err, "wrong key")

	expired, err := a.Issue("ops", -time.Minute)
	require.NoError(t, err)
	_, err = a.Validate(expired)
	assert.Error(t, err, "expired")

	noScope, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
	}).SignedString(a.secret)
	require.NoError(t, err)
	_, err = a.Validate(noScope)
	assert.Error(t, err, "missing scope")

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Scopes: []string{AdminScope},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = a.Validate(none)
	assert.Error(t, err, "alg none")

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		},
		Scopes: []string{AdminScope},
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = a.Validate(raw)
	assert.Error(t, err, "signed with the raw secret instead of the derived key")
}

func TestAdminAuth_RequireScope(t *testing.T) {
	a := NewAdminAuth("s3cret")
	var admin bool
	h := a.RequireScope(ReleaseScope, AdminScope)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin = HasScope(r.Context(), AdminScope)
		w.WriteHeader(http.StatusNoContent)
	}))
	call := func(tok string) int {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/sessions/1/releases", nil)
		r.Header.Set("Authorization", "Bearer "+tok)
		h.ServeHTTP(w, r)
		return w.Code
	}

	release, err := a.IssueScoped("0xescrow", time.Minute, ReleaseScope)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call(release))
	assert.False(t, admin)
	_, err = a.Validate(release)
	assert.Error(t, err, "release tokens are not admin tokens")

	ops, err := a.Issue("ops", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, call(ops))
	assert.True(t, admin)

	other, err := a.IssueScoped("0xescrow", time.Minute, "helm-pay:read")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, call(other))

	_, err = a.IssueScoped("ops", time.Minute)
	assert.Error(t, err, "no scopes")
}

func TestAdminAuth_MiddlewareFailsClosed(t *testing.T) {
	var reached bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reached = true
		assert.Equal(t, "ops", AdminSubject(r.Context()))
	})

	var unconfigured *AdminAuth
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	r.Header.Set("Authorization", "Bearer anything")
	unconfigured.Middleware(next).ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	a := NewAdminAuth("s3cret")
	for _, header := range []string{"", "Basic abc", "Bearer not-a-jwt"} {
		w = httptest.NewRecorder()
		r = httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
		if header != "" {
			r.Header.Set("Authorization", header)
		}
		a.Middleware(next).ServeHTTP(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code, header)
	}
	assert.False(t, reached)

	tok, err := a.Issue("ops", time.Minute)
	require.NoError(t, err)
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodPost, "/v1/admin/pause", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	a.Middleware(next).ServeHTTP(w, r)
	assert.True(t, reached)
}

func TestIPRateLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rl := NewIPRateLimiter(1, 2)
	rl.clock = func() time.Time { return now }
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	call := func(addr string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		r.RemoteAddr = addr
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1001").Code)
	denied := call("10.0.0.1:1002")
	assert.Equal(t, http.StatusTooManyRequests, denied.Code)
	assert.Equal(t, "1", denied.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, call("10.0.0.2:1000").Code, "other clients unaffected")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, call("10.0.0.1:1003").Code, "bucket refills")

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 2, rl.Sweep())
}
