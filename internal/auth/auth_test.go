// ABOUTME: Tests for credential validators and HTTP middleware
// ABOUTME: Covers JWT scopes and expiry, bcrypt static tokens, chaining and scope gates

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSecret is a 32-byte secret that meets MinSecretLength.
var testSecret = []byte("coven-runtime-test-secret-32by!!")

func TestJWTValidator_RoundTrip(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	token, err := v.Generate("ci-bot", []string{ScopeTasksRead, ScopeTasksWrite}, time.Hour)
	require.NoError(t, err)

	id, err := v.Validate(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "ci-bot", id.Subject)
	assert.True(t, id.HasScope(ScopeTasksWrite))
	assert.False(t, id.HasScope(ScopeAdmin))
}

func TestJWTValidator_Rejects(t *testing.T) {
	v, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	other, err := NewJWTValidator([]byte("a-different-secret-also-32-bytes"))
	require.NoError(t, err)
	foreign, _ := other.Generate("x", nil, time.Hour)

	expired, _ := v.Generate("x", nil, -time.Minute)

	noSub, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(testSecret)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-jwt", ErrInvalidCredential},
		{"wrong secret", foreign, ErrInvalidCredential},
		{"expired", expired, ErrExpiredCredential},
		{"missing sub", noSub, ErrInvalidCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Validate(t.Context(), tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewJWTValidator_ShortSecret(t *testing.T) {
	_, err := NewJWTValidator([]byte("short"))
	assert.Error(t, err)
}

func TestStaticValidator(t *testing.T) {
	hash, err := HashToken("s3cret-token")
	require.NoError(t, err)

	v, err := NewStaticValidator([]StaticToken{{Subject: "ops", Hash: hash, Scopes: []string{ScopeAdmin}}})
	require.NoError(t, err)

	id, err := v.Validate(t.Context(), "s3cret-token")
	require.NoError(t, err)
	assert.Equal(t, "ops", id.Subject)
	assert.True(t, id.HasScope(ScopeTasksRead), "admin implies other scopes")

	_, err = v.Validate(t.Context(), "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = NewStaticValidator([]StaticToken{{Subject: "ops", Hash: "plaintext"}})
	assert.Error(t, err, "unhashed tokens are rejected at construction")
}

func TestChain(t *testing.T) {
	jv, err := NewJWTValidator(testSecret)
	require.NoError(t, err)
	hash, err := HashToken("static-1")
	require.NoError(t, err)
	sv, err := NewStaticValidator([]StaticToken{{Subject: "svc", Hash: hash, Scopes: []string{ScopeTasksRead}}})
	require.NoError(t, err)

	chain := Chain{jv, sv}

	token, _ := jv.Generate("user", []string{ScopeTasksWrite}, time.Hour)
	id, err := chain.Validate(t.Context(), token)
	require.NoError(t, err)
	assert.Equal(t, "user", id.Subject)

	id, err = chain.Validate(t.Context(), "static-1")
	require.NoError(t, err)
	assert.Equal(t, "svc", id.Subject)

	expired, _ := jv.Generate("user", nil, -time.Minute)
	_, err = chain.Validate(t.Context(), expired)
	assert.ErrorIs(t, err, ErrExpiredCredential)

	_, err = chain.Validate(t.Context(), "")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = BearerToken("bearer  abc ")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	_, err = BearerToken("")
	assert.ErrorIs(t, err, ErrMissingCredential)
	_, err = BearerToken("Basic dXNlcg==")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = BearerToken("Bearer ")
	assert.ErrorIs(t, err, ErrMissingCredential)
}

func TestMiddleware(t *testing.T) {
	jv, err := NewJWTValidator(testSecret)
	require.NoError(t, err)

	var got *Identity
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := Middleware(jv)(RequireScope(ScopeAdmin)(inner))

	serve := func(token string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/agents", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusUnauthorized, serve(""))
	assert.Equal(t, http.StatusUnauthorized, serve("junk.junk.junk"))

	reader, _ := jv.Generate("reader", []string{ScopeTasksRead}, time.Hour)
	assert.Equal(t, http.StatusForbidden, serve(reader))

	admin, _ := jv.Generate("root", []string{ScopeAdmin}, time.Hour)
	assert.Equal(t, http.StatusNoContent, serve(admin))
	require.NotNil(t, got)
	assert.Equal(t, "root", got.Subject)
}

func TestMiddleware_NoValidatorIsAnonymous(t *testing.T) {
	var got *Identity
	h := Middleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	require.NotNil(t, got)
	assert.Equal(t, AnonymousSubject, got.Subject)
	assert.True(t, got.HasScope(ScopeAdmin))
}
