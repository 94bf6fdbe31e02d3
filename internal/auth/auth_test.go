package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintAndVerifyRoundTrip(t *testing.T) {
	v := NewVerifier("test-secret", false)
	token, err := v.MintToken("op-1", []string{RoleOperator})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	p, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "op-1", p.Subject)
	assert.Equal(t, []string{RoleOperator}, p.Roles)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	minter := NewVerifier("secret-a", false)
	token, err := minter.MintToken("op-1", []string{RoleOperator})
	require.NoError(t, err)

	v := NewVerifier("secret-b", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	_, err = v.VerifyRequest(req)
	assert.Error(t, err)
}

func TestVerifyRequiresBearerHeader(t *testing.T) {
	v := NewVerifier("test-secret", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := v.VerifyRequest(req)
	assert.Error(t, err)
}

func TestDisabledVerifierGrantsFounder(t *testing.T) {
	v := NewVerifier("", false)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	p, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.True(t, p.HasRole(RoleAuditor))
}

func TestDevHeaderPrincipal(t *testing.T) {
	v := NewVerifier("test-secret", true)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Local-Dev-Principal", "dev@local")
	p, err := v.VerifyRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "dev@local", p.Subject)
	assert.True(t, p.HasRole(RoleFounder))
}

func TestFounderSatisfiesEveryRole(t *testing.T) {
	p := Principal{Subject: "f", Roles: []string{RoleFounder}}
	assert.True(t, p.HasRole(RoleOperator))
	assert.True(t, p.HasRole(RoleAuditor))

	op := Principal{Subject: "o", Roles: []string{RoleOperator}}
	assert.True(t, op.HasRole(RoleOperator))
	assert.False(t, op.HasRole(RoleAuditor))
}

func TestRequireRoleMiddleware(t *testing.T) {
	v := NewVerifier("test-secret", false)
	token, err := v.MintToken("aud-1", []string{RoleAuditor})
	require.NoError(t, err)

	handler := v.Middleware(RequireRole(RoleFounder)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
