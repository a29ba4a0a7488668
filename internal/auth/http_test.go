// ABOUTME: Tests for the auth HTTP middleware
// ABOUTME: Verifies bearer extraction, approval gating, and the admin requirement

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/chatgate/internal/store"
)

// fakeLookup returns canned accounts by id
type fakeLookup struct {
	accounts map[string]*store.Account
}

func (f *fakeLookup) Get(ctx context.Context, id string) (*store.Account, error) {
	acct, ok := f.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return acct, nil
}

func newTestMiddleware(t *testing.T) (*fakeLookup, *JWTVerifier, http.Handler) {
	t.Helper()
	lookup := &fakeLookup{accounts: map[string]*store.Account{
		"user-1":  {ID: "user-1", Username: "alice", Status: store.StatusApproved, Role: store.RoleUser},
		"admin-1": {ID: "admin-1", Username: "boss", Status: store.StatusApproved, Role: store.RoleAdmin},
		"pend-1":  {ID: "pend-1", Username: "pat", Status: store.StatusPending, Role: store.RoleUser},
	}}
	v := newTestVerifier(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCtx := FromContext(r.Context())
		require.NotNil(t, authCtx)
		w.Write([]byte(authCtx.AccountID))
	})
	return lookup, v, Middleware(lookup, v)(inner)
}

func doRequest(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestMiddleware_ValidToken(t *testing.T) {
	_, v, handler := newTestMiddleware(t)

	token, err := v.Generate("user-1")
	require.NoError(t, err)

	rec := doRequest(handler, token)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-1", rec.Body.String())
}

func TestMiddleware_MissingHeader(t *testing.T) {
	_, _, handler := newTestMiddleware(t)

	rec := doRequest(handler, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_UnknownAccount(t *testing.T) {
	_, v, handler := newTestMiddleware(t)

	token, err := v.Generate("ghost")
	require.NoError(t, err)

	rec := doRequest(handler, token)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddleware_UnapprovedAccountForbidden(t *testing.T) {
	_, v, handler := newTestMiddleware(t)

	token, err := v.Generate("pend-1")
	require.NoError(t, err)

	rec := doRequest(handler, token)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "not approved")
}

func TestRequireAdmin(t *testing.T) {
	lookup, v, _ := newTestMiddleware(t)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := Middleware(lookup, v)(RequireAdmin()(inner))

	adminToken, err := v.Generate("admin-1")
	require.NoError(t, err)
	userToken, err := v.Generate("user-1")
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, doRequest(handler, adminToken).Code)
	assert.Equal(t, http.StatusForbidden, doRequest(handler, userToken).Code)
}

func TestTokenFromRequest_QueryFallback(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/ws?token=query-token", nil)
	assert.Equal(t, "query-token", TokenFromRequest(req))

	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", TokenFromRequest(req))
}
