// ABOUTME: HTTP middleware for JWT authentication on API endpoints
// ABOUTME: Extracts JWT from Authorization header and adds the account to context

package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/finsight/chatgate/internal/store"
)

// AccountLookup loads accounts for authenticated requests.
// The account lifecycle service implements this.
type AccountLookup interface {
	Get(ctx context.Context, id string) (*store.Account, error)
}

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the "token" query parameter. Websocket clients cannot set
// headers from browsers, so the query form is accepted on the ws endpoint.
func TokenFromRequest(r *http.Request) string {
	if token, errMsg := extractBearerToken(r.Header.Get("Authorization")); errMsg == "" {
		return token
	}
	return r.URL.Query().Get("token")
}

// Authenticate verifies the token, loads the account, and requires approved
// status. It is shared between the HTTP middleware and the websocket handshake.
func Authenticate(ctx context.Context, accounts AccountLookup, verifier TokenVerifier, token string) (*AuthContext, int, string) {
	if token == "" {
		return nil, http.StatusUnauthorized, "missing token"
	}

	accountID, err := verifier.Verify(token)
	if err != nil {
		return nil, http.StatusUnauthorized, "invalid token"
	}

	acct, err := accounts.Get(ctx, accountID)
	if err != nil {
		return nil, http.StatusUnauthorized, "account not found"
	}

	if acct.Status != store.StatusApproved {
		return nil, http.StatusForbidden, "account is not approved"
	}

	return &AuthContext{
		AccountID: acct.ID,
		Username:  acct.Username,
		Role:      acct.Role,
	}, 0, ""
}

// Middleware creates an HTTP middleware that extracts and validates JWT
// tokens, requiring an approved account.
func Middleware(accounts AccountLookup, verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			authCtx, status, errMsg := Authenticate(r.Context(), accounts, verifier, token)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, status)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// RequireAdmin creates an HTTP middleware that requires the admin role.
// Must be used after Middleware.
func RequireAdmin() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authCtx := FromContext(r.Context())
			if authCtx == nil {
				http.Error(w, `{"error":"not authenticated"}`, http.StatusUnauthorized)
				return
			}

			if !authCtx.IsAdmin() {
				http.Error(w, `{"error":"admin role required"}`, http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
