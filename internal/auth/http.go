// ABOUTME: HTTP middleware for bearer authentication and scope checks on API endpoints
// ABOUTME: Extracts the credential from the Authorization header and adds the identity to context

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// BearerToken extracts a bearer token from the Authorization header.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrInvalidCredential
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingCredential
	}
	return token, nil
}

// Authenticate resolves the request's credential. With a nil validator
// every request is anonymous.
func Authenticate(ctx context.Context, v Validator, r *http.Request) (*Identity, error) {
	if v == nil {
		return Anonymous(), nil
	}
	token, err := BearerToken(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	return v.Validate(ctx, token)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}

// Middleware authenticates every request and attaches the identity.
func Middleware(v Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := Authenticate(r.Context(), v, r)
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="coven-runtime"`)
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

// RequireScope rejects requests whose identity lacks scope. Must be used
// after Middleware.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := FromContext(r.Context())
			if id == nil {
				writeError(w, http.StatusUnauthorized, "not authenticated")
				return
			}
			if !id.HasScope(scope) {
				writeError(w, http.StatusForbidden, scope+" scope required")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
