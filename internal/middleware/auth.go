// Package middleware provides HTTP middleware for the API server.
package middleware

import (
	"context"
	"net/http"

	"github.com/capitalize-ai/chat-core/internal/auth"
	"github.com/capitalize-ai/chat-core/pkg/apperr"
)

// ContextKey is a type for context keys.
type ContextKey string

const (
	// UserIDKey is the context key for user ID.
	UserIDKey ContextKey = "user_id"
)

// Auth creates token authentication middleware. With no sources the token
// is read from the Authorization header only. Cookie sources are never
// accepted here because nothing on the REST surface checks the origin.
func Auth(verifier auth.Verifier, sources ...auth.TokenSource) func(http.Handler) http.Handler {
	if len(sources) == 0 {
		sources = []auth.TokenSource{auth.FromHeader}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := auth.TokenFromRequest(r, sources...)
			if token == "" {
				apperr.WriteHTTP(w, apperr.Unauthenticated("missing token"))
				return
			}

			userID, err := verifier.Verify(token)
			if err != nil {
				apperr.WriteHTTP(w, apperr.Unauthenticated("invalid token"))
				return
			}

			rememberUser(r.Context(), userID)
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// WithUserID returns a context carrying the authenticated user.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID gets user ID from context.
func GetUserID(ctx context.Context) string {
	if v, ok := ctx.Value(UserIDKey).(string); ok {
		return v
	}
	return ""
}
