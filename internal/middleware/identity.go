package middleware

import (
	"context"
	"net/http"
)

type userIDCtxKey struct{}

const headerUserID = "X-User-ID"

// publicPaths are exempt from identity checks.
var publicPaths = map[string]bool{
	"/health":       true,
	"/health/ready": true,
}

// Identity returns middleware that extracts the caller's user ID from the
// X-User-ID header set by the upstream gateway. Authentication itself happens
// at the gateway; this service only needs to know who the caller is.
// When required is false, a local development identity is injected for
// requests without the header.
func Identity(required bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			id := r.Header.Get(headerUserID)
			if id == "" {
				// WebSocket clients cannot always set headers; the gateway
				// rewrites ?user= into the header, but accept it directly too.
				id = r.URL.Query().Get("user")
			}
			if id == "" {
				if required {
					http.Error(w, `{"error":"identity required"}`, http.StatusUnauthorized)
					return
				}
				id = "local-dev"
			}

			ctx := context.WithValue(r.Context(), userIDCtxKey{}, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserID returns the caller's user ID from the request context.
// Returns an empty string if no identity was set.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(userIDCtxKey{}).(string)
	return id
}
