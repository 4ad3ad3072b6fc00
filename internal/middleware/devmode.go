package middleware

import (
	"net/http"
	"os"
)

// AppEnv reports the deployment environment from APP_ENV. Empty means an
// ad-hoc local run; "development" and "production" are the deployed tiers.
func AppEnv() string {
	return os.Getenv("APP_ENV")
}

// DevModeOnly restricts a route to explicit development runs. Debug surfaces
// fail closed everywhere else, including local runs without APP_ENV set.
func DevModeOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AppEnv() != "development" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"debug endpoints require APP_ENV=development"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}
