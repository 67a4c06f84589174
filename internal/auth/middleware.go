package auth

import (
	"errors"
	"net/http"
	"strings"
)

// Middleware wraps a handler with bearer-token authentication. With
// authentication disabled the handler is served directly.
func Middleware(a *Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			http.Error(w, `{"error": "invalid authorization header format"}`, http.StatusUnauthorized)
			return
		}

		if _, err := a.ValidateToken(parts[1]); err != nil {
			if errors.Is(err, ErrExpiredToken) {
				http.Error(w, `{"error": "token has expired"}`, http.StatusUnauthorized)
			} else {
				http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			}
			return
		}

		next.ServeHTTP(w, r)
	})
}
