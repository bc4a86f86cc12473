package middleware

import (
	"context"
	"net/http"
	"time"
)

// Timeout puts a deadline of d on the request context. Handlers observe it
// through the context and write their own timeout response.
func Timeout(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), d)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
