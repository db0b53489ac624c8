package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
)

type contextKeyOperatorID struct{}

// OperatorID retrieves the authenticated operator from the request context.
func OperatorID(ctx context.Context) string {
	id, _ := ctx.Value(contextKeyOperatorID{}).(string)
	return id
}

// RequireAuth enforces a valid operator bearer token.
func RequireAuth(tokens *TokenService, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			const bearerPrefix = "Bearer "
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), bearerPrefix)
			if !ok {
				unauthorized(w, "missing bearer token")
				return
			}
			claims, err := tokens.ValidateToken(token)
			if err != nil {
				logger.WarnContext(r.Context(), "unauthorized operator request",
					"path", r.URL.Path, "error", err)
				unauthorized(w, "invalid or expired token")
				return
			}
			ctx := context.WithValue(r.Context(), contextKeyOperatorID{}, claims.OperatorID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"unauthorized","error_description":"` + description + `"}`))
}
