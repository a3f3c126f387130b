package auth

import (
	"context"
	"net/http"

	"school-portal/internal/token"
)

type claimsKey struct{}

// Middleware rejects requests without a valid access token and stores the
// verified claims in the request context.
func Middleware(service *Service, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := service.VerifyAccessToken(r.Header.Get("Authorization"))
		if err != nil {
			WriteError(w, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

// RequireRole wraps an authenticated handler and answers 403 unless the
// caller holds one of roles.
func RequireRole(next http.Handler, roles ...Role) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[string(role)] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := ClaimsFromContext(r.Context())
		if !ok {
			WriteError(w, ErrUnauthorized)
			return
		}
		if _, ok := allowed[claims.Role]; !ok {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*token.Claims)
	return claims, ok && claims != nil
}
