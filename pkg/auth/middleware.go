package auth

import (
	"net/http"
	"strings"

	apperrors "github.com/chainsafe/trichain-bridge/pkg/app/errors"
	apphttp "github.com/chainsafe/trichain-bridge/pkg/app/http"
)

// Operator scopes.
const (
	ScopeTransfer = "transfer"
	ScopeResolve  = "resolve"
)

// Middleware rejects requests without a valid bearer token carrying scope.
func Middleware(v *JWTValidator, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(nil, "missing bearer token"))
				return
			}

			claims, err := v.ValidateToken(token)
			if err != nil {
				apphttp.DefaultErrorHandler(w, apperrors.UnAuthorizedError(err, "invalid token"))
				return
			}
			if !claims.HasScope(scope) {
				apphttp.DefaultErrorHandler(w, apperrors.ForbiddenError(nil, "token lacks scope "+scope))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}
