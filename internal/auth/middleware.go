package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type ctxKey int

const principalKey ctxKey = 1

func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// Middleware rejects the request with 401 unless it carries a valid, unexpired
// bearer access token, and attaches the Principal to the request context.
func Middleware(signer *TokenSigner, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing or malformed authorization token")
			return
		}

		claims, err := signer.Verify(tokenStr, VerifyOptions{})
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired")
				return
			}
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := WithPrincipal(r.Context(), Principal{
			UserID:  claims.Subject,
			Email:   claims.Email,
			Roles:   claims.Roles,
			ChainID: claims.ChainID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles answers 403 unless the principal holds at least one of roles.
// It must run behind Middleware.
func RequireRoles(roles []string, next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		allowed[role] = struct{}{}
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := PrincipalFromContext(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		for _, role := range principal.Roles {
			if _, ok := allowed[role]; ok {
				next.ServeHTTP(w, r)
				return
			}
		}

		writeError(w, http.StatusForbidden, "insufficient role")
	})
}

// Protect chains Middleware and, when roles is non-empty, RequireRoles.
func Protect(signer *TokenSigner, roles []string, next http.Handler) http.Handler {
	if len(roles) > 0 {
		next = RequireRoles(roles, next)
	}
	return Middleware(signer, next)
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	tokenStr := strings.TrimSpace(parts[1])
	if tokenStr == "" {
		return "", false
	}

	return tokenStr, true
}
