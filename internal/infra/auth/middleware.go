package auth

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/xela07ax/x402-paygate/internal/domain"
)

// OperatorVerifier — интерфейс, который реализует BaseValidator для консоли
type OperatorVerifier interface {
	VerifyOperator(tokenStr string) (*domain.OperatorClaims, error)
}

// SessionVerifier — проверка токена управляющей сессии, его реализует BaseValidator для шлюза
type SessionVerifier interface {
	VerifySession(tokenStr string) (*domain.SessionClaims, error)
}

type (
	ctxKey        struct{}
	sessionCtxKey struct{}
)

func NewMiddleware(v OperatorVerifier, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyOperator(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithOperator(r.Context(), claims)))
		})
	}
}

// RequireScope пропускает только операторов с нужным правом.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := OperatorFromContext(r.Context())
			if !ok || !(claims.Scopes[scope] || claims.Scopes["admin"]) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithOperator(ctx context.Context, c *domain.OperatorClaims) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

func OperatorFromContext(ctx context.Context) (*domain.OperatorClaims, bool) {
	c, ok := ctx.Value(ctxKey{}).(*domain.OperatorClaims)
	return c, ok
}

func WithSession(ctx context.Context, c *domain.SessionClaims) context.Context {
	return context.WithValue(ctx, sessionCtxKey{}, c)
}

func SessionFromContext(ctx context.Context) (*domain.SessionClaims, bool) {
	c, ok := ctx.Value(sessionCtxKey{}).(*domain.SessionClaims)
	return c, ok
}
