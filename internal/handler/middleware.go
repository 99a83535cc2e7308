package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"carpool-auth/internal/model"
	"carpool-auth/internal/repository/scylla"
	"carpool-auth/internal/service"
	"carpool-auth/internal/token"
	"carpool-auth/internal/util"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type contextKey int

const (
	grantContextKey contextKey = iota
	userContextKey
)

// AuthMiddleware guards protected routes: it verifies the bearer token,
// rejects revoked token ids, loads the account and requires it to be active.
type AuthMiddleware struct {
	issuer *token.Issuer
	auth   *service.AuthService
	users  scylla.UserStore
}

func NewAuthMiddleware(issuer *token.Issuer, auth *service.AuthService, users scylla.UserStore) *AuthMiddleware {
	return &AuthMiddleware{issuer: issuer, auth: auth, users: users}
}

func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			respondUnauthorized(w, "Not authorized, no token provided")
			return
		}

		grant, err := m.issuer.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			if errors.Is(err, token.ErrTokenExpired) {
				respondUnauthorized(w, "Session expired, please log in again")
				return
			}
			respondUnauthorized(w, "Not authorized, invalid token")
			return
		}

		revoked, err := m.auth.IsTokenRevoked(r.Context(), grant.TokenID)
		if err != nil {
			util.Warn("Token revocation check failed", util.ErrorField(err))
		} else if revoked {
			respondUnauthorized(w, "Session expired, please log in again")
			return
		}

		user, err := m.users.GetUserByID(r.Context(), grant.UserID)
		if err != nil {
			respondUnauthorized(w, "Not authorized, user no longer exists")
			return
		}
		if !user.IsActive {
			respondUnauthorized(w, "Account registration is not complete")
			return
		}

		ctx := context.WithValue(r.Context(), grantContextKey, grant)
		ctx = context.WithValue(ctx, userContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GrantFrom returns the verified token grant placed by AuthMiddleware.
func GrantFrom(ctx context.Context) *token.Grant {
	grant, _ := ctx.Value(grantContextKey).(*token.Grant)
	return grant
}

// UserFrom returns the authenticated account placed by AuthMiddleware.
func UserFrom(ctx context.Context) *model.User {
	user, _ := ctx.Value(userContextKey).(*model.User)
	return user
}

// LoggerMiddleware logs every request with its outcome.
func LoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			defer func() {
				logger.Info("HTTP request",
					util.String("method", r.Method),
					util.String("path", r.URL.Path),
					util.String("remote_addr", r.RemoteAddr),
					util.Int("status", ww.Status()),
					util.Duration("duration", time.Since(start)),
					util.String("user_agent", r.UserAgent()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
