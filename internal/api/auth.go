package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// RoleAdmin is the only role allowed on the admin routes.
const RoleAdmin = "admin"

// Claims are the JWT claims carried by admin tokens. Subject names the
// admin and ends up in audit records.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type ctxKey int

const actorKey ctxKey = iota

// Actor returns the authenticated admin for the request, or "" when the
// route is not authenticated.
func Actor(ctx context.Context) string {
	v, _ := ctx.Value(actorKey).(string)
	return v
}

// IssueToken signs an HS256 admin token.
func IssueToken(secret []byte, subject, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates signature, algorithm and expiry.
func ParseToken(secret []byte, raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// AuthMiddleware requires a Bearer token with the admin role.
func AuthMiddleware(secret []byte, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "authorization header is required")
				return
			}

			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(raw) == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "invalid authorization header format")
				return
			}

			claims, err := ParseToken(secret, strings.TrimSpace(raw))
			if err != nil {
				logger.Debug("rejected admin token", zap.Error(err))
				writeError(w, http.StatusUnauthorized, "unauthorized", "Unauthorized", "invalid or expired token")
				return
			}
			if claims.Role != RoleAdmin {
				writeError(w, http.StatusForbidden, "forbidden", "Forbidden", "admin role required")
				return
			}

			ctx := context.WithValue(r.Context(), actorKey, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
