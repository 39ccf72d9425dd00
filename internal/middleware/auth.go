package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/garyvish82-droid/hoodcup/internal/pkg/jwt"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/logger"
	"github.com/garyvish82-droid/hoodcup/internal/pkg/response"
)

type contextKey string

const (
	PrincipalKey contextKey = "principal"
	RoleKey      contextKey = "role"
)

// Auth returns middleware that validates JWT
func Auth(jwtService *jwt.Service) func(http.Handler) http.Handler {
	return authenticate(jwtService, false)
}

// AuthWithQueryToken is Auth that also accepts ?token= for clients that
// cannot set headers, such as browser websockets.
func AuthWithQueryToken(jwtService *jwt.Service) func(http.Handler) http.Handler {
	return authenticate(jwtService, true)
}

func authenticate(jwtService *jwt.Service, allowQuery bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok && allowQuery {
				token = r.URL.Query().Get("token")
				ok = token != ""
			}
			if !ok {
				if r.Header.Get("Authorization") == "" {
					response.Unauthorized(w, "Missing authorization header")
				} else {
					response.Unauthorized(w, "Invalid authorization header format")
				}
				return
			}

			claims, err := jwtService.ValidateAccessToken(token)
			if err != nil {
				if errors.Is(err, jwt.ErrExpiredToken) {
					response.Unauthorized(w, "Token expired")
				} else {
					response.Unauthorized(w, "Invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), PrincipalKey, claims.Subject)
			ctx = context.WithValue(ctx, RoleKey, claims.Role)

			l := logger.FromContext(ctx).With().Str("role", claims.Role).Logger()
			ctx = logger.WithContext(ctx, &l)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// GetPrincipal extracts the authenticated subject from context
func GetPrincipal(ctx context.Context) string {
	if p, ok := ctx.Value(PrincipalKey).(string); ok {
		return p
	}
	return ""
}

// GetRole extracts role from context
func GetRole(ctx context.Context) string {
	if role, ok := ctx.Value(RoleKey).(string); ok {
		return role
	}
	return ""
}

// RequireRole returns middleware that checks user role
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userRole := GetRole(r.Context())

			for _, role := range roles {
				if userRole == role {
					next.ServeHTTP(w, r)
					return
				}
			}

			response.Forbidden(w, "Insufficient permissions")
		})
	}
}

// RequireStaff returns middleware that requires a staff token
func RequireStaff() func(http.Handler) http.Handler {
	return RequireRole(jwt.RoleStaff)
}

// RequireCustomer returns middleware that requires a customer token
func RequireCustomer() func(http.Handler) http.Handler {
	return RequireRole(jwt.RoleCustomer)
}
