/*
auth.go - Bearer token authentication

PURPOSE:
  Verifies HS256 JWTs on /api routes and puts the caller's Principal in the
  request context. Handlers use it to check that a caller only changes
  their own allocations unless they hold the admin role.

TOKENS:
  Issued by POST /api/auth/token after a bcrypt password check.
  Claims: sub (user id), role ("user" | "admin"), iat, exp.
  The role is the user's stored role; `slice-server role` grants admin.

DEV BYPASS:
  With auth.dev_bypass every request runs as an admin principal and no
  token is read. NewAuthenticator logs this at WARN; it is for local
  development only.
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/slice/allocation-engine/allocation"
)

const (
	RoleUser  = allocation.RoleUser
	RoleAdmin = allocation.RoleAdmin

	DefaultTokenTTL = 24 * time.Hour
	tokenIssuer     = "slice"
)

var ErrUnauthorized = errors.New("unauthorized")

// Claims is the JWT payload.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Principal identifies the authenticated caller.
type Principal struct {
	UserID allocation.UserID
	Role   string
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

// CanActFor reports whether the caller may change userID's allocations.
func (p Principal) CanActFor(userID allocation.UserID) bool {
	return p.IsAdmin() || p.UserID == userID
}

type principalKey struct{}

// PrincipalFrom returns the caller stored by the auth middleware.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator issues and verifies tokens.
type Authenticator struct {
	secret    []byte
	devBypass bool
	ttl       time.Duration
	now       func() time.Time
}

func NewAuthenticator(secret string, devBypass bool, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if devBypass {
		logger.Warn("AUTH DEV BYPASS ENABLED: every request is treated as admin; never use this outside local development")
	}
	return &Authenticator{
		secret:    []byte(secret),
		devBypass: devBypass,
		ttl:       DefaultTokenTTL,
		now:       time.Now,
	}
}

// IssueToken signs a token for the user.
func (a *Authenticator) IssueToken(userID allocation.UserID, role string) (string, time.Time, error) {
	now := a.now()
	expires := now.Add(a.ttl)
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(a.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", ErrUnauthorized)
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.devBypass {
			p := Principal{UserID: "dev", Role: RoleAdmin}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
			return
		}

		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Missing bearer token", nil)
			return
		}
		claims, err := a.Verify(raw)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Invalid token", err)
			return
		}

		p := Principal{UserID: allocation.UserID(claims.Subject), Role: claims.Role}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, p)))
	})
}

// RequireAdmin must run after Middleware.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.IsAdmin() {
			writeError(w, http.StatusForbidden, "Admin role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
