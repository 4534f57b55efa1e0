package api

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	// AdminScope must appear in an admin token's scopes.
	AdminScope = "helm-pay:admin"
	// ReleaseScope lets a caller move funds: releases, paid transitions,
	// coordinated runs and reconciliation.
	ReleaseScope = "helm-pay:release"
)

// AdminClaims are the claims of an admin bearer token.
type AdminClaims struct {
	jwt.RegisteredClaims
	Scopes []string `json:"scopes"`
}

// AdminAuth issues and validates HS256 bearer tokens.
type AdminAuth struct {
	secret []byte
	clock  func() time.Time
}

// NewAdminAuth derives the HS256 signing key from secret. It returns nil
// for an empty secret; a nil AdminAuth rejects every admin request.
func NewAdminAuth(secret string) *AdminAuth {
	if secret == "" {
		return nil
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(secret), []byte("helm-pay"), []byte("admin-jwt"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil
	}
	return &AdminAuth{secret: key, clock: time.Now}
}

// Issue mints an admin token for subject valid for ttl.
func (a *AdminAuth) Issue(subject string, ttl time.Duration) (string, error) {
	return a.IssueScoped(subject, ttl, AdminScope)
}

// IssueScoped mints a token carrying scopes. A release token's subject is
// the caller's address, matched against a session's escrow agent.
func (a *AdminAuth) IssueScoped(subject string, ttl time.Duration, scopes ...string) (string, error) {
	if a == nil {
		return "", errors.New("api: admin auth not configured")
	}
	if len(scopes) == 0 {
		return "", errors.New("api: token needs at least one scope")
	}
	now := a.clock()
	claims := AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Scopes: scopes,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Validate parses and checks an admin token.
func (a *AdminAuth) Validate(token string) (*AdminClaims, error) {
	return a.validate(token, AdminScope)
}

// validate parses token and requires at least one of scopes.
func (a *AdminAuth) validate(token string, scopes ...string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if claims.Subject == "" {
		return nil, errors.New("token subject is required")
	}
	for _, scope := range scopes {
		if slices.Contains(claims.Scopes, scope) {
			return claims, nil
		}
	}
	return nil, fmt.Errorf("token lacks scope %s", strings.Join(scopes, " or "))
}

type claimsKey struct{}

// AdminSubject returns the token subject placed in ctx by the middleware.
func AdminSubject(ctx context.Context) string {
	if c := callerClaims(ctx); c != nil {
		return c.Subject
	}
	return ""
}

// HasScope reports whether the authenticated caller holds scope.
func HasScope(ctx context.Context, scope string) bool {
	c := callerClaims(ctx)
	return c != nil && slices.Contains(c.Scopes, scope)
}

func callerClaims(ctx context.Context) *AdminClaims {
	c, _ := ctx.Value(claimsKey{}).(*AdminClaims)
	return c
}

// Middleware admits only requests with a valid admin bearer token.
func (a *AdminAuth) Middleware(next http.Handler) http.Handler {
	return a.RequireScope(AdminScope)(next)
}

// RequireScope admits requests whose bearer token holds any of scopes.
func (a *AdminAuth) RequireScope(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" {
				WriteUnauthorized(w, r, "Missing Authorization header")
				return
			}
			scheme, token, ok := strings.Cut(header, " ")
			if !ok || scheme != "Bearer" {
				WriteUnauthorized(w, r, "Invalid Authorization header format (expected 'Bearer <token>')")
				return
			}
			if a == nil {
				WriteUnauthorized(w, r, "Authentication not configured")
				return
			}
			claims, err := a.validate(token, scopes...)
			if err != nil {
				WriteUnauthorized(w, r, "Invalid or expired token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}
