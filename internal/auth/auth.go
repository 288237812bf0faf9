// Package auth verifies the bearer tokens presented to telemetryd.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"

	"beacon/internal/logger"
)

// Roles that may delete data belonging to other users.
const (
	RoleAdmin   = "admin"
	RolePrivacy = "privacy"
)

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrEmptySecret  = errors.New("auth: secret is required")
)

// Claims are the token claims. Subject names the user the token acts for.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller attached to a request context.
type Principal struct {
	Subject string
	Role    string
}

// CanDelete reports whether the principal may erase userID's data.
func (p Principal) CanDelete(userID string) bool {
	if p.Role == RoleAdmin || p.Role == RolePrivacy {
		return true
	}
	return p.Subject != "" && p.Subject == userID
}

type principalKey struct{}

// WithPrincipal returns ctx carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal set by Middleware.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// Authenticator issues and verifies HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// New builds an Authenticator. issuer is checked on verification when set.
func New(secret, issuer string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// IssueToken signs a token for subject with an optional role.
func (a *Authenticator) IssueToken(subject, role string) (string, error) {
	now := a.now()
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string.
func (a *Authenticator) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Middleware rejects requests without a valid bearer token with 401 and
// attaches the Principal otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := bearerToken(r)
		if err == nil {
			var claims *Claims
			if claims, err = a.Verify(token); err == nil {
				p := Principal{Subject: claims.Subject, Role: claims.Role}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
				return
			}
		}

		log := logger.WithRequestID(r.Header.Get("X-Request-ID"))
		log.Debug().
			Err(err).
			Str("path", r.URL.Path).
			Msg("request rejected: unauthenticated")

		w.Header().Set("WWW-Authenticate", `Bearer realm="telemetryd"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
	})
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingToken
	}
	return strings.TrimSpace(token), nil
}
