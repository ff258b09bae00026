// Package auth validates bearer identity tokens issued by a Cloudflare
// Access style proxy and derives stable usernames from them.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified caller identity derived from a valid token.
type Identity struct {
	Username string
	Email    string
	IsAdmin  bool
}

type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// Validator checks RS256 tokens against the cached JWKS key set. Stateless
// apart from the shared key cache; it knows nothing about sessions.
type Validator struct {
	audience string
	issuer   string
	cache    *keyCache
	admins   map[string]bool
}

// NewValidator builds a validator for the given Access team domain and
// application audience. admins is the set of usernames granted admin.
func NewValidator(teamDomain, audience string, cacheTTL time.Duration, admins map[string]bool) *Validator {
	return &Validator{
		audience: audience,
		issuer:   fmt.Sprintf("https://%s", teamDomain),
		cache:    newKeyCache(fmt.Sprintf("https://%s/cdn-cgi/access/certs", teamDomain), cacheTTL),
		admins:   admins,
	}
}

// Validate verifies a token and returns the caller's identity. When the
// token fails against every cached key, the key set is refetched once
// (rate-limited) and verification retried, so a key rotation needs no
// restart and a stream of garbage tokens cannot cause a refresh storm.
func (v *Validator) Validate(ctx context.Context, token string) (Identity, error) {
	id, err := v.validateOnce(ctx, token)
	if err != nil && v.refreshWorthRetrying(ctx, err) {
		return v.validateOnce(ctx, token)
	}
	return id, err
}

func (v *Validator) refreshWorthRetrying(ctx context.Context, err error) bool {
	if !errors.Is(err, ErrBadSignature) {
		return false
	}
	return v.cache.ForceRefresh(ctx)
}

func (v *Validator) validateOnce(ctx context.Context, token string) (Identity, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)

	claims := &accessClaims{}
	_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token header missing kid")
		}
		return v.cache.Key(ctx, kid)
	})
	if err != nil {
		return Identity{}, classify(err)
	}

	if claims.Email == "" {
		return Identity{}, fmt.Errorf("%w: missing email claim", ErrMalformed)
	}
	username, err := Normalize(claims.Email)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return Identity{
		Username: username,
		Email:    claims.Email,
		IsAdmin:  v.admins[username],
	}, nil
}

// classify maps jwt/v5 errors onto the package's failure kinds. An unknown
// kid counts as a signature failure so the rotation retry path covers it.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience), errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrBadAudience, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, errKeyNotFound):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}
