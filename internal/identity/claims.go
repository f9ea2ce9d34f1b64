package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/cinephile/accountsync/pkg/errors"
)

// IDTokenClaims carries the subset of claims the subsystem reads from a
// platform ID token. The token is minted and signed by the identity
// platform and verified server-side on every call; this client only
// inspects subject and expiry for local bookkeeping, so the signature is
// not checked here.
type IDTokenClaims struct {
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ParseIDTokenClaims decodes the claims of a platform ID token without
// verifying its signature.
func ParseIDTokenClaims(tokenString string) (*IDTokenClaims, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(tokenString, claims); err != nil {
		return nil, apperrors.Protocol(fmt.Sprintf("malformed id token: %v", err))
	}

	out := &IDTokenClaims{}
	if sub, err := claims.GetSubject(); err == nil {
		out.UserID = sub
	}
	if uid, ok := claims["user_id"].(string); ok && uid != "" {
		out.UserID = uid
	}
	if email, ok := claims["email"].(string); ok {
		out.Email = email
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	if out.UserID == "" {
		return nil, apperrors.Protocol("id token has no subject")
	}
	return out, nil
}

// ExpiresWithin reports whether the token expires within the given window.
// Tokens without an exp claim are treated as already expired.
func (c *IDTokenClaims) ExpiresWithin(window time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return true
	}
	return time.Until(c.ExpiresAt) <= window
}
