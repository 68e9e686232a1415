package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the "iss" claim used when none is configured.
const DefaultIssuer = "assetstore"

// Claims are the JWT claims carried by caller tokens. The identity is the subject.
type Claims struct {
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 caller tokens.
type Tokens struct {
	secret []byte
	issuer string
}

// NewTokens creates a token issuer/verifier for the given HMAC secret.
func NewTokens(secret []byte, issuer string) (*Tokens, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Tokens{secret: secret, issuer: issuer}, nil
}

// Issue mints a token for id. A ttl of 0 means the token does not expire.
func (t *Tokens) Issue(id Identity, ttl time.Duration) (string, error) {
	if id.IsAnonymous() {
		return "", ErrAnonymous
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(id),
			Issuer:   t.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and returns the identity it carries.
func (t *Tokens) Verify(token string) (Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(t.issuer),
	)
	if err != nil {
		return Anonymous, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id := Identity(claims.Subject)
	if id.IsAnonymous() {
		return Anonymous, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return id, nil
}
