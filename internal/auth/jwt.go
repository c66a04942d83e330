package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrBadToken covers every way a presented token can fail verification.
var ErrBadToken = errors.New("auth: invalid token")

// Claims carried by an access token. Role decides which machine
// operations the caller may perform.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// ParseToken verifies an HS256 token against secret and returns its
// claims. Tokens without a subject or with an unknown role are rejected
// even when the signature checks out.
func ParseToken(raw string, secret []byte) (*Claims, error) {
	if raw == "" || len(secret) == 0 {
		return nil, ErrBadToken
	}

	var claims Claims
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	token, err := parser.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadToken, err)
	}
	if !token.Valid {
		return nil, ErrBadToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrBadToken)
	}
	if _, ok := NormalizeRole(claims.Role); !ok {
		return nil, fmt.Errorf("%w: unknown role %q", ErrBadToken, claims.Role)
	}
	return &claims, nil
}
