package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
)

// HMACAdapter verifies HS256 tokens signed with a shared secret. Intended for
// single-tenant and development deployments where running a JWKS issuer is
// overkill; signatures are still verified.
type HMACAdapter struct {
	secret []byte
}

// NewHMACAdapter builds an adapter around the shared secret.
func NewHMACAdapter(secret string) (*HMACAdapter, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("hmac secret must be at least 32 characters (got %d)", len(secret))
	}
	return &HMACAdapter{secret: []byte(secret)}, nil
}

// Authenticate extracts and verifies the request's token and returns the
// resulting principal.
func (a *HMACAdapter) Authenticate(r *http.Request) (*Principal, error) {
	tokenString := ExtractToken(r)
	if tokenString == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("%w: claims rejected", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, errors.New("missing sub claim"))
	}

	return principalFromClaims(claims), nil
}
