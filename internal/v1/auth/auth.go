// Package auth maps HTTP upgrade requests to user principals. The fabric
// consumes the Adapter interface; two verifying implementations ship with the
// repo (JWKS and HMAC shared secret).
package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AccessLevel orders what a principal may do.
type AccessLevel string

const (
	LevelGuest AccessLevel = "guest"
	LevelUser  AccessLevel = "user"
	LevelAdmin AccessLevel = "admin"
)

var levelRank = map[AccessLevel]int{
	LevelGuest: 0,
	LevelUser:  1,
	LevelAdmin: 2,
}

// AtLeast reports whether the level grants at least the given level.
func (l AccessLevel) AtLeast(min AccessLevel) bool {
	return levelRank[l] >= levelRank[min]
}

// Principal is the verified identity attached to a connection at upgrade
// time.
type Principal struct {
	UserID      string
	DisplayName string
	Level       AccessLevel
}

// Adapter authenticates one HTTP upgrade request. Implementations MUST
// verify the presented credential; identity is never taken on faith.
type Adapter interface {
	Authenticate(r *http.Request) (*Principal, error)
}

var (
	// ErrNoToken is returned when the request carries no credential.
	ErrNoToken = errors.New("no token presented")
	// ErrInvalidToken is returned when verification fails.
	ErrInvalidToken = errors.New("token verification failed")
)

// ExtractToken reads a bearer-style token from the query parameter, the
// Authorization header, or the token cookie, in that order.
func ExtractToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if header := r.Header.Get("Authorization"); header != "" {
		if rest, ok := strings.CutPrefix(header, "Bearer "); ok {
			return rest
		}
	}
	if cookie, err := r.Cookie("token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return ""
}

// CustomClaims are the JWT claims both adapters understand.
type CustomClaims struct {
	Scope  string `json:"scope,omitempty"`
	Name   string `json:"name,omitempty"`
	Access string `json:"access,omitempty"`
	jwt.RegisteredClaims
}

// principalFromClaims maps verified claims onto a Principal. The access
// level comes from the access claim, falling back to an admin scope, then to
// the plain user level.
func principalFromClaims(claims *CustomClaims) *Principal {
	level := LevelUser
	switch AccessLevel(claims.Access) {
	case LevelGuest, LevelUser, LevelAdmin:
		level = AccessLevel(claims.Access)
	default:
		if hasScope(claims.Scope, "admin") {
			level = LevelAdmin
		}
	}

	name := claims.Name
	if name == "" {
		name = claims.Subject
	}

	return &Principal{
		UserID:      claims.Subject,
		DisplayName: name,
		Level:       level,
	}
}

// hasScope reports whether the space-separated scope claim contains the
// given entry.
func hasScope(scope, want string) bool {
	for _, s := range strings.Fields(scope) {
		if s == want {
			return true
		}
	}
	return false
}
