package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
)

func TestExtractToken_QueryParam(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token=query-token", nil)
	assert.Equal(t, "query-token", ExtractToken(r))
}

func TestExtractToken_AuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", ExtractToken(r))
}

func TestExtractToken_Cookie(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: "cookie-token"})
	assert.Equal(t, "cookie-token", ExtractToken(r))
}

func TestExtractToken_QueryWinsOverHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token=query-token", nil)
	r.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "query-token", ExtractToken(r))
}

func TestExtractToken_MalformedAuthorizationHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "", ExtractToken(r))
}

func TestExtractToken_Missing(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	assert.Equal(t, "", ExtractToken(r))
}

func TestAccessLevel_AtLeast(t *testing.T) {
	assert.True(t, LevelAdmin.AtLeast(LevelUser))
	assert.True(t, LevelAdmin.AtLeast(LevelAdmin))
	assert.True(t, LevelUser.AtLeast(LevelGuest))
	assert.False(t, LevelGuest.AtLeast(LevelUser))
	assert.False(t, LevelUser.AtLeast(LevelAdmin))
}

func TestPrincipalFromClaims_AccessClaim(t *testing.T) {
	claims := &CustomClaims{Access: "admin", Name: "Ada"}
	claims.Subject = "user-1"

	p := principalFromClaims(claims)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "Ada", p.DisplayName)
	assert.Equal(t, LevelAdmin, p.Level)
}

func TestPrincipalFromClaims_AdminScope(t *testing.T) {
	claims := &CustomClaims{Scope: "openid profile admin"}
	claims.Subject = "user-2"

	p := principalFromClaims(claims)
	assert.Equal(t, LevelAdmin, p.Level)
}

func TestPrincipalFromClaims_DefaultsToUser(t *testing.T) {
	claims := &CustomClaims{Scope: "openid profile"}
	claims.Subject = "user-3"

	p := principalFromClaims(claims)
	assert.Equal(t, LevelUser, p.Level)
	assert.Equal(t, "user-3", p.DisplayName, "display name falls back to the subject")
}

func TestPrincipalFromClaims_UnknownAccessIgnored(t *testing.T) {
	claims := &CustomClaims{Access: "superuser"}
	claims.Subject = "user-4"

	p := principalFromClaims(claims)
	assert.Equal(t, LevelUser, p.Level)
}

// signHMAC builds a test token for the HMAC adapter tests.
func signHMAC(t *testing.T, secret string, claims *CustomClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}
