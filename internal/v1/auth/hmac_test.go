package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "this-is-a-very-long-secret-key-for-testing"

func validClaims() *CustomClaims {
	claims := &CustomClaims{Name: "Ada", Access: "user"}
	claims.Subject = "user-1"
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	return claims
}

func TestNewHMACAdapter_RejectsShortSecret(t *testing.T) {
	_, err := NewHMACAdapter("short")
	assert.Error(t, err)
}

func TestHMACAdapter_Authenticate(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	token := signHMAC(t, testSecret, validClaims())
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)

	p, err := adapter.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user-1", p.UserID)
	assert.Equal(t, "Ada", p.DisplayName)
	assert.Equal(t, LevelUser, p.Level)
}

func TestHMACAdapter_TokenFromHeader(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	token := signHMAC(t, testSecret, validClaims())
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	_, err = adapter.Authenticate(r)
	assert.NoError(t, err)
}

func TestHMACAdapter_TokenFromCookie(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	token := signHMAC(t, testSecret, validClaims())
	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	r.AddCookie(&http.Cookie{Name: "token", Value: token})

	_, err = adapter.Authenticate(r)
	assert.NoError(t, err)
}

func TestHMACAdapter_NoToken(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws/chat", nil)
	_, err = adapter.Authenticate(r)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestHMACAdapter_WrongSecret(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	token := signHMAC(t, "another-very-long-secret-key-for-testing!!", validClaims())
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)

	_, err = adapter.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACAdapter_ExpiredToken(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	token := signHMAC(t, testSecret, claims)
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)

	_, err = adapter.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACAdapter_MissingSubject(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	claims := &CustomClaims{Name: "Nobody"}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := signHMAC(t, testSecret, claims)
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)

	_, err = adapter.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACAdapter_RejectsUnsignedToken(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+signed, nil)
	_, err = adapter.Authenticate(r)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestHMACAdapter_AdminToken(t *testing.T) {
	adapter, err := NewHMACAdapter(testSecret)
	require.NoError(t, err)

	claims := validClaims()
	claims.Access = "admin"
	token := signHMAC(t, testSecret, claims)
	r := httptest.NewRequest(http.MethodGet, "/ws/chat?token="+token, nil)

	p, err := adapter.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, LevelAdmin, p.Level)
}
