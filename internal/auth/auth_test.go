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

func TestVerifyAcceptsSignedToken(t *testing.T) {
	token, err := Sign("secret", "accounts", "alice", time.Minute)
	require.NoError(t, err)

	userID, err := NewJWTVerifier("secret", "accounts", 0).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)

	userID, err = NewJWTVerifier("secret", "", 0).Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", userID)
}

func TestVerifyRejects(t *testing.T) {
	good, err := Sign("secret", "accounts", "alice", time.Minute)
	require.NoError(t, err)
	expired, err := Sign("secret", "accounts", "alice", -time.Hour)
	require.NoError(t, err)
	noSubject, err := Sign("secret", "accounts", "", time.Minute)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "alice"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name     string
		verifier *JWTVerifier
		token    string
	}{
		{"empty", NewJWTVerifier("secret", "", 0), ""},
		{"garbage", NewJWTVerifier("secret", "", 0), "not.a.token"},
		{"wrong secret", NewJWTVerifier("other", "", 0), good},
		{"wrong issuer", NewJWTVerifier("secret", "elsewhere", 0), good},
		{"expired", NewJWTVerifier("secret", "", time.Second), expired},
		{"missing subject", NewJWTVerifier("secret", "", 0), noSubject},
		{"unsigned", NewJWTVerifier("secret", "", 0), none},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.verifier.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	all := []TokenSource{FromHeader, FromQuery, FromCookie}

	r := httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	r.Header.Set("Authorization", "Bearer header")
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "cookie"})
	assert.Equal(t, "header", TokenFromRequest(r, all...))

	r = httptest.NewRequest(http.MethodGet, "/ws?token=query", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "cookie"})
	assert.Equal(t, "query", TokenFromRequest(r, all...))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.AddCookie(&http.Cookie{Name: TokenCookie, Value: "cookie"})
	assert.Equal(t, "cookie", TokenFromRequest(r, all...))
	assert.Equal(t, "", TokenFromRequest(r, FromHeader, FromQuery))

	r = httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Authorization", "Basic abc")
	assert.Equal(t, "", TokenFromRequest(r, all...))
	assert.Equal(t, "", TokenFromRequest(r))
}
