// Package auth verifies the identity tokens issued by the account service.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any token that does not establish an
// identity.
var ErrInvalidToken = errors.New("invalid token")

// TokenCookie and TokenQueryParam name the fallbacks for browser clients
// that cannot set headers on a websocket upgrade or an EventSource.
const (
	TokenCookie     = "token"
	TokenQueryParam = "token"
)

// Verifier turns a token into a user id.
type Verifier interface {
	Verify(token string) (userID string, err error)
}

// JWTVerifier validates HMAC-signed JWTs and reads the user id from the
// subject claim.
type JWTVerifier struct {
	secret []byte
	issuer string
	skew   time.Duration
}

// NewJWTVerifier creates a verifier. An empty issuer accepts any issuer.
func NewJWTVerifier(secret, issuer string, clockSkew time.Duration) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer, skew: clockSkew}
}

// Verify validates the signature and registered claims.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	if tokenString == "" {
		return "", ErrInvalidToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
		jwt.WithLeeway(v.skew),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

// Sign issues a token for userID. It is used by tests and local tooling;
// production tokens come from the account service.
func Sign(secret, issuer, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// TokenSource extracts a token from a request, returning "" when absent.
type TokenSource func(r *http.Request) string

// FromHeader reads an Authorization bearer token.
func FromHeader(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// FromQuery reads the token query parameter.
func FromQuery(r *http.Request) string {
	return r.URL.Query().Get(TokenQueryParam)
}

// FromCookie reads the token cookie. Browsers attach cookies to cross-site
// requests, so callers must pair it with an origin check.
func FromCookie(r *http.Request) string {
	if cookie, err := r.Cookie(TokenCookie); err == nil {
		return cookie.Value
	}
	return ""
}

// TokenFromRequest returns the first token found by sources, tried in order.
func TokenFromRequest(r *http.Request, sources ...TokenSource) string {
	for _, source := range sources {
		if token := source(r); token != "" {
			return token
		}
	}
	return ""
}
