package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrTokenMissing = errors.New("token missing")
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
)

// SessionClaims is the shape of the token the application layer mints
// after it has authenticated the user. The broker side only verifies it.
type SessionClaims struct {
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// JWTAuthenticator verifies an HS256 session token carried in the "token"
// query parameter or an Authorization bearer header. The subject claim is
// the user id.
type JWTAuthenticator struct {
	secret []byte
}

func NewJWTAuthenticator(secret []byte) *JWTAuthenticator {
	return &JWTAuthenticator{secret: secret}
}

func (a *JWTAuthenticator) Authenticate(r *http.Request) (Identity, error) {
	raw := r.URL.Query().Get("token")
	if raw == "" {
		raw = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	if raw == "" {
		return Identity{}, ErrTokenMissing
	}

	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}))

	switch {
	case token != nil && token.Valid:
		return Identity{UserID: claims.Subject, DisplayName: claims.DisplayName}, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return Identity{}, ErrTokenExpired
	default:
		return Identity{}, ErrTokenInvalid
	}
}
