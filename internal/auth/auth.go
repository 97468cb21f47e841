// Package auth verifies bearer tokens issued by the external identity
// provider. Issuing tokens (registration, login, credential storage) is
// that collaborator's job; this package only answers "is this token
// valid, and for whom".
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means the request carried no bearer token at all.
	ErrNoToken = errors.New("no bearer token")
	// ErrInvalidToken means a token was presented but failed
	// verification (bad signature, expired, or missing claims).
	ErrInvalidToken = errors.New("invalid token")
)

// Identity is the verified subject of a request.
type Identity struct {
	UserID   string
	Username string
}

// Verifier turns a raw token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// JWTVerifier verifies HMAC-SHA256 JWTs carrying "userId" and
// "username" claims, the shape the identity provider signs.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier sharing the identity provider's
// signing secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the identity it names.
func (v *JWTVerifier) Verify(token string) (Identity, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	userID, _ := claims["userId"].(string)
	username, _ := claims["username"].(string)
	if userID == "" || username == "" {
		return Identity{}, fmt.Errorf("%w: missing identity claims", ErrInvalidToken)
	}

	return Identity{UserID: userID, Username: username}, nil
}

// StaticVerifier maps fixed tokens to identities. Test and development
// use only.
type StaticVerifier map[string]Identity

// Verify looks the token up verbatim.
func (v StaticVerifier) Verify(token string) (Identity, error) {
	id, ok := v[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// FromRequest extracts and verifies the bearer token on r.
// ErrNoToken when the Authorization header is absent or not a Bearer
// scheme; the verifier's error when the token fails.
func FromRequest(r *http.Request, v Verifier) (Identity, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return Identity{}, ErrNoToken
	}
	return v.Verify(token)
}
