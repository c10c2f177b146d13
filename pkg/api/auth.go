package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated rejects a request before any streaming starts.
var ErrUnauthenticated = errors.New("no authenticated user")

// Authenticator resolves the user identity of a request. Session issuance
// lives outside this service; implementations only verify what an external
// auth layer minted.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts a proxy-injected user header. Suitable only
// when the listener is reachable exclusively through a trusted gateway.
type HeaderAuthenticator struct {
	Header string
}

// DefaultUserHeader is the header consulted when none is configured.
const DefaultUserHeader = "X-Warden-User"

func (a HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := a.Header
	if header == "" {
		header = DefaultUserHeader
	}
	userID := strings.TrimSpace(r.Header.Get(header))
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// JWTAuthenticator verifies an HS256 bearer token and uses the subject
// claim as the user id.
type JWTAuthenticator struct {
	Secret []byte
}

func (a JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", ErrUnauthenticated
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.Secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", fmt.Errorf("verifying bearer token: %w", err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", ErrUnauthenticated
	}
	return subject, nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	// WebSocket browser clients cannot set Authorization headers.
	return r.URL.Query().Get("token")
}
