package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
)

type BasicAuthEngine struct {
	Username string
	Password string
}

// NewBasicAuthEngine creates a BasicAuthEngine accepting exactly one
// username and password pair.
func NewBasicAuthEngine(username string, password string) *BasicAuthEngine {
	return &BasicAuthEngine{
		Username: username,
		Password: password,
	}
}

// AuthenticateRequest checks the Authorization header for valid Basic Auth
// credentials.
func (e *BasicAuthEngine) AuthenticateRequest(_ context.Context, r *http.Request) (*User, error) {
	username, password, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	userMatch := subtle.ConstantTimeCompare([]byte(username), []byte(e.Username)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(password), []byte(e.Password)) == 1
	if !userMatch || !passMatch {
		return nil, nil
	}

	return &User{Name: username}, nil
}
