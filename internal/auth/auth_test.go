package auth_test

import (
	"context"
	"errors"
	"ingest/internal/auth"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

const (
	Username = "uploader"
	Password = "s3cret"
	Token    = "0123456789abcdef"
)

func TestBasicAuthEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewBasicAuthEngine(Username, Password)

	r := httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.SetBasicAuth(Username, Password)
	user, err := engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.NotNil(t, user, "valid credentials should authenticate")
	require.Equal(t, Username, user.Name)

	r = httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.SetBasicAuth(Username, "wrong")
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user, "wrong password should not authenticate")

	r = httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.Header.Set("Authorization", "Basic !!!not-base64")
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user, "malformed header should not authenticate")

	r = httptest.NewRequest(http.MethodPost, "/upload", nil)
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user, "missing header should not authenticate")
}

func TestTokenAuthEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewTokenAuthEngine("ci", Token)

	r := httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.Header.Set("Authorization", "Bearer "+Token)
	user, err := engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.NotNil(t, user)
	require.Equal(t, "ci", user.Name)

	r = httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.Header.Set("Authorization", "Bearer "+Token+"x")
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user)

	r = httptest.NewRequest(http.MethodPost, "/upload", nil)
	r.SetBasicAuth(Username, Token)
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user, "basic credentials are not a bearer token")
}

func TestCompoundAuthEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewCompoundAuthEngine(
		auth.NewBasicAuthEngine(Username, Password),
		auth.NewTokenAuthEngine("ci", Token),
	)

	r := httptest.NewRequest(http.MethodGet, "/uploads", nil)
	r.SetBasicAuth(Username, Password)
	user, err := engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Equal(t, Username, user.Name)

	r = httptest.NewRequest(http.MethodGet, "/uploads", nil)
	r.Header.Set("Authorization", "Bearer "+Token)
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Equal(t, "ci", user.Name)

	r = httptest.NewRequest(http.MethodGet, "/uploads", nil)
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Nil(t, user)
}

type brokenEngine struct{}

func (brokenEngine) AuthenticateRequest(context.Context, *http.Request) (*auth.User, error) {
	return nil, errors.New("credential store unavailable")
}

func TestCompoundAuthEngineSkipsFailingEngine(t *testing.T) {
	t.Parallel()

	engine := auth.NewCompoundAuthEngine(brokenEngine{}, auth.NewBasicAuthEngine(Username, Password))

	r := httptest.NewRequest(http.MethodGet, "/uploads", nil)
	r.SetBasicAuth(Username, Password)
	user, err := engine.AuthenticateRequest(t.Context(), r)
	require.NoError(t, err)
	require.Equal(t, Username, user.Name)

	r = httptest.NewRequest(http.MethodGet, "/uploads", nil)
	r.SetBasicAuth(Username, "wrong")
	user, err = engine.AuthenticateRequest(t.Context(), r)
	require.Nil(t, user)
	require.ErrorContains(t, err, "credential store unavailable")
}
