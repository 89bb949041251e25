package app

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t)

	t.Run("should report liveness", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/health", "", nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, true, body["ok"])
	})

	t.Run("should report readiness", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/ready", "", nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, "ready", body["status"])
	})

	t.Run("should report not ready when the database is down", func(t *testing.T) {
		env.store.setPing(func(context.Context) error { return errors.New("connection refused") })
		defer env.store.setPing(nil)

		status, body := env.do(t, http.MethodGet, "/api/ready", "", nil)
		require.Equal(t, http.StatusServiceUnavailable, status)
		require.Equal(t, "not_ready", body["status"])
	})
}

func TestRouting(t *testing.T) {
	env := newTestEnv(t)

	t.Run("should answer unknown routes with JSON 404", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/nope", "", nil)
		require.Equal(t, http.StatusNotFound, status)
		require.Equal(t, "NOT_FOUND", body["code"])
	})

	t.Run("should require a session for project routes", func(t *testing.T) {
		status, _ := env.do(t, http.MethodGet, "/api/projects", "", nil)
		require.Equal(t, http.StatusUnauthorized, status)

		status, _ = env.do(t, http.MethodGet, "/api/projects", "garbage", nil)
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("should answer preflight without a session", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/projects", nil)
		require.NoError(t, err)
		res, err := env.server.Client().Do(req)
		require.NoError(t, err)
		defer res.Body.Close()
		require.Equal(t, http.StatusNoContent, res.StatusCode)
		require.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
		require.NotEmpty(t, res.Header.Get("X-Request-ID"))
	})
}

func TestAuthFlow(t *testing.T) {
	env := newTestEnv(t)
	alice := env.register(t, "Alice")

	t.Run("should resolve the session from the access token", func(t *testing.T) {
		status, body := env.do(t, http.MethodGet, "/api/session", alice.Token, nil)
		require.Equal(t, http.StatusOK, status)
		require.Equal(t, alice.ID, body["userId"])
		require.Equal(t, "Alice", body["userName"])
	})

	t.Run("should reject a duplicate email", func(t *testing.T) {
		status, body := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
			"username": "Alice2",
			"email":    "alice@example.com",
			"password": "password123",
		})
		require.Equal(t, http.StatusConflict, status)
		require.Equal(t, "CONFLICT", body["code"])
	})

	t.Run("should validate the signup body", func(t *testing.T) {
		status, body := env.do(t, http.MethodPost, "/api/auth/signup", "", map[string]any{
			"username": "Bob",
			"email":    "not-an-email",
			"password": "short",
		})
		require.Equal(t, http.StatusUnprocessableEntity, status)
		details, ok := body["details"].(map[string]any)
		require.True(t, ok)
		require.Contains(t, details, "email")
		require.Contains(t, details, "password")
	})

	t.Run("should reject a wrong password", func(t *testing.T) {
		status, _ := env.do(t, http.MethodPost, "/api/auth/signin", "", map[string]any{
			"email":    "alice@example.com",
			"password": "wrong-password",
		})
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("should rotate refresh tokens", func(t *testing.T) {
		status, body := env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": alice.Fresh})
		require.Equal(t, http.StatusOK, status)
		require.NotEqual(t, alice.Fresh, body["refreshToken"])
		require.NotEmpty(t, body["token"])

		status, _ = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": alice.Fresh})
		require.Equal(t, http.StatusUnauthorized, status)
	})

	t.Run("should revoke the access token on logout", func(t *testing.T) {
		bob := env.register(t, "Bob")
		status, _ := env.do(t, http.MethodPost, "/api/session/logout", bob.Token, map[string]any{"refreshToken": bob.Fresh})
		require.Equal(t, http.StatusNoContent, status)

		status, _ = env.do(t, http.MethodGet, "/api/session", bob.Token, nil)
		require.Equal(t, http.StatusUnauthorized, status)

		status, _ = env.do(t, http.MethodPost, "/api/session/refresh", "", map[string]any{"refreshToken": bob.Fresh})
		require.Equal(t, http.StatusUnauthorized, status)
	})
}
