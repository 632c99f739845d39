package middleware

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/auth"
	"github.com/amura2406/songshake/internal/logging"
)

type stubVerifier map[string]string

func (v stubVerifier) Validate(token string) (*auth.Claims, error) {
	sub, ok := v[token]
	if !ok {
		return nil, errors.New("unknown token")
	}
	claims := &auth.Claims{}
	claims.Subject = sub
	return claims, nil
}

func newOwnerApp(handlers ...fiber.Handler) *fiber.App {
	app := fiber.New()
	handlers = append(handlers, func(c *fiber.Ctx) error {
		return c.SendString(GetOwner(c))
	})
	app.Get("/whoami", handlers...)
	return app
}

func TestAuthenticate(t *testing.T) {
	auth := NewAuthMiddleware("secret")
	app := newOwnerApp(auth.Authenticate())

	token, err := auth.GenerateToken("alice", "alice@example.com")
	require.NoError(t, err)

	foreign, err := NewAuthMiddleware("other-secret").GenerateToken("mallory", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		header string
		status int
	}{
		{"bearer header", "/whoami", "Bearer " + token, http.StatusOK},
		{"lowercase scheme", "/whoami", "bearer " + token, http.StatusOK},
		{"query token", "/whoami?token=" + token, "", http.StatusOK},
		{"missing", "/whoami", "", http.StatusUnauthorized},
		{"wrong scheme", "/whoami", "Basic " + token, http.StatusUnauthorized},
		{"wrong secret", "/whoami", "Bearer " + foreign, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestRateLimiter_FailsOpenWithoutRedis(t *testing.T) {
	auth := NewAuthMiddleware("secret")
	rl := NewRateLimiter(nil, logging.Discard())
	app := newOwnerApp(auth.Authenticate(), rl.JobsLimit(1))

	token, err := auth.GenerateToken("alice", "")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}
}

func TestRateLimiter_Redis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	auth := NewAuthMiddleware("secret")
	rl := NewRateLimiter(client, logging.Discard())
	app := newOwnerApp(auth.Authenticate(), rl.JobsLimit(2))

	owner := "owner-" + uuid.NewString()
	t.Cleanup(func() { client.Del(context.Background(), "ratelimit:jobs:"+owner) })
	token, err := auth.GenerateToken(owner, "")
	require.NoError(t, err)

	var statuses []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := app.Test(req, -1)
		require.NoError(t, err)
		statuses = append(statuses, resp.StatusCode)
		if i == 2 {
			assert.NotEmpty(t, resp.Header.Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses)
}

func TestAuthenticate_WithVerifier(t *testing.T) {
	m := NewAuthMiddlewareWithVerifier(stubVerifier{"oidc-token": "google-oauth2|123"}, "secret")
	app := newOwnerApp(m.Authenticate())

	hmacToken, err := m.GenerateToken("alice", "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		status int
		owner  string
	}{
		{"verified by issuer", "oidc-token", http.StatusOK, "google-oauth2|123"},
		{"hmac fallback", hmacToken, http.StatusOK, "alice"},
		{"rejected by both", "garbage", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			resp, err := app.Test(req, -1)
			require.NoError(t, err)
			assert.Equal(t, tt.status, resp.StatusCode)
			if tt.owner != "" {
				body, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
				assert.Equal(t, tt.owner, string(body))
			}
		})
	}
}
