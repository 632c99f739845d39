package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amura2406/songshake/internal/config"
)

const testKID = "test-key"

// newIssuer serves a discovery document and a one-key JWKS.
func newIssuer(t *testing.T, key *rsa.PrivateKey) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":   srv.URL,
			"jwks_uri": srv.URL + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		enc := base64.RawURLEncoding
		json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": testKID,
				"alg": "RS256",
				"use": "sig",
				"n":   enc.EncodeToString(key.PublicKey.N.Bytes()),
				"e":   enc.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
			}},
		})
	})
	return srv
}

func sign(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKID
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestNewJWKSVerifier_NoIssuer(t *testing.T) {
	v, err := NewJWKSVerifier(context.Background(), &config.AuthConfig{})
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestDiscoverJWKSURL(t *testing.T) {
	t.Run("missing jwks_uri", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"issuer": "x"}`))
		}))
		defer srv.Close()

		_, err := discoverJWKSURL(context.Background(), srv.URL)
		assert.Error(t, err)
	})

	t.Run("non-200", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := discoverJWKSURL(context.Background(), srv.URL)
		assert.Error(t, err)
	})
}

func TestJWKSVerifier_Validate(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	srv := newIssuer(t, key)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	v, err := NewJWKSVerifier(ctx, &config.AuthConfig{Issuer: srv.URL, Audience: "songshake"})
	require.NoError(t, err)
	require.NotNil(t, v)

	valid := func() Claims {
		return Claims{
			Email: "alice@example.com",
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "alice",
				Issuer:    srv.URL,
				Audience:  jwt.ClaimStrings{"songshake"},
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		}
	}

	t.Run("valid", func(t *testing.T) {
		claims, err := v.Validate(sign(t, key, valid()))
		require.NoError(t, err)
		assert.Equal(t, "alice", claims.Subject)
		assert.Equal(t, "alice@example.com", claims.Email)
	})

	t.Run("wrong audience", func(t *testing.T) {
		c := valid()
		c.Audience = jwt.ClaimStrings{"someone-else"}
		_, err := v.Validate(sign(t, key, c))
		assert.ErrorIs(t, err, ErrInvalidAudience)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		c := valid()
		c.Issuer = "https://evil.example.com"
		_, err := v.Validate(sign(t, key, c))
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		c := valid()
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := v.Validate(sign(t, key, c))
		assert.Error(t, err)
	})

	t.Run("no expiry", func(t *testing.T) {
		c := valid()
		c.ExpiresAt = nil
		_, err := v.Validate(sign(t, key, c))
		assert.Error(t, err)
	})

	t.Run("unknown key", func(t *testing.T) {
		other, err := rsa.GenerateKey(rand.Reader, 2048)
		require.NoError(t, err)
		_, err = v.Validate(sign(t, other, valid()))
		assert.Error(t, err)
	})
}
