package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"

	"github.com/amura2406/songshake/internal/auth"
	"github.com/amura2406/songshake/pkg/response"
)

const localsOwner = "owner"

type AuthMiddleware struct {
	verifier  auth.TokenVerifier
	jwtSecret string
}

// UserClaims carries the owner identity. Every job, track link and usage
// record is scoped to UserID.
type UserClaims struct {
	UserID string `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{jwtSecret: jwtSecret}
}

// NewAuthMiddlewareWithVerifier tries verifier first and falls back to
// HMAC tokens signed with jwtSecret.
func NewAuthMiddlewareWithVerifier(verifier auth.TokenVerifier, jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, jwtSecret: jwtSecret}
}

// Authenticate validates the JWT from the Authorization header. Browsers
// cannot set headers on EventSource or WebSocket requests, so a "token"
// query parameter is accepted as well.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		tokenString, msg := bearerToken(c)
		if tokenString == "" {
			return response.Unauthorized(c, msg)
		}

		if m.verifier != nil {
			if claims, err := m.verifier.Validate(tokenString); err == nil && claims.Subject != "" {
				c.Locals(localsOwner, claims.Subject)
				return c.Next()
			}
		}

		claims, err := m.parse(tokenString)
		if err != nil {
			return response.Unauthorized(c, "Invalid or expired token")
		}
		if claims.UserID == "" {
			return response.Unauthorized(c, "Invalid token claims")
		}

		c.Locals(localsOwner, claims.UserID)
		return c.Next()
	}
}

func bearerToken(c *fiber.Ctx) (string, string) {
	authHeader := c.Get("Authorization")
	if authHeader == "" {
		if token := c.Query("token"); token != "" {
			return token, ""
		}
		return "", "Missing authorization header"
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", "Invalid authorization header format"
	}
	return parts[1], ""
}

func (m *AuthMiddleware) parse(tokenString string) (*UserClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &UserClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(m.jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UserClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// GetOwner returns the authenticated owner id
func GetOwner(c *fiber.Ctx) string {
	if owner, ok := c.Locals(localsOwner).(string); ok {
		return owner
	}
	return ""
}

// GenerateToken signs a token for owner. Used by tests and local tooling.
func (m *AuthMiddleware) GenerateToken(owner, email string) (string, error) {
	claims := UserClaims{
		UserID: owner,
		Email:  email,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "songshake",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(m.jwtSecret))
}
