// Package middleware holds fiber middleware shared by the API surface.
package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"os"
	"strings"

	"github.com/gofiber/fiber/v2"
)

// AuthMiddleware enforces a shared-secret bearer token when HIVE_AUTH_SECRET
// is set. Without a secret the API is open, which is the expected posture for
// a localhost dev server.
type AuthMiddleware struct {
	secret []byte
}

// NewAuthMiddleware reads HIVE_AUTH_SECRET; nil means no auth required.
func NewAuthMiddleware() *AuthMiddleware {
	secret := os.Getenv("HIVE_AUTH_SECRET")
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{secret: []byte(secret)}
}

// RequireAuth validates the request's token. Health checks pass through.
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}
	if c.Path() == "/health" {
		return c.Next()
	}

	token := am.extractToken(c)
	if token == "" || !am.validToken(token) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"message": "authentication required"})
	}
	return c.Next()
}

// extractToken checks the Authorization header, the hive_token cookie, and
// the token query parameter (used by EventSource clients that cannot set
// headers).
func (am *AuthMiddleware) extractToken(c *fiber.Ctx) string {
	if h := c.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return parts[1]
		}
	}
	if cookie := c.Cookies("hive_token"); cookie != "" {
		return cookie
	}
	return c.Query("token")
}

// validToken accepts the HMAC of the literal string "hive" under the shared
// secret, base64url-encoded.
func (am *AuthMiddleware) validToken(token string) bool {
	h := hmac.New(sha256.New, am.secret)
	h.Write([]byte("hive"))
	expected := base64.RawURLEncoding.EncodeToString(h.Sum(nil))
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
