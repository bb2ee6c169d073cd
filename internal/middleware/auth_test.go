package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tokenFor(secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte("hive"))
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}

func newAuthApp(t *testing.T, secret string) *fiber.App {
	t.Helper()
	t.Setenv("HIVE_AUTH_SECRET", secret)
	am := NewAuthMiddleware()

	app := fiber.New()
	app.Use(am.RequireAuth)
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/api/cells", func(c *fiber.Ctx) error { return c.SendString("cells") })
	return app
}

func TestNoSecretMeansOpen(t *testing.T) {
	app := newAuthApp(t, "")

	resp, err := app.Test(httptest.NewRequest("GET", "/api/cells", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestMissingTokenIsRejected(t *testing.T) {
	app := newAuthApp(t, "s3cret")

	resp, err := app.Test(httptest.NewRequest("GET", "/api/cells", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
}

func TestHealthBypassesAuth(t *testing.T) {
	app := newAuthApp(t, "s3cret")

	resp, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestBearerToken(t *testing.T) {
	app := newAuthApp(t, "s3cret")

	req := httptest.NewRequest("GET", "/api/cells", nil)
	req.Header.Set("Authorization", "Bearer "+tokenFor("s3cret"))
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)

	req2 := httptest.NewRequest("GET", "/api/cells", nil)
	req2.Header.Set("Authorization", "Bearer "+tokenFor("wrong"))
	resp2, err := app.Test(req2)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusUnauthorized, resp2.StatusCode)
}

func TestCookieToken(t *testing.T) {
	app := newAuthApp(t, "s3cret")

	req := httptest.NewRequest("GET", "/api/cells", nil)
	req.AddCookie(&http.Cookie{Name: "hive_token", Value: tokenFor("s3cret")})
	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}

func TestQueryToken(t *testing.T) {
	app := newAuthApp(t, "s3cret")

	resp, err := app.Test(httptest.NewRequest("GET", "/api/cells?token="+tokenFor("s3cret"), nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
}
