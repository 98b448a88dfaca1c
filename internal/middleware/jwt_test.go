package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scoring-api/internal/middleware"
)

const testSecret = "scoring-secret"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func jwtApp() *fiber.App {
	app := fiber.New()
	app.Use(middleware.JWTProtected(middleware.JWTConfig{Secret: testSecret, DefaultRole: "student"}))
	app.Get("/whoami", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"id":   c.Locals("user_id"),
			"role": c.Locals("user_role"),
		})
	})
	return app
}

func callWithToken(t *testing.T, app *fiber.App, header string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func TestJWTProtectedSetsIdentity(t *testing.T) {
	app := jwtApp()
	token := signToken(t, testSecret, jwt.MapClaims{
		"sub":  "42",
		"role": "Teacher",
		"exp":  time.Now().Add(time.Hour).Unix(),
	})

	resp := callWithToken(t, app, "Bearer "+token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		ID   uint   `json:"id"`
		Role string `json:"role"`
	}
	decodeJSON(t, resp, &body)
	require.Equal(t, uint(42), body.ID)
	require.Equal(t, "teacher", body.Role)
}

func TestJWTProtectedAppliesDefaultRole(t *testing.T) {
	app := jwtApp()
	token := signToken(t, testSecret, jwt.MapClaims{"user_id": float64(7)})

	resp := callWithToken(t, app, "bearer "+token)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body struct {
		ID   uint   `json:"id"`
		Role string `json:"role"`
	}
	decodeJSON(t, resp, &body)
	require.Equal(t, uint(7), body.ID)
	require.Equal(t, "student", body.Role)
}

func TestJWTProtectedRejectsBadTokens(t *testing.T) {
	app := jwtApp()

	cases := map[string]string{
		"missing header": "",
		"wrong scheme":   "Basic abc",
		"wrong secret":   "Bearer " + signToken(t, "other", jwt.MapClaims{"sub": "1"}),
		"no subject":     "Bearer " + signToken(t, testSecret, jwt.MapClaims{"role": "student"}),
		"expired": "Bearer " + signToken(t, testSecret, jwt.MapClaims{
			"sub": "1",
			"exp": time.Now().Add(-time.Hour).Unix(),
		}),
	}

	for name, header := range cases {
		resp := callWithToken(t, app, header)
		require.Equal(t, fiber.StatusUnauthorized, resp.StatusCode, name)
	}
}
