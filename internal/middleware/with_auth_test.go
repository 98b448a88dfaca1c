package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-scoring-api/internal/middleware"
)

func authApp(userID interface{}, role string, opts middleware.AuthOptions) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		if userID != nil {
			c.Locals("user_id", userID)
		}
		if role != "" {
			c.Locals("user_role", role)
		}
		return c.Next()
	})
	app.Get("/", middleware.WithAuth(func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusNoContent)
	}, opts))
	return app
}

func TestWithAuthStudentRole(t *testing.T) {
	app := authApp(uint(10), "Student", middleware.AuthOptions{Role: middleware.AuthRoleStudent})
	require.Equal(t, fiber.StatusNoContent, perform(t, app).StatusCode)
}

func TestWithAuthStudentRoleDeniedForTeacher(t *testing.T) {
	app := authApp(uint(10), "teacher", middleware.AuthOptions{Role: middleware.AuthRoleStudent})
	require.Equal(t, fiber.StatusForbidden, perform(t, app).StatusCode)
}

func TestWithAuthStaffAllowsTeacherAndAdmin(t *testing.T) {
	for _, role := range []string{"teacher", "admin"} {
		app := authApp(uint(1), role, middleware.AuthOptions{Role: middleware.AuthRoleStaff})
		require.Equal(t, fiber.StatusNoContent, perform(t, app).StatusCode, role)
	}
}

func TestWithAuthRejectsZeroIdentity(t *testing.T) {
	app := authApp(uint(0), "student", middleware.AuthOptions{Role: middleware.AuthRoleStudent})
	require.Equal(t, fiber.StatusUnauthorized, perform(t, app).StatusCode)
}

func TestWithAuthAnyRequiresUserWhenAsked(t *testing.T) {
	app := authApp(nil, "", middleware.AuthOptions{Role: middleware.AuthRoleAny, RequireUser: true})
	require.Equal(t, fiber.StatusUnauthorized, perform(t, app).StatusCode)
}

func TestWithAuthAnyAllowsAnonymousByDefault(t *testing.T) {
	app := authApp(nil, "", middleware.AuthOptions{})
	require.Equal(t, fiber.StatusNoContent, perform(t, app).StatusCode)
}

func perform(t *testing.T, app *fiber.App) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	return resp
}
