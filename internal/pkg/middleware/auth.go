package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/HabitLoop/internal/pkg/entitlements"
	"github.com/ManuelReschke/HabitLoop/internal/pkg/usercontext"
)

// RequireAPIAuth returns JSON 401 when no authenticated caller is attached.
func RequireAPIAuth(c *fiber.Ctx) error {
	if !usercontext.IsLoggedIn(c) {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error":   "unauthorized",
			"message": "login required",
		})
	}
	return c.Next()
}

// LoadPlan attaches the caller's cached tier to the user context.
func LoadPlan(gate *entitlements.Gate) fiber.Handler {
	return func(c *fiber.Ctx) error {
		uc := usercontext.GetUserContext(c)
		if uc.IsLoggedIn {
			uc.Plan = string(gate.Tier(c.UserContext(), uc.UserID))
			usercontext.SetUserContext(c, uc)
		}
		return c.Next()
	}
}

// RequireTier blocks callers whose cached tier is below required.
func RequireTier(gate *entitlements.Gate, required entitlements.Tier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := usercontext.GetUserID(c)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "login required"})
		}
		if !gate.CanAccess(c.UserContext(), userID, required) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error":         "upgrade_required",
				"message":       "This feature requires the " + string(required) + " plan",
				"required_tier": required,
			})
		}
		return c.Next()
	}
}
