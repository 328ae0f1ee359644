package middleware

import (
	"context"

	"daggle/internal/models"

	"github.com/gofiber/fiber/v2"
)

// CompetitionLocal is the fiber.Ctx / websocket.Conn locals key of the loaded competition
const CompetitionLocal = "competition"

const roleKey = "role"

// CompetitionLoader finds a competition by numeric id or slug
type CompetitionLoader interface {
	Get(ctx context.Context, idOrSlug string) (*models.Competition, error)
}

// RoleResolver resolves the caller's role in a loaded competition
type RoleResolver interface {
	ResolveFor(ctx context.Context, identity *models.Identity, comp *models.Competition) (*models.RoleContext, error)
}

// Competition loads the competition named by the :id route parameter and
// resolves the caller's role in it once for the rest of the request
func Competition(loader CompetitionLoader, resolver RoleResolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		comp, err := loader.Get(c.UserContext(), c.Params("id"))
		if err != nil {
			return err
		}

		rc, err := resolver.ResolveFor(c.UserContext(), IdentityFrom(c), comp)
		if err != nil {
			return err
		}

		c.Locals(CompetitionLocal, comp)
		c.Locals(roleKey, rc)
		return c.Next()
	}
}

// CompetitionFrom returns the competition loaded by Competition
func CompetitionFrom(c *fiber.Ctx) *models.Competition {
	comp, _ := c.Locals(CompetitionLocal).(*models.Competition)
	return comp
}

// RoleFrom returns the role resolved by Competition
func RoleFrom(c *fiber.Ctx) *models.RoleContext {
	rc, _ := c.Locals(roleKey).(*models.RoleContext)
	return rc
}
