package handlers

import (
	"fmt"

	"daggle/internal/api/middleware"
	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// CompetitionHandler handles competition detail, enrollment and sponsor routes
type CompetitionHandler struct {
	service   *service.CompetitionService
	validator *validator.Validate
}

// NewCompetitionHandler creates a new competition handler
func NewCompetitionHandler(service *service.CompetitionService) *CompetitionHandler {
	return &CompetitionHandler{
		service:   service,
		validator: validator.New(),
	}
}

// GetCompetition handles GET /api/v1/competitions/:id
// @Summary Get competition
// @Description Returns the competition and the caller's standing in it
// @Produce json
// @Param id path string true "Competition id or slug"
// @Success 200 {object} models.CompetitionResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/competitions/{id} [get]
func (h *CompetitionHandler) GetCompetition(c *fiber.Ctx) error {
	comp := middleware.CompetitionFrom(c)

	uc, err := h.service.UserContext(c.UserContext(), middleware.RoleFrom(c), comp)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(models.CompetitionResponse{
		Competition: comp,
		UserContext: uc,
	})
}

// Enroll handles POST /api/v1/competitions/:id/enrollment
// @Summary Enroll in a competition
// @Produce json
// @Success 201 {object} models.Enrollment
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/competitions/{id}/enrollment [post]
func (h *CompetitionHandler) Enroll(c *fiber.Ctx) error {
	enrollment, err := h.service.Enroll(c.UserContext(), middleware.IdentityFrom(c), middleware.CompetitionFrom(c))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(enrollment)
}

// Unenroll handles DELETE /api/v1/competitions/:id/enrollment
func (h *CompetitionHandler) Unenroll(c *fiber.Ctx) error {
	if err := h.service.Unenroll(c.UserContext(), middleware.IdentityFrom(c), middleware.CompetitionFrom(c)); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SetStatus handles PATCH /api/v1/competitions/:id/status
// @Summary Change competition status (sponsor only)
// @Accept json
// @Produce json
// @Param request body models.StatusRequest true "Target status"
// @Success 200 {object} models.Competition
// @Failure 403 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Router /api/v1/competitions/{id}/status [patch]
func (h *CompetitionHandler) SetStatus(c *fiber.Ctx) error {
	var req models.StatusRequest
	if err := c.BodyParser(&req); err != nil {
		return fmt.Errorf("%w: invalid request body", common.ErrBadRequest)
	}
	if err := h.validator.Struct(&req); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}

	comp, err := h.service.SetStatus(c.UserContext(), middleware.RoleFrom(c), middleware.CompetitionFrom(c), req.Status)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(comp)
}

// RebuildLeaderboard handles POST /api/v1/competitions/:id/leaderboard/rebuild
func (h *CompetitionHandler) RebuildLeaderboard(c *fiber.Ctx) error {
	comp := middleware.CompetitionFrom(c)
	entries, err := h.service.RebuildLeaderboard(c.UserContext(), middleware.RoleFrom(c), comp)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"competition_id": comp.ID,
		"entries":        len(entries),
	})
}
