package handlers

import (
	"fmt"

	"daggle/internal/api/middleware"
	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/service"
	"daggle/internal/websocket"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	fiberws "github.com/gofiber/websocket/v2"
)

// LeaderboardHandler handles HTTP requests for competition leaderboards
type LeaderboardHandler struct {
	service   *service.LeaderboardService
	hub       *websocket.Hub
	validator *validator.Validate
}

// NewLeaderboardHandler creates a new leaderboard handler
func NewLeaderboardHandler(service *service.LeaderboardService, hub *websocket.Hub) *LeaderboardHandler {
	return &LeaderboardHandler{
		service:   service,
		hub:       hub,
		validator: validator.New(),
	}
}

// GetLeaderboard handles GET /api/v1/competitions/:id/leaderboard
// @Summary Get leaderboard
// @Description Retrieves a competition's leaderboard with pagination
// @Produce json
// @Param offset query int false "Offset for pagination" default(0)
// @Param limit query int false "Limit for pagination" default(50)
// @Success 200 {object} models.LeaderboardResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/competitions/{id}/leaderboard [get]
func (h *LeaderboardHandler) GetLeaderboard(c *fiber.Ctx) error {
	var q models.PageQuery
	if err := c.QueryParser(&q); err != nil {
		return fmt.Errorf("%w: invalid query", common.ErrBadRequest)
	}
	if err := h.validator.Struct(&q); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}

	leaderboard, err := h.service.GetLeaderboard(c.UserContext(), middleware.CompetitionFrom(c), q.Offset, q.Limit)
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(leaderboard)
}

// AroundMe handles GET /api/v1/competitions/:id/leaderboard/around-me
// @Summary Leaderboard around the caller
// @Description Returns the entries within window ranks of the caller
// @Produce json
// @Param window query int false "Ranks on each side" default(5)
// @Success 200 {object} models.LeaderboardResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/v1/competitions/{id}/leaderboard/around-me [get]
func (h *LeaderboardHandler) AroundMe(c *fiber.Ctx) error {
	var q models.AroundMeQuery
	if err := c.QueryParser(&q); err != nil {
		return fmt.Errorf("%w: invalid query", common.ErrBadRequest)
	}
	if err := h.validator.Struct(&q); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}

	identity := middleware.IdentityFrom(c)
	if identity.Anonymous() {
		return common.ErrUnauthorized
	}

	leaderboard, err := h.service.AroundMe(c.UserContext(), middleware.CompetitionFrom(c), identity.UserID, q.Window)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(leaderboard)
}

// HandleWebSocket streams leaderboard version changes of the competition
// loaded for the upgrade request
func (h *LeaderboardHandler) HandleWebSocket(conn *fiberws.Conn) {
	comp, _ := conn.Locals(middleware.CompetitionLocal).(*models.Competition)
	if comp == nil {
		conn.Close()
		return
	}
	websocket.ServeWS(h.hub, conn, comp.ID)
}

// HealthCheck handles GET /api/v1/health
// @Summary Health check
// @Description Checks the health of the service and its dependencies
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} models.ErrorResponse
// @Router /api/v1/health [get]
func (h *LeaderboardHandler) HealthCheck(c *fiber.Ctx) error {
	if err := h.service.HealthCheck(c.UserContext()); err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(models.ErrorResponse{
			Error: models.ErrorBody{Code: "UNHEALTHY", Message: err.Error()},
		})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status":            "healthy",
		"message":           "All systems operational",
		"websocket_clients": h.hub.GetClientCount(),
	})
}
