package handlers

import (
	"fmt"
	"io"

	"daggle/internal/api/middleware"
	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// SubmissionHandler handles prediction uploads and submission history
type SubmissionHandler struct {
	service        *service.SubmissionService
	validator      *validator.Validate
	maxUploadBytes int64
}

// NewSubmissionHandler creates a new submission handler
func NewSubmissionHandler(service *service.SubmissionService, maxUploadBytes int64) *SubmissionHandler {
	return &SubmissionHandler{
		service:        service,
		validator:      validator.New(),
		maxUploadBytes: maxUploadBytes,
	}
}

// Submit handles POST /api/v1/competitions/:id/submissions
// @Summary Submit predictions
// @Description Validates, scores and ranks an uploaded prediction CSV
// @Accept multipart/form-data
// @Produce json
// @Param file formData file true "Prediction CSV"
// @Success 201 {object} models.SubmissionResult
// @Success 202 {object} models.SubmissionResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Failure 422 {object} models.ErrorResponse
// @Failure 429 {object} models.ErrorResponse
// @Router /api/v1/competitions/{id}/submissions [post]
func (h *SubmissionHandler) Submit(c *fiber.Ctx) error {
	header, err := c.FormFile("file")
	if err != nil {
		return fmt.Errorf("%w: multipart field \"file\" is required", common.ErrBadRequest)
	}
	if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
		return &common.ValidationError{Errors: []models.FieldError{{
			Code:    models.CodeFileTooLarge,
			Field:   "file",
			Message: fmt.Sprintf("file exceeds the %d byte limit", h.maxUploadBytes),
		}}}
	}

	f, err := header.Open()
	if err != nil {
		return fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("failed to read upload: %w", err)
	}

	result, err := h.service.Submit(c.UserContext(), middleware.RoleFrom(c), middleware.CompetitionFrom(c), service.Upload{
		FileName: header.Filename,
		Content:  content,
	})
	if err != nil {
		return err
	}

	status := fiber.StatusCreated
	if !result.Status.Terminal() {
		status = fiber.StatusAccepted
	}
	return c.Status(status).JSON(result)
}

// ListSubmissions handles GET /api/v1/competitions/:id/submissions
func (h *SubmissionHandler) ListSubmissions(c *fiber.Ctx) error {
	var q models.PageQuery
	if err := c.QueryParser(&q); err != nil {
		return fmt.Errorf("%w: invalid query", common.ErrBadRequest)
	}
	if err := h.validator.Struct(&q); err != nil {
		return fmt.Errorf("%w: %v", common.ErrBadRequest, err)
	}

	list, err := h.service.List(c.UserContext(), middleware.RoleFrom(c), q.Offset, q.Limit)
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(list)
}

// GetSubmission handles GET /api/v1/competitions/:id/submissions/:sid
func (h *SubmissionHandler) GetSubmission(c *fiber.Ctx) error {
	sub, err := h.service.Get(c.UserContext(), middleware.RoleFrom(c), c.Params("sid"))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusOK).JSON(sub)
}
