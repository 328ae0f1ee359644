package handlers

import (
	"errors"
	"log"

	"daggle/internal/common"
	"daggle/internal/models"

	"github.com/gofiber/fiber/v2"
)

// ErrorHandler renders every error returned by handlers and middleware as
// {"error": {"code", "message", "details"}}
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(models.ErrorResponse{
			Error: models.ErrorBody{Code: codeForStatus(fiberErr.Code), Message: fiberErr.Message},
		})
	}

	status := common.HTTPStatusFromError(err)
	body := models.ErrorBody{
		Code:    common.CodeFromError(err),
		Message: err.Error(),
	}

	var rateErr *common.RateLimitError
	var valErr *common.ValidationError
	switch {
	case errors.As(err, &rateErr):
		body.Details = models.RateLimitDetails{
			Limit:    rateErr.Limit,
			Used:     rateErr.Used,
			ResetsAt: rateErr.ResetsAt,
		}
	case errors.As(err, &valErr):
		body.Message = "submission failed validation"
		body.Details = valErr.Errors
	case errors.Is(err, common.ErrScoringFailed):
		// the cause was logged by the pipeline
		body.Message = common.ErrScoringFailed.Error()
	}

	if status >= fiber.StatusInternalServerError && status != fiber.StatusServiceUnavailable {
		log.Printf("❌ %s %s failed: %v", c.Method(), c.Path(), err)
		body.Message = "internal server error"
	}

	return c.Status(status).JSON(models.ErrorResponse{Error: body})
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusRequestEntityTooLarge:
		return models.CodeFileTooLarge
	case fiber.StatusUpgradeRequired:
		return "UPGRADE_REQUIRED"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusMethodNotAllowed:
		return "METHOD_NOT_ALLOWED"
	}
	if status >= fiber.StatusInternalServerError {
		return "INTERNAL_ERROR"
	}
	return "BAD_REQUEST"
}
