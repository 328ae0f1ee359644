package common

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"daggle/internal/models"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUnauthorized         = errors.New("authentication required")
	ErrBadRequest           = errors.New("bad request")
	ErrCompetitionNotFound  = errors.New("competition not found")
	ErrSubmissionNotFound   = errors.New("submission not found")
	ErrNotEnrolled          = errors.New("user is not enrolled in this competition")
	ErrAlreadyEnrolled      = errors.New("user is already enrolled in this competition")
	ErrNotRanked            = errors.New("user has no leaderboard entry in this competition")
	ErrCompetitionNotActive = errors.New("competition is not accepting submissions")
	ErrPermissionDenied     = errors.New("permission denied")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrScoringFailed        = errors.New("submission could not be scored")
	ErrQueueFull            = errors.New("scoring queue is full, try again later")
	ErrObjectNotFound       = errors.New("stored object not found")
)

// RateLimitError is returned when the daily submission cap is exhausted
type RateLimitError struct {
	Limit    int
	Used     int
	ResetsAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("daily submission limit reached (%d/%d), resets at %s",
		e.Used, e.Limit, e.ResetsAt.Format(time.RFC3339))
}

// ValidationError carries the complete list of problems found in an uploaded file
type ValidationError struct {
	Errors []models.FieldError
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("submission failed validation with %d error(s)", len(e.Errors))
}

// Malformed reports whether the file could not be parsed at all
func (e *ValidationError) Malformed() bool {
	return len(e.Errors) == 1 && e.Errors[0].Code == models.CodeMalformedFile
}

// ScoringError is an internal scoring failure. Reason is logged, never shown to users.
type ScoringError struct {
	Reason string
	Err    error
}

const (
	ReasonDegenerateTruthSet = "degenerate_truth_set"
	ReasonInvalidTruthLabels = "invalid_truth_labels"
	ReasonAlignmentMismatch  = "alignment_mismatch"
	ReasonUnknownMetric      = "unknown_metric"
	ReasonEmptyInput         = "empty_input"
)

func (e *ScoringError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("scoring error (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("scoring error (%s)", e.Reason)
}

func (e *ScoringError) Unwrap() error {
	return e.Err
}

// HTTPStatusFromError maps domain errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return http.StatusTooManyRequests
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		return http.StatusBadRequest
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrCompetitionNotFound),
		errors.Is(err, ErrSubmissionNotFound),
		errors.Is(err, ErrNotRanked):
		return http.StatusNotFound
	case errors.Is(err, ErrNotEnrolled), errors.Is(err, ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrAlreadyEnrolled),
		errors.Is(err, ErrCompetitionNotActive),
		errors.Is(err, ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, ErrScoringFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrQueueFull):
		return http.StatusServiceUnavailable
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return http.StatusConflict
	}

	return http.StatusInternalServerError
}

// CodeFromError returns the stable API error code for err
func CodeFromError(err error) string {
	var rateErr *RateLimitError
	if errors.As(err, &rateErr) {
		return "RATE_LIMIT_EXCEEDED"
	}
	var valErr *ValidationError
	if errors.As(err, &valErr) {
		if valErr.Malformed() {
			return models.CodeMalformedFile
		}
		return "VALIDATION_ERROR"
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return "UNAUTHORIZED"
	case errors.Is(err, ErrBadRequest):
		return "BAD_REQUEST"
	case errors.Is(err, ErrCompetitionNotFound):
		return "COMPETITION_NOT_FOUND"
	case errors.Is(err, ErrSubmissionNotFound):
		return "SUBMISSION_NOT_FOUND"
	case errors.Is(err, ErrNotRanked):
		return "NOT_RANKED"
	case errors.Is(err, ErrNotEnrolled):
		return "NOT_ENROLLED"
	case errors.Is(err, ErrPermissionDenied):
		return "PERMISSION_DENIED"
	case errors.Is(err, ErrAlreadyEnrolled):
		return "ALREADY_ENROLLED"
	case errors.Is(err, ErrCompetitionNotActive):
		return "COMPETITION_NOT_ACTIVE"
	case errors.Is(err, ErrInvalidTransition):
		return "INVALID_TRANSITION"
	case errors.Is(err, ErrScoringFailed):
		return "SCORING_FAILED"
	case errors.Is(err, ErrQueueFull):
		return "QUEUE_FULL"
	}

	if IsUniqueViolation(err) {
		return "CONFLICT"
	}
	return "INTERNAL_ERROR"
}

// IsUniqueViolation reports whether err is a PostgreSQL unique constraint violation
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
