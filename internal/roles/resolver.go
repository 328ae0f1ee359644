package roles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/ratelimit"
)

// CompetitionSource looks up competitions by id
type CompetitionSource interface {
	GetCompetition(ctx context.Context, id uint) (*models.Competition, error)
}

// EnrollmentSource looks up enrollments. Absence is common.ErrNotEnrolled.
type EnrollmentSource interface {
	GetEnrollment(ctx context.Context, competitionID uint, userID string) (*models.Enrollment, error)
}

// UsageSource reports today's submission usage without charging it
type UsageSource interface {
	Usage(ctx context.Context, userID string, comp *models.Competition, at time.Time) (*ratelimit.Reservation, error)
}

// Resolver derives a caller's role in a competition from ownership and
// enrollment state. It has no side effects and is meant to run once per request.
type Resolver struct {
	competitions CompetitionSource
	enrollments  EnrollmentSource
	usage        UsageSource
	now          func() time.Time
}

// NewResolver creates a resolver
func NewResolver(competitions CompetitionSource, enrollments EnrollmentSource, usage UsageSource) *Resolver {
	return &Resolver{
		competitions: competitions,
		enrollments:  enrollments,
		usage:        usage,
		now:          time.Now,
	}
}

// Resolve loads the competition and resolves the caller's role in it
func (r *Resolver) Resolve(ctx context.Context, identity *models.Identity, competitionID uint) (*models.RoleContext, error) {
	comp, err := r.competitions.GetCompetition(ctx, competitionID)
	if err != nil {
		return nil, err
	}
	return r.ResolveFor(ctx, identity, comp)
}

// ResolveFor resolves the caller's role in an already loaded competition:
// sponsor if they own it (or administer the platform), participant if
// enrolled, viewer otherwise. Anonymous callers are always viewers.
func (r *Resolver) ResolveFor(ctx context.Context, identity *models.Identity, comp *models.Competition) (*models.RoleContext, error) {
	if comp == nil {
		return nil, common.ErrCompetitionNotFound
	}

	rc := &models.RoleContext{
		Role:             models.RoleViewer,
		CompetitionID:    comp.ID,
		SubmissionsLimit: comp.SubmissionLimit(),
	}
	if identity.Anonymous() {
		return rc, nil
	}
	rc.UserID = identity.UserID

	enrollment, err := r.enrollments.GetEnrollment(ctx, comp.ID, identity.UserID)
	switch {
	case err == nil:
		rc.EnrolledAt = &enrollment.EnrolledAt
	case errors.Is(err, common.ErrNotEnrolled):
	default:
		return nil, fmt.Errorf("failed to resolve enrollment: %w", err)
	}

	switch {
	case comp.SponsorID == identity.UserID || identity.IsAdmin:
		rc.Role = models.RoleSponsor
	case rc.EnrolledAt != nil:
		rc.Role = models.RoleParticipant
	}

	if rc.Role == models.RoleParticipant && r.usage != nil {
		usage, err := r.usage.Usage(ctx, identity.UserID, comp, r.now())
		if err != nil {
			return nil, err
		}
		rc.SubmissionsToday = usage.Used
	}

	return rc, nil
}
