package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/ranking"
	"daggle/internal/ratelimit"

	"github.com/gosimple/slug"
)

// CompetitionService handles competition lookup, enrollment and sponsor operations
type CompetitionService struct {
	store  Store
	ranker *ranking.Engine
	now    func() time.Time
}

// NewCompetitionService creates a new competition service
func NewCompetitionService(store Store, ranker *ranking.Engine) *CompetitionService {
	return &CompetitionService{
		store:  store,
		ranker: ranker,
		now:    time.Now,
	}
}

// Get looks a competition up by numeric id or by slug
func (s *CompetitionService) Get(ctx context.Context, idOrSlug string) (*models.Competition, error) {
	if id, err := strconv.ParseUint(idOrSlug, 10, 64); err == nil {
		return s.store.GetCompetition(ctx, uint(id))
	}

	normalized := slug.Make(idOrSlug)
	if normalized == "" {
		return nil, common.ErrCompetitionNotFound
	}
	return s.store.GetCompetitionBySlug(ctx, normalized)
}

// UserContext describes the caller's standing in comp
func (s *CompetitionService) UserContext(ctx context.Context, rc *models.RoleContext, comp *models.Competition) (*models.UserContext, error) {
	uc := &models.UserContext{
		Role:             rc.Role,
		EnrolledAt:       rc.EnrolledAt,
		SubmissionsToday: rc.SubmissionsToday,
		SubmissionsLimit: rc.SubmissionsLimit,
	}
	if rc.UserID == "" {
		return uc, nil
	}

	entry, err := s.store.GetLeaderboardEntry(ctx, comp.ID, rc.UserID)
	switch {
	case err == nil:
		best, rank := entry.BestScore, entry.Rank
		uc.BestScore = &best
		uc.Rank = &rank
		uc.SubmissionCount = entry.SubmissionCount
	case errors.Is(err, common.ErrNotRanked):
	default:
		return nil, fmt.Errorf("failed to load leaderboard entry: %w", err)
	}

	if rc.IsParticipant() {
		_, resetsAt := ratelimit.Bucket(comp.Location(), s.now())
		uc.ResetsAt = &resetsAt
	}
	return uc, nil
}

// Enroll adds the caller to an active competition
func (s *CompetitionService) Enroll(ctx context.Context, identity *models.Identity, comp *models.Competition) (*models.Enrollment, error) {
	if identity.Anonymous() {
		return nil, common.ErrUnauthorized
	}
	if comp.Status != models.CompetitionActive {
		return nil, common.ErrCompetitionNotActive
	}

	enrollment := &models.Enrollment{
		CompetitionID: comp.ID,
		UserID:        identity.UserID,
		EnrolledAt:    s.now(),
	}
	if err := s.store.CreateEnrollment(ctx, enrollment); err != nil {
		return nil, err
	}

	log.Printf("✓ User %s enrolled in competition %d", identity.UserID, comp.ID)
	return enrollment, nil
}

// Unenroll removes the caller from comp. Past submissions stay on the leaderboard.
func (s *CompetitionService) Unenroll(ctx context.Context, identity *models.Identity, comp *models.Competition) error {
	if identity.Anonymous() {
		return common.ErrUnauthorized
	}
	return s.store.DeleteEnrollment(ctx, comp.ID, identity.UserID)
}

// SetStatus moves comp forward through draft -> active -> ended. Sponsor only.
func (s *CompetitionService) SetStatus(ctx context.Context, rc *models.RoleContext, comp *models.Competition, to models.CompetitionStatus) (*models.Competition, error) {
	if !rc.IsSponsor() {
		return nil, common.ErrPermissionDenied
	}
	if !comp.Status.CanTransition(to) {
		return nil, fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, comp.Status, to)
	}

	if err := s.store.UpdateCompetitionStatus(ctx, comp.ID, comp.Status, to); err != nil {
		return nil, err
	}

	log.Printf("✓ Competition %d status changed %s -> %s", comp.ID, comp.Status, to)
	return s.store.GetCompetition(ctx, comp.ID)
}

// RebuildLeaderboard recomputes comp's leaderboard from scored history. Sponsor only.
func (s *CompetitionService) RebuildLeaderboard(ctx context.Context, rc *models.RoleContext, comp *models.Competition) ([]models.LeaderboardEntry, error) {
	if !rc.IsSponsor() {
		return nil, common.ErrPermissionDenied
	}
	return s.ranker.Rebuild(ctx, comp)
}
