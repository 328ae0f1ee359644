package service

import (
	"context"
	"time"

	"daggle/internal/models"
)

// Store is the persistence the services depend on. It is implemented by
// repository.PostgresRepository and, in tests, by testutil.Store.
type Store interface {
	Ping(ctx context.Context) error

	GetCompetition(ctx context.Context, id uint) (*models.Competition, error)
	GetCompetitionBySlug(ctx context.Context, slug string) (*models.Competition, error)
	UpdateCompetitionStatus(ctx context.Context, id uint, from, to models.CompetitionStatus) error

	GetEnrollment(ctx context.Context, competitionID uint, userID string) (*models.Enrollment, error)
	CreateEnrollment(ctx context.Context, enrollment *models.Enrollment) error
	DeleteEnrollment(ctx context.Context, competitionID uint, userID string) error

	CreateSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, id string) (*models.Submission, error)
	ListSubmissions(ctx context.Context, competitionID uint, userID string, offset, limit int) ([]models.Submission, int64, error)
	TransitionSubmission(ctx context.Context, id string, to models.SubmissionStatus, patch models.SubmissionPatch) (*models.Submission, error)
	FailStaleSubmissions(ctx context.Context, before time.Time, reason string) (int64, error)
	ScoredSubmissions(ctx context.Context, competitionID uint) ([]models.Submission, error)

	UpdateLeaderboard(ctx context.Context, competitionID uint, submissionID string, fn func([]models.LeaderboardEntry, bool) ([]models.LeaderboardEntry, error)) error
	ReplaceLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, submissionIDs []string) error
	GetLeaderboardEntry(ctx context.Context, competitionID uint, userID string) (*models.LeaderboardEntry, error)
	LeaderboardEntries(ctx context.Context, competitionID uint) ([]models.LeaderboardEntry, error)
	LeaderboardPage(ctx context.Context, competitionID uint, offset, limit int) ([]models.LeaderboardEntry, int64, error)
}

// LeaderboardCache is the read cache in front of the leaderboard tables.
// It is implemented by repository.RedisRepository.
type LeaderboardCache interface {
	CacheLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, bumpVersion bool) error
	RefillLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, seenVersion int64) (bool, error)
	GetLeaderboardPage(ctx context.Context, competitionID uint, offset, limit int) ([]models.LeaderboardEntry, int64, bool, error)
	GetUserRank(ctx context.Context, competitionID uint, userID string) (int, bool, error)
	GetLeaderboardVersion(ctx context.Context, competitionID uint) (int64, error)
	Ping(ctx context.Context) error
}
