package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PostgresRepository handles all PostgreSQL operations
type PostgresRepository struct {
	db *gorm.DB
}

// NewPostgresRepository creates a new Postgres repository
func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{
		db: db,
	}
}

// UpsertCompetition creates a competition or updates the one with the same slug
func (r *PostgresRepository) UpsertCompetition(ctx context.Context, comp *models.Competition) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "slug"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"title", "sponsor_id", "status", "metric", "daily_submission_limit", "timezone",
			"truth_set_key", "id_column", "prediction_column", "target_column",
			"starts_at", "ends_at", "updated_at",
		}),
	}).Create(comp).Error
}

// GetCompetition retrieves a competition by id
func (r *PostgresRepository) GetCompetition(ctx context.Context, id uint) (*models.Competition, error) {
	var comp models.Competition
	err := r.db.WithContext(ctx).First(&comp, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrCompetitionNotFound
		}
		return nil, err
	}
	return &comp, nil
}

// GetCompetitionBySlug retrieves a competition by slug
func (r *PostgresRepository) GetCompetitionBySlug(ctx context.Context, slug string) (*models.Competition, error) {
	var comp models.Competition
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&comp).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrCompetitionNotFound
		}
		return nil, err
	}
	return &comp, nil
}

// UpdateCompetitionStatus moves a competition from one status to another.
// The conditional update makes concurrent transitions safe.
func (r *PostgresRepository) UpdateCompetitionStatus(ctx context.Context, id uint, from, to models.CompetitionStatus) error {
	res := r.db.WithContext(ctx).Model(&models.Competition{}).
		Where("id = ? AND status = ?", id, from).
		Updates(map[string]interface{}{"status": to, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.GetCompetition(ctx, id); err != nil {
			return err
		}
		return common.ErrInvalidTransition
	}
	return nil
}

// GetEnrollment retrieves a user's enrollment in a competition
func (r *PostgresRepository) GetEnrollment(ctx context.Context, competitionID uint, userID string) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).
		Where("competition_id = ? AND user_id = ?", competitionID, userID).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotEnrolled
		}
		return nil, err
	}
	return &e, nil
}

// CreateEnrollment inserts an enrollment; the unique index rejects duplicates
func (r *PostgresRepository) CreateEnrollment(ctx context.Context, e *models.Enrollment) error {
	err := r.db.WithContext(ctx).Create(e).Error
	if common.IsUniqueViolation(err) {
		return common.ErrAlreadyEnrolled
	}
	return err
}

// DeleteEnrollment removes a user's enrollment
func (r *PostgresRepository) DeleteEnrollment(ctx context.Context, competitionID uint, userID string) error {
	res := r.db.WithContext(ctx).
		Where("competition_id = ? AND user_id = ?", competitionID, userID).
		Delete(&models.Enrollment{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotEnrolled
	}
	return nil
}

// BulkInsertEnrollments efficiently inserts multiple enrollments, skipping existing ones
func (r *PostgresRepository) BulkInsertEnrollments(ctx context.Context, enrollments []models.Enrollment, batchSize int) error {
	if len(enrollments) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(enrollments, batchSize).Error
}

// CreateSubmission inserts a new submission
func (r *PostgresRepository) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

// GetSubmission retrieves a submission by id
func (r *PostgresRepository) GetSubmission(ctx context.Context, id string) (*models.Submission, error) {
	var sub models.Submission
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrSubmissionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// ListSubmissions returns a page of a competition's submissions, newest first.
// An empty userID lists every user's submissions.
func (r *PostgresRepository) ListSubmissions(ctx context.Context, competitionID uint, userID string, offset, limit int) ([]models.Submission, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.Submission{}).Where("competition_id = ?", competitionID)
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	subs := make([]models.Submission, 0, limit)
	err := q.Order("submitted_at DESC, id DESC").Offset(offset).Limit(limit).Find(&subs).Error
	return subs, total, err
}

// TransitionSubmission moves a submission to status to, writing patch in the
// same statement. The WHERE clause only matches legal predecessor states, so
// the forward-only lifecycle holds even with concurrent writers.
func (r *PostgresRepository) TransitionSubmission(ctx context.Context, id string, to models.SubmissionStatus, patch models.SubmissionPatch) (*models.Submission, error) {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	if patch.FileKey != "" {
		updates["file_key"] = patch.FileKey
	}
	if patch.Score != nil {
		updates["score"] = *patch.Score
	}
	if patch.Error != nil {
		updates["error"] = *patch.Error
	}
	if len(patch.Errors) > 0 {
		updates["errors"] = patch.Errors
	}
	if patch.ScoredAt != nil {
		updates["scored_at"] = *patch.ScoredAt
	}

	res := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("id = ? AND status IN ?", id, to.AllowedFrom()).
		Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}

	sub, err := r.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, sub.Status, to)
	}
	return sub, nil
}

// FailStaleSubmissions marks submissions stuck in a non-terminal state since
// before as failed and returns how many were affected
func (r *PostgresRepository) FailStaleSubmissions(ctx context.Context, before time.Time, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.Submission{}).
		Where("status IN ? AND updated_at < ?",
			[]models.SubmissionStatus{models.SubmissionPending, models.SubmissionValidating}, before).
		Updates(map[string]interface{}{
			"status":     models.SubmissionFailed,
			"error":      reason,
			"updated_at": time.Now(),
		})
	return res.RowsAffected, res.Error
}

// ScoredSubmissions returns a competition's scored submissions in submission order
func (r *PostgresRepository) ScoredSubmissions(ctx context.Context, competitionID uint) ([]models.Submission, error) {
	var subs []models.Submission
	err := r.db.WithContext(ctx).
		Where("competition_id = ? AND status = ?", competitionID, models.SubmissionScored).
		Order("submitted_at ASC, id ASC").
		Find(&subs).Error
	return subs, err
}

// lockCompetition takes a row lock on the competition inside tx. Every
// leaderboard writer of the competition queues behind it.
func lockCompetition(tx *gorm.DB, competitionID uint) error {
	var comp models.Competition
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		First(&comp, competitionID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return common.ErrCompetitionNotFound
	}
	return err
}

// UpdateLeaderboard runs a read-modify-write over a competition's entries in
// one transaction holding the competition row lock. The submission's ranked
// flag is claimed in the same transaction, so a replayed submission is seen as
// stale. Entries returned by fn are upserted; a nil return leaves the table untouched.
func (r *PostgresRepository) UpdateLeaderboard(ctx context.Context, competitionID uint, submissionID string, fn func([]models.LeaderboardEntry, bool) ([]models.LeaderboardEntry, error)) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockCompetition(tx, competitionID); err != nil {
			return err
		}

		claim := tx.Model(&models.Submission{}).
			Where("id = ? AND ranked = ?", submissionID, false).
			Update("ranked", true)
		if claim.Error != nil {
			return claim.Error
		}

		var entries []models.LeaderboardEntry
		if err := tx.Where("competition_id = ?", competitionID).Order("rank ASC").Find(&entries).Error; err != nil {
			return err
		}

		next, err := fn(entries, claim.RowsAffected == 1)
		if err != nil || len(next) == 0 {
			return err
		}

		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "competition_id"}, {Name: "user_id"}},
			UpdateAll: true,
		}).CreateInBatches(next, 500).Error
	})
}

// ReplaceLeaderboard swaps a competition's entire entry set and marks the
// submissions it was derived from as ranked
func (r *PostgresRepository) ReplaceLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, submissionIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockCompetition(tx, competitionID); err != nil {
			return err
		}
		if err := tx.Where("competition_id = ?", competitionID).Delete(&models.LeaderboardEntry{}).Error; err != nil {
			return err
		}

		for start := 0; start < len(submissionIDs); start += 1000 {
			end := start + 1000
			if end > len(submissionIDs) {
				end = len(submissionIDs)
			}
			err := tx.Model(&models.Submission{}).
				Where("id IN ?", submissionIDs[start:end]).
				Update("ranked", true).Error
			if err != nil {
				return err
			}
		}

		if len(entries) == 0 {
			return nil
		}
		return tx.CreateInBatches(entries, 500).Error
	})
}

// GetLeaderboardEntry retrieves one user's entry
func (r *PostgresRepository) GetLeaderboardEntry(ctx context.Context, competitionID uint, userID string) (*models.LeaderboardEntry, error) {
	var e models.LeaderboardEntry
	err := r.db.WithContext(ctx).
		Where("competition_id = ? AND user_id = ?", competitionID, userID).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, common.ErrNotRanked
		}
		return nil, err
	}
	return &e, nil
}

// LeaderboardEntries returns all entries of a competition ordered by rank
func (r *PostgresRepository) LeaderboardEntries(ctx context.Context, competitionID uint) ([]models.LeaderboardEntry, error) {
	var entries []models.LeaderboardEntry
	err := r.db.WithContext(ctx).
		Where("competition_id = ?", competitionID).
		Order("rank ASC").
		Find(&entries).Error
	return entries, err
}

// LeaderboardPage returns a rank-ordered page of entries and the total count
func (r *PostgresRepository) LeaderboardPage(ctx context.Context, competitionID uint, offset, limit int) ([]models.LeaderboardEntry, int64, error) {
	q := r.db.WithContext(ctx).Model(&models.LeaderboardEntry{}).Where("competition_id = ?", competitionID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	entries := make([]models.LeaderboardEntry, 0, limit)
	err := q.Order("rank ASC").Offset(offset).Limit(limit).Find(&entries).Error
	return entries, total, err
}

// Ping checks if database is reachable
func (r *PostgresRepository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection
func (r *PostgresRepository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// AutoMigrate runs database migrations
func (r *PostgresRepository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&models.Competition{},
		&models.Enrollment{},
		&models.Submission{},
		&models.LeaderboardEntry{},
	)
}
