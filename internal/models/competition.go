package models

import (
	"fmt"
	"strings"
	"time"
)

// DefaultDailySubmissionLimit applies when a competition does not configure its own cap
const DefaultDailySubmissionLimit = 5

// CompetitionStatus is the lifecycle state of a competition
type CompetitionStatus string

const (
	CompetitionDraft  CompetitionStatus = "draft"
	CompetitionActive CompetitionStatus = "active"
	CompetitionEnded  CompetitionStatus = "ended"
)

// CanTransition reports whether a competition may move from s to next.
// Lifecycle is forward only: draft -> active -> ended.
func (s CompetitionStatus) CanTransition(next CompetitionStatus) bool {
	switch s {
	case CompetitionDraft:
		return next == CompetitionActive
	case CompetitionActive:
		return next == CompetitionEnded
	}
	return false
}

// Metric is the evaluation metric configured on a competition
type Metric string

const (
	MetricAUCROC   Metric = "auc_roc"
	MetricRMSE     Metric = "rmse"
	MetricMAE      Metric = "mae"
	MetricAccuracy Metric = "accuracy"
	MetricF1       Metric = "f1"
)

var metricAliases = map[string]Metric{
	"auc_roc":  MetricAUCROC,
	"roc_auc":  MetricAUCROC,
	"auc":      MetricAUCROC,
	"rmse":     MetricRMSE,
	"mae":      MetricMAE,
	"accuracy": MetricAccuracy,
	"f1":       MetricF1,
	"f1_score": MetricF1,
}

// ParseMetric normalises a metric name ("AUC-ROC", "roc_auc", "f1_score", ...)
func ParseMetric(name string) (Metric, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), "-", "_")
	if m, ok := metricAliases[normalized]; ok {
		return m, nil
	}
	return "", fmt.Errorf("unknown metric: %q", name)
}

// LowerIsBetter reports the optimisation direction of the metric
func (m Metric) LowerIsBetter() bool {
	return m == MetricRMSE || m == MetricMAE
}

// Better reports whether score a strictly beats score b under this metric
func (m Metric) Better(a, b float64) bool {
	if m.LowerIsBetter() {
		return a < b
	}
	return a > b
}

// Competition represents a hosted data-science competition
type Competition struct {
	ID                   uint              `gorm:"primarykey" json:"id"`
	Slug                 string            `gorm:"uniqueIndex;size:200;not null" json:"slug"`
	Title                string            `gorm:"size:200;not null" json:"title" validate:"required,min=3,max=200"`
	SponsorID            string            `gorm:"size:64;index;not null" json:"sponsor_id" validate:"required"`
	Status               CompetitionStatus `gorm:"type:varchar(16);not null;default:draft;index" json:"status" validate:"required,oneof=draft active ended"`
	Metric               Metric            `gorm:"type:varchar(32);not null" json:"metric" validate:"required,oneof=auc_roc rmse mae accuracy f1"`
	DailySubmissionLimit int               `gorm:"not null;default:5" json:"daily_submission_limit" validate:"min=0,max=1000"`
	Timezone             string            `gorm:"size:64;not null;default:UTC" json:"timezone" validate:"omitempty,timezone"`
	TruthSetKey          string            `gorm:"not null" json:"-" validate:"required"`
	IDColumn             string            `gorm:"size:64;not null;default:id" json:"id_column"`
	PredictionColumn     string            `gorm:"size:64;not null;default:prediction" json:"prediction_column"`
	TargetColumn         string            `gorm:"size:64;not null;default:target" json:"-"`
	StartsAt             *time.Time        `json:"starts_at,omitempty"`
	EndsAt               *time.Time        `json:"ends_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Competition) TableName() string {
	return "competitions"
}

// Location returns the competition's configured timezone, UTC when unset or unknown
func (c *Competition) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SubmissionLimit returns the effective daily submission cap
func (c *Competition) SubmissionLimit() int {
	if c.DailySubmissionLimit <= 0 {
		return DefaultDailySubmissionLimit
	}
	return c.DailySubmissionLimit
}

// AcceptingSubmissions reports whether the competition is active and inside its date window at now
func (c *Competition) AcceptingSubmissions(now time.Time) bool {
	if c.Status != CompetitionActive {
		return false
	}
	if c.StartsAt != nil && now.Before(*c.StartsAt) {
		return false
	}
	if c.EndsAt != nil && !now.Before(*c.EndsAt) {
		return false
	}
	return true
}

// Columns returns the id, prediction and target column names with defaults applied
func (c *Competition) Columns() (id, prediction, target string) {
	id, prediction, target = c.IDColumn, c.PredictionColumn, c.TargetColumn
	if id == "" {
		id = "id"
	}
	if prediction == "" {
		prediction = "prediction"
	}
	if target == "" {
		target = "target"
	}
	return id, prediction, target
}

// Enrollment records a user's membership in a competition
type Enrollment struct {
	ID            uint      `gorm:"primarykey" json:"-"`
	CompetitionID uint      `gorm:"uniqueIndex:idx_enrollments_competition_user;not null" json:"competition_id"`
	UserID        string    `gorm:"uniqueIndex:idx_enrollments_competition_user;size:64;not null;index" json:"user_id"`
	EnrolledAt    time.Time `gorm:"not null" json:"enrolled_at"`
}

// TableName specifies the table name for GORM
func (Enrollment) TableName() string {
	return "enrollments"
}
