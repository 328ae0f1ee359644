package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// SubmissionStatus is the processing state of a submission
type SubmissionStatus string

const (
	SubmissionPending    SubmissionStatus = "pending"
	SubmissionValidating SubmissionStatus = "validating"
	SubmissionScored     SubmissionStatus = "scored"
	SubmissionFailed     SubmissionStatus = "failed"
)

// Terminal reports whether no further transitions are possible
func (s SubmissionStatus) Terminal() bool {
	return s == SubmissionScored || s == SubmissionFailed
}

// CanTransition enforces pending -> validating -> {scored | failed}.
// A pending submission may also fail directly (queue full, storage error, interrupted).
func (s SubmissionStatus) CanTransition(next SubmissionStatus) bool {
	for _, from := range next.AllowedFrom() {
		if s == from {
			return true
		}
	}
	return false
}

// AllowedFrom lists the states that may transition into s
func (s SubmissionStatus) AllowedFrom() []SubmissionStatus {
	switch s {
	case SubmissionValidating:
		return []SubmissionStatus{SubmissionPending}
	case SubmissionScored:
		return []SubmissionStatus{SubmissionValidating}
	case SubmissionFailed:
		return []SubmissionStatus{SubmissionPending, SubmissionValidating}
	}
	return nil
}

// Validation error codes reported per field/row
const (
	CodeMalformedFile   = "MALFORMED_FILE"
	CodeMissingColumn   = "MISSING_COLUMN"
	CodeMissingID       = "MISSING_ID"
	CodeUnexpectedID    = "UNEXPECTED_ID"
	CodeDuplicateID     = "DUPLICATE_ID"
	CodeEmptyID         = "EMPTY_ID"
	CodeEmptyValue      = "EMPTY_VALUE"
	CodeInvalidValue    = "INVALID_VALUE"
	CodeValueOutOfRange = "VALUE_OUT_OF_RANGE"
	CodeInvalidBinary   = "INVALID_BINARY"
	CodeEmptyFile       = "EMPTY_FILE"
	CodeFileTooLarge    = "FILE_TOO_LARGE"
)

// FieldError is a single problem found in an uploaded file
type FieldError struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Row     int    `json:"row,omitempty"`
	Message string `json:"error"`
	// Count is set on summary errors that stand in for several omitted ones
	Count int `json:"count,omitempty"`
}

// FieldErrors is stored as a JSON column
type FieldErrors []FieldError

// Value implements driver.Valuer
func (f FieldErrors) Value() (driver.Value, error) {
	if len(f) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner
func (f *FieldErrors) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*f = nil
		return nil
	case []byte:
		return json.Unmarshal(v, f)
	case string:
		return json.Unmarshal([]byte(v), f)
	default:
		return fmt.Errorf("unsupported type for FieldErrors: %T", src)
	}
}

// Submission is one scoring attempt of a user in a competition
type Submission struct {
	ID            string           `gorm:"primaryKey;type:varchar(36)" json:"id"`
	CompetitionID uint             `gorm:"not null;index:idx_submissions_competition_user" json:"competition_id"`
	UserID        string           `gorm:"size:64;not null;index:idx_submissions_competition_user" json:"user_id"`
	FileKey       string           `gorm:"size:512" json:"-"`
	FileName      string           `gorm:"size:255" json:"file_name"`
	Status        SubmissionStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	Score         *float64         `json:"score"`
	Error         *string          `json:"error"`
	Errors        FieldErrors      `gorm:"type:jsonb" json:"errors,omitempty"`
	SubmittedAt   time.Time        `gorm:"not null;index" json:"submitted_at"`
	ScoredAt      *time.Time       `json:"scored_at,omitempty"`
	// Ranked is set in the same transaction that folds the score into the leaderboard
	Ranked bool `gorm:"not null;default:false" json:"-"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Submission) TableName() string {
	return "submissions"
}

// SubmissionPatch carries the fields written alongside a status transition
type SubmissionPatch struct {
	FileKey  string
	Score    *float64
	Error    *string
	Errors   FieldErrors
	ScoredAt *time.Time
}

// Apply copies the non-empty patch fields onto s
func (p SubmissionPatch) Apply(s *Submission) {
	if p.FileKey != "" {
		s.FileKey = p.FileKey
	}
	if p.Score != nil {
		s.Score = p.Score
	}
	if p.Error != nil {
		s.Error = p.Error
	}
	if len(p.Errors) > 0 {
		s.Errors = p.Errors
	}
	if p.ScoredAt != nil {
		s.ScoredAt = p.ScoredAt
	}
}

// LeaderboardEntry is a user's standing in one competition
type LeaderboardEntry struct {
	CompetitionID     uint      `gorm:"primaryKey;autoIncrement:false" json:"competition_id"`
	UserID            string    `gorm:"primaryKey;size:64" json:"user_id"`
	BestScore         float64   `gorm:"not null" json:"best_score"`
	BestSubmissionID  string    `gorm:"type:varchar(36)" json:"best_submission_id"`
	BestSubmissionAt  time.Time `json:"best_submission_at"`
	FirstSubmissionAt time.Time `json:"first_submission_at"`
	Rank              int       `gorm:"not null;index" json:"rank"`
	SubmissionCount   int       `gorm:"not null;default:0" json:"submission_count"`
	LastSubmissionID  string    `gorm:"type:varchar(36)" json:"-"`
	LastSubmissionAt  time.Time `json:"last_submission_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// TableName specifies the table name for GORM
func (LeaderboardEntry) TableName() string {
	return "leaderboard_entries"
}
