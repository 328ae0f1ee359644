package models

import "time"

// ErrorBody is the payload of every API error
type ErrorBody struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// RateLimitDetails is attached to RATE_LIMIT_EXCEEDED errors
type RateLimitDetails struct {
	Limit    int       `json:"limit"`
	Used     int       `json:"used"`
	ResetsAt time.Time `json:"resets_at"`
}

// SubmissionResult is returned by the submission endpoint
type SubmissionResult struct {
	ID           string           `json:"id"`
	Status       SubmissionStatus `json:"status"`
	Score        *float64         `json:"score"`
	Rank         *int             `json:"rank"`
	PreviousRank *int             `json:"previous_rank"`
	SubmittedAt  time.Time        `json:"submitted_at"`
	Error        *string          `json:"error,omitempty"`
}

// SubmissionList is a page of submissions
type SubmissionList struct {
	Data   []Submission `json:"data"`
	Offset int          `json:"offset"`
	Limit  int          `json:"limit"`
	Total  int64        `json:"total"`
}

// LeaderboardResponse represents the paginated leaderboard response
type LeaderboardResponse struct {
	CompetitionID uint               `json:"competition_id"`
	Metric        Metric             `json:"metric"`
	LowerIsBetter bool               `json:"lower_is_better"`
	Data          []LeaderboardEntry `json:"data"`
	Offset        int                `json:"offset"`
	Limit         int                `json:"limit"`
	Total         int64              `json:"total"`
}

// UserContext describes the caller's standing in a competition
type UserContext struct {
	Role             Role       `json:"role"`
	EnrolledAt       *time.Time `json:"enrolled_at"`
	BestScore        *float64   `json:"best_score"`
	Rank             *int       `json:"rank"`
	SubmissionCount  int        `json:"submission_count"`
	SubmissionsToday int        `json:"submissions_today"`
	SubmissionsLimit int        `json:"submissions_limit"`
	ResetsAt         *time.Time `json:"resets_at,omitempty"`
}

// CompetitionResponse is the competition detail payload
type CompetitionResponse struct {
	Competition *Competition `json:"competition"`
	UserContext *UserContext `json:"userContext"`
}

// PageQuery holds offset/limit query parameters
type PageQuery struct {
	Offset int `query:"offset" validate:"min=0"`
	Limit  int `query:"limit" validate:"min=0,max=100"`
}

// AroundMeQuery holds the window size for the around-me leaderboard view
type AroundMeQuery struct {
	Window int `query:"window" validate:"min=0,max=25"`
}

// StatusRequest represents the request payload for changing a competition's status
type StatusRequest struct {
	Status CompetitionStatus `json:"status" validate:"required,oneof=draft active ended"`
}
