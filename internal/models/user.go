package models

import (
	"fmt"
	"time"
)

// Identity is the authenticated caller as supplied by the auth service.
// It is passed explicitly into every service call; nil means anonymous.
type Identity struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"is_admin"`
}

// Anonymous reports whether the request carries no authenticated user
func (i *Identity) Anonymous() bool {
	return i == nil || i.UserID == ""
}

// Role is the resolved authority of a user within one competition
type Role uint8

const (
	RoleViewer Role = iota
	RoleParticipant
	RoleSponsor
)

func (r Role) String() string {
	switch r {
	case RoleParticipant:
		return "participant"
	case RoleSponsor:
		return "sponsor"
	default:
		return "viewer"
	}
}

// MarshalText encodes the role as its name
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText decodes a role name
func (r *Role) UnmarshalText(text []byte) error {
	switch string(text) {
	case "viewer":
		*r = RoleViewer
	case "participant":
		*r = RoleParticipant
	case "sponsor":
		*r = RoleSponsor
	default:
		return fmt.Errorf("unknown role: %q", string(text))
	}
	return nil
}

// RoleContext is the resolved authority for one (user, competition) request. Never persisted.
type RoleContext struct {
	Role             Role       `json:"role"`
	CompetitionID    uint       `json:"competition_id"`
	UserID           string     `json:"user_id,omitempty"`
	EnrolledAt       *time.Time `json:"enrolled_at"`
	SubmissionsToday int        `json:"submissions_today"`
	SubmissionsLimit int        `json:"submissions_limit"`
}

// IsSponsor reports whether the caller administers the competition
func (rc *RoleContext) IsSponsor() bool {
	return rc != nil && rc.Role == RoleSponsor
}

// IsParticipant reports whether the caller is enrolled (and not the sponsor)
func (rc *RoleContext) IsParticipant() bool {
	return rc != nil && rc.Role == RoleParticipant
}
