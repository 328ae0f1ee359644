package ratelimit

import (
	"context"
	"fmt"
	"time"

	"daggle/internal/models"
)

// KeyPrefix namespaces daily submission counters
const KeyPrefix = "ratelimit:submissions"

// Counter is an atomic, expiring counter store.
// Reserve must perform check-then-increment as one atomic step: when the
// current count is below limit it increments and returns allowed=true,
// otherwise it returns allowed=false without mutating state.
type Counter interface {
	Reserve(ctx context.Context, key string, limit int, expireAt time.Time) (allowed bool, count int, err error)
	Count(ctx context.Context, key string) (int, error)
}

// Reservation is the outcome of a reservation attempt or a usage lookup
type Reservation struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	ResetsAt  time.Time `json:"resets_at"`
}

// Limiter enforces per-competition daily submission caps
type Limiter struct {
	counter Counter
}

// NewLimiter creates a limiter backed by counter
func NewLimiter(counter Counter) *Limiter {
	return &Limiter{counter: counter}
}

// TryReserve charges one submission attempt against the user's daily bucket.
// Reservations are never released.
func (l *Limiter) TryReserve(ctx context.Context, userID string, comp *models.Competition, at time.Time) (*Reservation, error) {
	day, resetsAt := Bucket(comp.Location(), at)
	limit := comp.SubmissionLimit()

	allowed, count, err := l.counter.Reserve(ctx, Key(comp.ID, userID, day), limit, resetsAt.Add(24*time.Hour))
	if err != nil {
		return nil, fmt.Errorf("failed to reserve submission slot: %w", err)
	}

	return newReservation(allowed, count, limit, resetsAt), nil
}

// Usage returns the user's current daily usage without charging anything
func (l *Limiter) Usage(ctx context.Context, userID string, comp *models.Competition, at time.Time) (*Reservation, error) {
	day, resetsAt := Bucket(comp.Location(), at)
	limit := comp.SubmissionLimit()

	count, err := l.counter.Count(ctx, Key(comp.ID, userID, day))
	if err != nil {
		return nil, fmt.Errorf("failed to read submission usage: %w", err)
	}

	return newReservation(count < limit, count, limit, resetsAt), nil
}

func newReservation(allowed bool, used, limit int, resetsAt time.Time) *Reservation {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return &Reservation{
		Allowed:   allowed,
		Remaining: remaining,
		Used:      used,
		Limit:     limit,
		ResetsAt:  resetsAt,
	}
}

// Bucket returns the calendar day of at in loc (YYYY-MM-DD) and the instant
// of the following local midnight, when that bucket stops receiving charges.
func Bucket(loc *time.Location, at time.Time) (string, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	local := at.In(loc)
	y, m, d := local.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return local.Format("2006-01-02"), next
}

// Key builds the counter key for one (competition, user, day) bucket
func Key(competitionID uint, userID, day string) string {
	return fmt.Sprintf("%s:%d:%s:%s", KeyPrefix, competitionID, userID, day)
}
