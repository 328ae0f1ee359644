package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"daggle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCompetition(limit int, tz string) *models.Competition {
	return &models.Competition{
		ID:                   7,
		Status:               models.CompetitionActive,
		DailySubmissionLimit: limit,
		Timezone:             tz,
	}
}

// fixedLimiter uses a counter whose clock is pinned to at, so buckets of
// historical dates are not treated as expired
func fixedLimiter(at time.Time) *Limiter {
	counter := NewMemoryCounter()
	counter.now = func() time.Time { return at }
	return NewLimiter(counter)
}

func TestTryReserveIsRaceSafe(t *testing.T) {
	for _, n := range []int{5, 6, 20, 200} {
		at := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
		limiter := fixedLimiter(at)
		comp := testCompetition(5, "UTC")

		var allowed atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res, err := limiter.TryReserve(context.Background(), "alice", comp, at)
				if assert.NoError(t, err) && res.Allowed {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.EqualValues(t, 5, allowed.Load(), "n=%d", n)
	}
}

func TestLimitBoundary(t *testing.T) {
	at := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)
	limiter := fixedLimiter(at)
	comp := testCompetition(5, "UTC")
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		res, err := limiter.TryReserve(ctx, "alice", comp, at)
		require.NoError(t, err)
		require.True(t, res.Allowed)
		assert.Equal(t, i, res.Used)
		assert.Equal(t, 5-i, res.Remaining)
	}

	res, err := limiter.TryReserve(ctx, "alice", comp, at)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 5, res.Used)
	assert.Equal(t, 5, res.Limit)
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), res.ResetsAt)

	usage, err := limiter.Usage(ctx, "alice", comp, at)
	require.NoError(t, err)
	assert.Equal(t, 5, usage.Used, "denied attempts do not mutate the counter")
}

func TestDailyReset(t *testing.T) {
	comp := testCompetition(1, "America/New_York")
	loc := comp.Location()
	ctx := context.Background()

	late := time.Date(2024, 3, 10, 23, 59, 59, 0, loc)
	early := time.Date(2024, 3, 11, 0, 0, 1, 0, loc)
	limiter := fixedLimiter(early)

	res, err := limiter.TryReserve(ctx, "bob", comp, late)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = limiter.TryReserve(ctx, "bob", comp, late)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = limiter.TryReserve(ctx, "bob", comp, early)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "a new local day is a new bucket")
	assert.Equal(t, 1, res.Used)
}

func TestBucketUsesCompetitionTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)

	// 20:00 UTC on the 10th is already the 11th in Tokyo
	at := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)

	day, resets := Bucket(time.UTC, at)
	assert.Equal(t, "2024-03-10", day)
	assert.Equal(t, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), resets)

	day, resets = Bucket(tokyo, at)
	assert.Equal(t, "2024-03-11", day)
	assert.True(t, resets.Equal(time.Date(2024, 3, 12, 0, 0, 0, 0, tokyo)))
}

func TestUsersAndCompetitionsAreIsolated(t *testing.T) {
	limiter := NewLimiter(NewMemoryCounter())
	comp := testCompetition(1, "")
	other := testCompetition(1, "")
	other.ID = 8
	at := time.Now()
	ctx := context.Background()

	for _, tc := range []struct {
		user string
		comp *models.Competition
	}{{"alice", comp}, {"bob", comp}, {"alice", other}} {
		res, err := limiter.TryReserve(ctx, tc.user, tc.comp, at)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
}

func TestMemoryCounterExpiry(t *testing.T) {
	counter := NewMemoryCounter()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	counter.now = func() time.Time { return now }
	ctx := context.Background()

	ok, count, err := counter.Reserve(ctx, "k", 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, count)

	now = now.Add(2 * time.Minute)
	n, err := counter.Count(ctx, "k")
	require.NoError(t, err)
	assert.Zero(t, n)

	ok, _, err = counter.Reserve(ctx, "k", 1, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
}
