package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.Server.Port)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "earliest_best", cfg.Leaderboard.TieBreak)
	assert.Equal(t, 60*time.Second, cfg.Scoring.Timeout)
	assert.Equal(t, "localhost:6379", cfg.GetRedisAddr())
	assert.Contains(t, cfg.GetDSN(), "dbname=daggle")
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/x")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("SCORING_TIMEOUT", "5s")
	t.Setenv("SCORING_QUEUE_WAIT", "30s")
	t.Setenv("SWEEPER_STALE_AFTER", "1m")
	t.Setenv("LEADERBOARD_TIE_BREAK", "EARLIEST_FIRST")
	t.Setenv("DEFAULT_TIMEZONE", "Asia/Tokyo")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.GetDSN())
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Scoring.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Scoring.QueueWait)
	assert.Equal(t, "earliest_first", cfg.Leaderboard.TieBreak)
	assert.Equal(t, "Asia/Tokyo", cfg.Leaderboard.DefaultTimezone)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing secret": {},
		"bad tie break":  {"JWT_SECRET": "0123456789abcdef0123", "LEADERBOARD_TIE_BREAK": "random"},
		"bad timezone":   {"JWT_SECRET": "0123456789abcdef0123", "DEFAULT_TIMEZONE": "Mars/Olympus"},
		"sweeper too eager": {
			"JWT_SECRET":          "0123456789abcdef0123",
			"SCORING_TIMEOUT":     "2m",
			"SWEEPER_STALE_AFTER": "1m",
		},
		"sweeper ignores queue wait": {
			"JWT_SECRET":          "0123456789abcdef0123",
			"SCORING_TIMEOUT":     "1m",
			"SCORING_QUEUE_WAIT":  "10m",
			"SWEEPER_STALE_AFTER": "10m",
		},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("JWT_SECRET", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
