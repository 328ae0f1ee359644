package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"daggle/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	// rankingKeyFormat is the sorted set of user ids scored by rank
	rankingKeyFormat = "leaderboard:%d:ranking"

	// entriesKeyFormat is the hash of user id -> cached entry JSON
	entriesKeyFormat = "leaderboard:%d:entries"

	// versionKeyFormat tracks each competition's leaderboard version for change detection
	versionKeyFormat = "leaderboard:%d:version"
)

// reserveScript is an atomic check-then-increment. It never increments past
// ARGV[1], and sets the bucket expiry (ARGV[2], unix ms) on first use.
var reserveScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
  return {0, current}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
  redis.call('PEXPIREAT', KEYS[1], ARGV[2])
end
return {1, current}
`)

// RedisRepository handles all Redis operations
type RedisRepository struct {
	client *redis.Client
}

// NewRedisRepository creates a new Redis repository
func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{
		client: client,
	}
}

func rankingKey(competitionID uint) string { return fmt.Sprintf(rankingKeyFormat, competitionID) }
func entriesKey(competitionID uint) string { return fmt.Sprintf(entriesKeyFormat, competitionID) }
func versionKey(competitionID uint) string { return fmt.Sprintf(versionKeyFormat, competitionID) }

// Reserve implements ratelimit.Counter with a single Lua script, so the
// check and the increment cannot interleave across server instances
func (r *RedisRepository) Reserve(ctx context.Context, key string, limit int, expireAt time.Time) (bool, int, error) {
	res, err := reserveScript.Run(ctx, r.client, []string{key}, limit, expireAt.UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected reserve script reply: %v", res)
	}
	return res[0] == 1, int(res[1]), nil
}

// Count implements ratelimit.Counter
func (r *RedisRepository) Count(ctx context.Context, key string) (int, error) {
	n, err := r.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// errStaleRefill aborts a refill whose snapshot predates a newer cache write
var errStaleRefill = errors.New("leaderboard changed during refill")

// CacheLeaderboard replaces the cached leaderboard of a competition.
// The ranking set is scored by rank so ZRANGE by index is rank order.
// bumpVersion signals websocket subscribers that the standings changed.
func (r *RedisRepository) CacheLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, bumpVersion bool) error {
	members, fields, err := encodeLeaderboard(entries)
	if err != nil {
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeLeaderboard(ctx, pipe, competitionID, members, fields)
		if bumpVersion {
			pipe.Incr(ctx, versionKey(competitionID))
		}
		return nil
	})
	return err
}

// RefillLeaderboard fills the cache from a database snapshot taken while the
// version was seenVersion. The write is skipped (ok is false) when a leaderboard
// change was published in the meantime, so an old snapshot never replaces a newer one.
func (r *RedisRepository) RefillLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, seenVersion int64) (bool, error) {
	members, fields, err := encodeLeaderboard(entries)
	if err != nil {
		return false, err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, versionKey(competitionID)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != seenVersion {
			return errStaleRefill
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writeLeaderboard(ctx, pipe, competitionID, members, fields)
			return nil
		})
		return err
	}, versionKey(competitionID))

	if errors.Is(err, errStaleRefill) || errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func encodeLeaderboard(entries []models.LeaderboardEntry) ([]redis.Z, map[string]interface{}, error) {
	members := make([]redis.Z, 0, len(entries))
	fields := make(map[string]interface{}, len(entries))
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode leaderboard entry: %w", err)
		}
		members = append(members, redis.Z{Score: float64(e.Rank), Member: e.UserID})
		fields[e.UserID] = payload
	}
	return members, fields, nil
}

func writeLeaderboard(ctx context.Context, pipe redis.Pipeliner, competitionID uint, members []redis.Z, fields map[string]interface{}) {
	pipe.Del(ctx, rankingKey(competitionID), entriesKey(competitionID))
	if len(members) > 0 {
		pipe.ZAdd(ctx, rankingKey(competitionID), members...)
		pipe.HSet(ctx, entriesKey(competitionID), fields)
	}
}

// GetLeaderboardPage reads a rank-ordered page from the cache. cached is
// false when the competition has no cached leaderboard.
func (r *RedisRepository) GetLeaderboardPage(ctx context.Context, competitionID uint, offset, limit int) (entries []models.LeaderboardEntry, total int64, cached bool, err error) {
	total, err = r.client.ZCard(ctx, rankingKey(competitionID)).Result()
	if err != nil {
		return nil, 0, false, err
	}
	if total == 0 {
		return nil, 0, false, nil
	}

	start := int64(offset)
	stop := int64(offset + limit - 1)
	userIDs, err := r.client.ZRange(ctx, rankingKey(competitionID), start, stop).Result()
	if err != nil {
		return nil, 0, false, err
	}

	entries, err = r.getEntries(ctx, competitionID, userIDs)
	if err != nil {
		return nil, 0, false, err
	}
	return entries, total, true, nil
}

// getEntries retrieves cached entries for multiple users using HMGET
func (r *RedisRepository) getEntries(ctx context.Context, competitionID uint, userIDs []string) ([]models.LeaderboardEntry, error) {
	entries := make([]models.LeaderboardEntry, 0, len(userIDs))
	if len(userIDs) == 0 {
		return entries, nil
	}

	results, err := r.client.HMGet(ctx, entriesKey(competitionID), userIDs...).Result()
	if err != nil {
		return nil, err
	}

	for i, result := range results {
		raw, ok := result.(string)
		if !ok {
			return nil, fmt.Errorf("cached entry missing for user %s", userIDs[i])
		}
		var e models.LeaderboardEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("invalid cached entry for user %s: %w", userIDs[i], err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// GetUserRank returns a user's cached rank. ok is false if the user is not cached.
func (r *RedisRepository) GetUserRank(ctx context.Context, competitionID uint, userID string) (rank int, ok bool, err error) {
	score, err := r.client.ZScore(ctx, rankingKey(competitionID), userID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return int(score), true, nil
}

// GetLeaderboardVersion returns the current version number of a competition's leaderboard
func (r *RedisRepository) GetLeaderboardVersion(ctx context.Context, competitionID uint) (int64, error) {
	version, err := r.client.Get(ctx, versionKey(competitionID)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil // Version not set yet, return 0
		}
		return 0, err
	}
	return version, nil
}

// Ping checks if Redis is reachable
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
