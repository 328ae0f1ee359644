package service

import (
	"context"
	"fmt"
	"log"
	"sync"

	"daggle/internal/models"
)

const (
	defaultPageSize = 50
	maxPageSize     = 100

	defaultWindow = 5
	maxWindow     = 25
)

// LeaderboardService serves competition leaderboards. Reads go to the cache
// when one is configured and fall back to the database, refilling the cache.
type LeaderboardService struct {
	store Store
	cache LeaderboardCache // nil when Redis is disabled

	// versions stands in for the cache's version counters when cache is nil
	mu       sync.Mutex
	versions map[uint]int64
}

// NewLeaderboardService creates a new leaderboard service. cache may be nil.
func NewLeaderboardService(store Store, cache LeaderboardCache) *LeaderboardService {
	return &LeaderboardService{
		store:    store,
		cache:    cache,
		versions: make(map[uint]int64),
	}
}

// LeaderboardChanged implements ranking.Notifier. It replaces the cached
// standings and bumps the competition's version so websocket subscribers refetch.
func (s *LeaderboardService) LeaderboardChanged(ctx context.Context, comp *models.Competition, entries []models.LeaderboardEntry) error {
	if s.cache == nil {
		s.mu.Lock()
		s.versions[comp.ID]++
		s.mu.Unlock()
		return nil
	}
	return s.cache.CacheLeaderboard(ctx, comp.ID, entries, true)
}

// Version returns the change counter of a competition's leaderboard
func (s *LeaderboardService) Version(ctx context.Context, competitionID uint) (int64, error) {
	if s.cache == nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.versions[competitionID], nil
	}
	return s.cache.GetLeaderboardVersion(ctx, competitionID)
}

// GetLeaderboard returns one rank-ordered page of comp's leaderboard
func (s *LeaderboardService) GetLeaderboard(ctx context.Context, comp *models.Competition, offset, limit int) (*models.LeaderboardResponse, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	entries, total, err := s.page(ctx, comp.ID, offset, limit)
	if err != nil {
		return nil, err
	}

	return &models.LeaderboardResponse{
		CompetitionID: comp.ID,
		Metric:        comp.Metric,
		LowerIsBetter: comp.Metric.LowerIsBetter(),
		Data:          entries,
		Offset:        offset,
		Limit:         limit,
		Total:         total,
	}, nil
}

// AroundMe returns the entries within window ranks of the caller. Callers
// without an entry get common.ErrNotRanked.
func (s *LeaderboardService) AroundMe(ctx context.Context, comp *models.Competition, userID string, window int) (*models.LeaderboardResponse, error) {
	if window <= 0 {
		window = defaultWindow
	}
	if window > maxWindow {
		window = maxWindow
	}

	rank, err := s.rankOf(ctx, comp.ID, userID)
	if err != nil {
		return nil, err
	}

	offset := rank - 1 - window
	if offset < 0 {
		offset = 0
	}
	return s.GetLeaderboard(ctx, comp, offset, rank-offset+window)
}

func (s *LeaderboardService) rankOf(ctx context.Context, competitionID uint, userID string) (int, error) {
	if s.cache != nil {
		rank, ok, err := s.cache.GetUserRank(ctx, competitionID, userID)
		if err != nil {
			log.Printf("⚠️  Leaderboard cache read failed for competition %d: %v", competitionID, err)
		} else if ok {
			return rank, nil
		}
	}

	entry, err := s.store.GetLeaderboardEntry(ctx, competitionID, userID)
	if err != nil {
		return 0, err
	}
	return entry.Rank, nil
}

func (s *LeaderboardService) page(ctx context.Context, competitionID uint, offset, limit int) ([]models.LeaderboardEntry, int64, error) {
	if s.cache == nil {
		entries, total, err := s.store.LeaderboardPage(ctx, competitionID, offset, limit)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to load leaderboard: %w", err)
		}
		return entries, total, nil
	}

	entries, total, cached, err := s.cache.GetLeaderboardPage(ctx, competitionID, offset, limit)
	if err != nil {
		log.Printf("⚠️  Leaderboard cache read failed for competition %d: %v", competitionID, err)
	} else if cached {
		return entries, total, nil
	}

	// Miss: load the full standings once and refill the cache. The version is
	// read first so a refill racing a rank update cannot overwrite newer standings.
	seen, versionErr := s.cache.GetLeaderboardVersion(ctx, competitionID)
	all, err := s.store.LeaderboardEntries(ctx, competitionID)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load leaderboard: %w", err)
	}
	if versionErr != nil {
		log.Printf("⚠️  Leaderboard version read failed for competition %d: %v", competitionID, versionErr)
	} else if _, err := s.cache.RefillLeaderboard(ctx, competitionID, all, seen); err != nil {
		log.Printf("⚠️  Failed to refill leaderboard cache for competition %d: %v", competitionID, err)
	}

	total = int64(len(all))
	if offset >= len(all) {
		return []models.LeaderboardEntry{}, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// HealthCheck checks the health of PostgreSQL and, when enabled, Redis
func (s *LeaderboardService) HealthCheck(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("PostgreSQL health check failed: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("Redis health check failed: %w", err)
		}
	}

	return nil
}
