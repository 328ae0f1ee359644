package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"daggle/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore keeps entries in memory. It deliberately does not lock around fn,
// so any lost update would come from the engine failing to serialize writers.
type fakeStore struct {
	mu          sync.Mutex
	entries     map[uint][]models.LeaderboardEntry
	submissions map[uint][]models.Submission
	failures    int
	inflight    map[uint]int
	overlap     bool
	ranked      map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries:     make(map[uint][]models.LeaderboardEntry),
		submissions: make(map[uint][]models.Submission),
		inflight:    make(map[uint]int),
		ranked:      make(map[string]bool),
	}
}

func (s *fakeStore) UpdateLeaderboard(_ context.Context, id uint, submissionID string, fn func([]models.LeaderboardEntry, bool) ([]models.LeaderboardEntry, error)) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return errors.New("serialization failure")
	}
	s.inflight[id]++
	if s.inflight[id] > 1 {
		s.overlap = true
	}
	current := append([]models.LeaderboardEntry(nil), s.entries[id]...)
	fresh := !s.ranked[submissionID]
	s.mu.Unlock()

	time.Sleep(time.Millisecond)
	next, err := fn(current, fresh)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[id]--
	if err != nil {
		return err
	}
	s.ranked[submissionID] = true
	if next != nil {
		s.entries[id] = next
	}
	return nil
}

func (s *fakeStore) ReplaceLeaderboard(_ context.Context, id uint, entries []models.LeaderboardEntry, submissionIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[id] = append([]models.LeaderboardEntry(nil), entries...)
	for _, sid := range submissionIDs {
		s.ranked[sid] = true
	}
	return nil
}

func (s *fakeStore) ScoredSubmissions(_ context.Context, id uint) ([]models.Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Submission(nil), s.submissions[id]...), nil
}

func (s *fakeStore) snapshot(id uint) []models.LeaderboardEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.LeaderboardEntry(nil), s.entries[id]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

type countingNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *countingNotifier) LeaderboardChanged(context.Context, *models.Competition, []models.LeaderboardEntry) error {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
	return nil
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func aucCompetition() *models.Competition {
	return &models.Competition{ID: 1, Metric: models.MetricAUCROC}
}

func update(user, id string, score float64, minutes int) Update {
	return Update{UserID: user, SubmissionID: id, Score: score, SubmittedAt: t0.Add(time.Duration(minutes) * time.Minute)}
}

func TestBestScoreIsMonotonic(t *testing.T) {
	engine := NewEngine(newFakeStore(), nil, Config{})
	defer engine.Close()
	comp := aucCompetition()
	ctx := context.Background()

	res, err := engine.Integrate(ctx, comp, update("alice", "s1", 0.70, 0))
	require.NoError(t, err)
	assert.True(t, res.Improved)
	assert.Equal(t, 0, res.PreviousRank)
	assert.Equal(t, 1, res.Entry.Rank)

	res, err = engine.Integrate(ctx, comp, update("alice", "s2", 0.65, 5))
	require.NoError(t, err)
	assert.False(t, res.Improved)
	assert.Equal(t, 0.70, res.Entry.BestScore)
	assert.Equal(t, "s1", res.Entry.BestSubmissionID)
	assert.Equal(t, 2, res.Entry.SubmissionCount)
	assert.Equal(t, t0.Add(5*time.Minute), res.Entry.LastSubmissionAt)
	assert.Equal(t, t0, res.Entry.BestSubmissionAt)
}

func TestLowerIsBetterMetric(t *testing.T) {
	engine := NewEngine(newFakeStore(), nil, Config{})
	defer engine.Close()
	comp := &models.Competition{ID: 2, Metric: models.MetricRMSE}
	ctx := context.Background()

	_, err := engine.Integrate(ctx, comp, update("alice", "a1", 3.2, 0))
	require.NoError(t, err)
	res, err := engine.Integrate(ctx, comp, update("bob", "b1", 2.1, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entry.Rank)

	res, err = engine.Integrate(ctx, comp, update("alice", "a2", 1.5, 2))
	require.NoError(t, err)
	assert.True(t, res.Improved)
	assert.Equal(t, 2, res.PreviousRank)
	assert.Equal(t, 1, res.Entry.Rank)
}

func TestIntegrateIsIdempotent(t *testing.T) {
	store := newFakeStore()
	notifier := &countingNotifier{}
	engine := NewEngine(store, notifier, Config{})
	defer engine.Close()
	comp := aucCompetition()
	ctx := context.Background()

	_, err := engine.Integrate(ctx, comp, update("alice", "s1", 0.8, 0))
	require.NoError(t, err)
	_, err = engine.Integrate(ctx, comp, update("bob", "s2", 0.9, 1))
	require.NoError(t, err)
	before := store.snapshot(comp.ID)

	res, err := engine.Integrate(ctx, comp, update("bob", "s2", 0.9, 1))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, before, store.snapshot(comp.ID))
	assert.Equal(t, 2, notifier.calls)
}

func TestReplayingOlderSubmissionIsIgnored(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, Config{})
	defer engine.Close()
	comp := aucCompetition()
	ctx := context.Background()

	for i, id := range []string{"s1", "s2", "s3"} {
		_, err := engine.Integrate(ctx, comp, update("alice", id, 0.5+float64(i)/10, i))
		require.NoError(t, err)
	}
	before := store.snapshot(comp.ID)

	res, err := engine.Integrate(ctx, comp, update("alice", "s2", 0.6, 1))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 3, res.Entry.SubmissionCount)
	assert.Equal(t, before, store.snapshot(comp.ID))
}

func TestRebuildClaimsReplayedSubmissions(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, Config{})
	defer engine.Close()
	comp := aucCompetition()
	ctx := context.Background()

	score := 0.7
	store.submissions[comp.ID] = []models.Submission{{
		ID: "s1", UserID: "alice", CompetitionID: comp.ID,
		Status: models.SubmissionScored, Score: &score, SubmittedAt: t0,
	}}
	_, err := engine.Rebuild(ctx, comp)
	require.NoError(t, err)

	res, err := engine.Integrate(ctx, comp, update("alice", "s1", 0.7, 0))
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.Equal(t, 1, store.snapshot(comp.ID)[0].SubmissionCount)
}

// recordingNotifier keeps every published snapshot. The first publish is
// delayed so a later commit would overtake it if publishes were unordered.
type recordingNotifier struct {
	mu        sync.Mutex
	delay     time.Duration
	snapshots [][]models.LeaderboardEntry
}

func (n *recordingNotifier) LeaderboardChanged(_ context.Context, _ *models.Competition, entries []models.LeaderboardEntry) error {
	n.mu.Lock()
	first := len(n.snapshots) == 0 && n.delay > 0
	n.mu.Unlock()
	if first {
		time.Sleep(n.delay)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, append([]models.LeaderboardEntry(nil), entries...))
	return nil
}

func (n *recordingNotifier) last() []models.LeaderboardEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.snapshots) == 0 {
		return nil
	}
	out := append([]models.LeaderboardEntry(nil), n.snapshots[len(n.snapshots)-1]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

func TestSlowNotifierPublishesInCommitOrder(t *testing.T) {
	store := newFakeStore()
	notifier := &recordingNotifier{delay: 100 * time.Millisecond}
	engine := NewEngine(store, notifier, Config{})
	defer engine.Close()
	comp := aucCompetition()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := engine.Integrate(context.Background(), comp, update("alice", "a1", 0.7, 0))
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		time.Sleep(20 * time.Millisecond)
		_, err := engine.Integrate(context.Background(), comp, update("bob", "b1", 0.8, 1))
		assert.NoError(t, err)
	}()
	wg.Wait()

	published := notifier.last()
	require.Len(t, published, 2)
	assert.Equal(t, store.snapshot(comp.ID), published)
	assert.Len(t, notifier.snapshots, 2)
}

func TestTieBreakPolicies(t *testing.T) {
	ctx := context.Background()

	// carol starts first but reaches 0.9 last; dave reaches 0.9 first
	updates := []Update{
		update("carol", "c1", 0.5, 0),
		update("dave", "d1", 0.9, 10),
		update("carol", "c2", 0.9, 20),
	}

	for _, tc := range []struct {
		policy TieBreak
		first  string
	}{
		{TieBreakEarliestBest, "dave"},
		{TieBreakEarliestFirst, "carol"},
	} {
		store := newFakeStore()
		engine := NewEngine(store, nil, Config{TieBreak: tc.policy})
		for _, u := range updates {
			_, err := engine.Integrate(ctx, aucCompetition(), u)
			require.NoError(t, err)
		}
		board := store.snapshot(1)
		assert.Equal(t, tc.first, board[0].UserID, "policy %s", tc.policy)
		engine.Close()
	}
}

func TestConcurrentIntegrateKeepsRanksConsistent(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, Config{})
	defer engine.Close()
	comp := aucCompetition()

	const users = 40
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := engine.Integrate(context.Background(), comp,
				update(fmt.Sprintf("user-%02d", i), fmt.Sprintf("sub-%02d", i), float64(i%10)/10, i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	board := store.snapshot(comp.ID)
	require.Len(t, board, users, "no update may be lost")
	assert.False(t, store.overlap, "writers of one competition must not overlap")
	assertRankConsistency(t, board, comp.Metric)
}

func TestStoreFailuresAreRetried(t *testing.T) {
	store := newFakeStore()
	store.failures = 2
	engine := NewEngine(store, nil, Config{Backoff: time.Millisecond})
	defer engine.Close()

	res, err := engine.Integrate(context.Background(), aucCompetition(), update("alice", "s1", 0.7, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entry.Rank)

	store.failures = 5
	_, err = engine.Integrate(context.Background(), aucCompetition(), update("alice", "s2", 0.8, 1))
	assert.Error(t, err)
}

func TestRebuildMatchesIncrementalResult(t *testing.T) {
	store := newFakeStore()
	engine := NewEngine(store, nil, Config{})
	defer engine.Close()
	comp := aucCompetition()
	ctx := context.Background()

	updates := []Update{
		update("alice", "a1", 0.70, 0),
		update("bob", "b1", 0.75, 1),
		update("alice", "a2", 0.65, 2),
		update("carol", "c1", 0.75, 3),
		update("alice", "a3", 0.80, 4),
	}
	for _, u := range updates {
		score := u.Score
		store.submissions[comp.ID] = append(store.submissions[comp.ID], models.Submission{
			ID: u.SubmissionID, UserID: u.UserID, CompetitionID: comp.ID,
			Status: models.SubmissionScored, Score: &score, SubmittedAt: u.SubmittedAt,
		})
		_, err := engine.Integrate(ctx, comp, u)
		require.NoError(t, err)
	}
	store.submissions[comp.ID] = append(store.submissions[comp.ID], models.Submission{
		ID: "f1", UserID: "dave", CompetitionID: comp.ID, Status: models.SubmissionFailed,
	})
	incremental := store.snapshot(comp.ID)

	rebuilt, err := engine.Rebuild(ctx, comp)
	require.NoError(t, err)
	assert.Len(t, rebuilt, 3)
	assert.Equal(t, incremental, store.snapshot(comp.ID))
}

func TestActorsExitWhenIdle(t *testing.T) {
	engine := NewEngine(newFakeStore(), nil, Config{IdleTimeout: 10 * time.Millisecond})
	defer engine.Close()

	_, err := engine.Integrate(context.Background(), aucCompetition(), update("alice", "s1", 0.7, 0))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		engine.mu.Lock()
		defer engine.mu.Unlock()
		return len(engine.actors) == 0
	}, time.Second, 5*time.Millisecond)

	_, err = engine.Integrate(context.Background(), aucCompetition(), update("bob", "s2", 0.8, 1))
	require.NoError(t, err)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	engine := NewEngine(newFakeStore(), nil, Config{})
	engine.Close()

	_, err := engine.Integrate(context.Background(), aucCompetition(), update("alice", "s1", 0.7, 0))
	assert.ErrorIs(t, err, ErrEngineClosed)
}

func TestParseTieBreak(t *testing.T) {
	p, err := ParseTieBreak("")
	require.NoError(t, err)
	assert.Equal(t, TieBreakEarliestBest, p)

	p, err = ParseTieBreak("earliest_first")
	require.NoError(t, err)
	assert.Equal(t, TieBreakEarliestFirst, p)

	_, err = ParseTieBreak("latest")
	assert.Error(t, err)
}

func assertRankConsistency(t *testing.T, board []models.LeaderboardEntry, metric models.Metric) {
	t.Helper()
	for i, e := range board {
		assert.Equal(t, i+1, e.Rank, "ranks are dense")
	}
	for _, a := range board {
		for _, b := range board {
			if metric.Better(a.BestScore, b.BestScore) {
				assert.Less(t, a.Rank, b.Rank, "%s (%v) must rank above %s (%v)", a.UserID, a.BestScore, b.UserID, b.BestScore)
			}
			if a.BestScore == b.BestScore && a.BestSubmissionAt.Before(b.BestSubmissionAt) {
				assert.Less(t, a.Rank, b.Rank, "ties go to the earliest best submission")
			}
		}
	}
}
