package service

import (
	"context"
	"testing"
	"time"

	"daggle/internal/models"
	"daggle/internal/ranking"
	"daggle/internal/ratelimit"
	"daggle/internal/repository"
	"daggle/internal/roles"
	"daggle/internal/scoring"
	"daggle/internal/storage"
	"daggle/internal/testutil"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

const churnTruth = "id,target\n1,1\n2,0\n3,1\n4,0\n"

const (
	perfectPredictions = "id,prediction\n1,0.9\n2,0.1\n3,0.8\n4,0.2\n"
	partialPredictions = "id,prediction\n1,0.6\n2,0.7\n3,0.8\n4,0.2\n" // auc 0.75
)

type harness struct {
	store        *testutil.Store
	files        *storage.Local
	limiter      *ratelimit.Limiter
	resolver     *roles.Resolver
	ranker       *ranking.Engine
	leaderboard  *LeaderboardService
	submissions  *SubmissionService
	competitions *CompetitionService
	comp         *models.Competition
}

func newHarness(t *testing.T, withCache bool) *harness {
	t.Helper()
	ctx := context.Background()

	store := testutil.NewStore()
	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	var cache LeaderboardCache
	if withCache {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		cache = repository.NewRedisRepository(client)
	}

	h := &harness{store: store, files: files}
	h.limiter = ratelimit.NewLimiter(ratelimit.NewMemoryCounter())
	h.resolver = roles.NewResolver(store, store, h.limiter)
	h.leaderboard = NewLeaderboardService(store, cache)
	h.ranker = ranking.NewEngine(store, h.leaderboard, ranking.Config{})
	t.Cleanup(h.ranker.Close)

	h.submissions = NewSubmissionService(store, h.limiter, scoring.NewEngine(files), h.ranker, files, PipelineConfig{
		Workers:    2,
		QueueSize:  16,
		Timeout:    5 * time.Second,
		ResultWait: 5 * time.Second,
	})
	h.submissions.Start()
	t.Cleanup(func() { h.submissions.Shutdown(5 * time.Second) })

	h.competitions = NewCompetitionService(store, h.ranker)

	h.comp = &models.Competition{
		Slug:                 "churn-prediction",
		Title:                "Churn Prediction",
		SponsorID:            "sponsor",
		Status:               models.CompetitionActive,
		Metric:               models.MetricAUCROC,
		DailySubmissionLimit: 5,
		TruthSetKey:          storage.TruthSetKey("churn-prediction"),
	}
	require.NoError(t, store.CreateCompetition(ctx, h.comp))
	require.NoError(t, files.Save(ctx, h.comp.TruthSetKey, []byte(churnTruth)))
	return h
}

// participant enrolls userID and resolves their role
func (h *harness) participant(t *testing.T, userID string) *models.RoleContext {
	t.Helper()
	ctx := context.Background()
	_, err := h.competitions.Enroll(ctx, &models.Identity{UserID: userID}, h.comp)
	require.NoError(t, err)
	return h.role(t, userID)
}

func (h *harness) role(t *testing.T, userID string) *models.RoleContext {
	t.Helper()
	rc, err := h.resolver.ResolveFor(context.Background(), &models.Identity{UserID: userID}, h.comp)
	require.NoError(t, err)
	return rc
}

func (h *harness) submit(rc *models.RoleContext, content string) (*models.SubmissionResult, error) {
	return h.submissions.Submit(context.Background(), rc, h.comp, Upload{
		FileName: "predictions.csv",
		Content:  []byte(content),
	})
}
