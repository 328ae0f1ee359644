package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitScoresAndRanks(t *testing.T) {
	h := newHarness(t, false)
	alice := h.participant(t, "alice")
	bob := h.participant(t, "bob")

	res, err := h.submit(alice, perfectPredictions)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionScored, res.Status)
	require.NotNil(t, res.Score)
	assert.Equal(t, 1.0, *res.Score)
	require.NotNil(t, res.Rank)
	assert.Equal(t, 1, *res.Rank)
	assert.Nil(t, res.PreviousRank)

	res, err = h.submit(bob, partialPredictions)
	require.NoError(t, err)
	assert.Equal(t, 0.75, *res.Score)
	assert.Equal(t, 2, *res.Rank)

	// a worse score keeps alice's best and rank
	res, err = h.submit(alice, partialPredictions)
	require.NoError(t, err)
	assert.Equal(t, 1, *res.Rank)
	require.NotNil(t, res.PreviousRank)
	assert.Equal(t, 1, *res.PreviousRank)

	entry, err := h.store.GetLeaderboardEntry(context.Background(), h.comp.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.BestScore)
	assert.Equal(t, 2, entry.SubmissionCount)

	// the uploaded file is kept under the submission's key
	sub, err := h.store.GetSubmission(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.SubmissionKey(h.comp.ID, "alice", res.ID), sub.FileKey)
	ok, err := h.files.Exists(context.Background(), sub.FileKey)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSixthSubmissionIsRateLimited(t *testing.T) {
	h := newHarness(t, false)
	alice := h.participant(t, "alice")

	for i := 0; i < 5; i++ {
		// invalid files are charged too
		content := perfectPredictions
		if i%2 == 1 {
			content = "id,wrong\n1,0.5\n"
		}
		_, err := h.submit(alice, content)
		var rl *common.RateLimitError
		require.False(t, errors.As(err, &rl), "attempt %d", i+1)
	}

	_, err := h.submit(alice, perfectPredictions)
	var rl *common.RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 5, rl.Limit)
	assert.Equal(t, 5, rl.Used)
	assert.True(t, rl.ResetsAt.After(time.Now()))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", common.CodeFromError(err))

	// the rejected attempt created nothing
	list, err := h.submissions.List(context.Background(), alice, 0, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 5, list.Total)
}

func TestConcurrentSubmissionsRespectLimit(t *testing.T) {
	h := newHarness(t, false)
	alice := h.participant(t, "alice")

	var wg sync.WaitGroup
	var mu sync.Mutex
	limited := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.submit(alice, perfectPredictions)
			var rl *common.RateLimitError
			if errors.As(err, &rl) {
				mu.Lock()
				limited++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 7, limited)
}

func TestValidationFailureIsTerminal(t *testing.T) {
	h := newHarness(t, false)
	alice := h.participant(t, "alice")

	_, err := h.submit(alice, "id,prediction\n1,0.9\n2,1.5\n2,0.3\n")
	var valErr *common.ValidationError
	require.ErrorAs(t, err, &valErr)

	codes := make([]string, 0, len(valErr.Errors))
	for _, fe := range valErr.Errors {
		codes = append(codes, fe.Code)
	}
	assert.Contains(t, codes, models.CodeValueOutOfRange)
	assert.Contains(t, codes, models.CodeDuplicateID)
	assert.Contains(t, codes, models.CodeMissingID)

	list, err := h.submissions.List(context.Background(), alice, 0, 10)
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	sub := list.Data[0]
	assert.Equal(t, models.SubmissionFailed, sub.Status)
	assert.Len(t, sub.Errors, len(valErr.Errors))
	assert.Nil(t, sub.Score)

	_, err = h.store.GetLeaderboardEntry(context.Background(), h.comp.ID, "alice")
	assert.ErrorIs(t, err, common.ErrNotRanked)
}

func TestDegenerateTruthSetFailsGenerically(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.files.Save(context.Background(), h.comp.TruthSetKey, []byte("id,target\n1,1\n2,1\n3,1\n4,1\n")))
	alice := h.participant(t, "alice")

	_, err := h.submit(alice, perfectPredictions)
	assert.ErrorIs(t, err, common.ErrScoringFailed)
	assert.Equal(t, 422, common.HTTPStatusFromError(err))

	list, err := h.submissions.List(context.Background(), alice, 0, 10)
	require.NoError(t, err)
	require.Len(t, list.Data, 1)
	assert.Equal(t, models.SubmissionFailed, list.Data[0].Status)
	require.NotNil(t, list.Data[0].Error)
	assert.Equal(t, msgScoringFailed, *list.Data[0].Error)
}

func TestSubmitRequiresActiveParticipant(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.submit(h.role(t, "mallory"), perfectPredictions)
	assert.ErrorIs(t, err, common.ErrNotEnrolled)

	_, err = h.submit(h.role(t, "sponsor"), perfectPredictions)
	assert.ErrorIs(t, err, common.ErrNotEnrolled, "sponsors do not compete")

	alice := h.participant(t, "alice")
	ended := time.Now().Add(-time.Hour)
	h.comp.EndsAt = &ended
	_, err = h.submit(alice, perfectPredictions)
	assert.ErrorIs(t, err, common.ErrCompetitionNotActive)

	// rejected before reserving a slot
	usage, err := h.limiter.Usage(context.Background(), "alice", h.comp, time.Now())
	require.NoError(t, err)
	assert.Zero(t, usage.Used)
}

func TestDisconnectedClientStillReachesTerminalStatus(t *testing.T) {
	h := newHarness(t, false)
	alice := h.participant(t, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.submissions.Submit(ctx, alice, h.comp, Upload{FileName: "p.csv", Content: []byte(perfectPredictions)})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		sub, err := h.store.GetSubmission(context.Background(), res.ID)
		return err == nil && sub.Status == models.SubmissionScored
	}, 5*time.Second, 10*time.Millisecond)

	_, err = h.store.GetLeaderboardEntry(context.Background(), h.comp.ID, "alice")
	assert.NoError(t, err)
}

func TestResultWaitReturnsPending(t *testing.T) {
	h := newHarness(t, false)
	h.submissions.cfg.ResultWait = time.Nanosecond
	alice := h.participant(t, "alice")

	res, err := h.submit(alice, perfectPredictions)
	require.NoError(t, err)
	assert.Contains(t, []models.SubmissionStatus{
		models.SubmissionPending, models.SubmissionScored,
	}, res.Status)

	require.Eventually(t, func() bool {
		sub, err := h.store.GetSubmission(context.Background(), res.ID)
		return err == nil && sub.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestGetSubmissionVisibility(t *testing.T) {
	h := newHarness(t, false)
	alice := h.participant(t, "alice")
	bob := h.participant(t, "bob")

	res, err := h.submit(alice, perfectPredictions)
	require.NoError(t, err)

	sub, err := h.submissions.Get(context.Background(), alice, res.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", sub.UserID)

	_, err = h.submissions.Get(context.Background(), bob, res.ID)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)

	_, err = h.submissions.Get(context.Background(), h.role(t, "sponsor"), res.ID)
	assert.NoError(t, err)

	_, err = h.submissions.Get(context.Background(), &models.RoleContext{}, res.ID)
	assert.ErrorIs(t, err, common.ErrUnauthorized)

	list, err := h.submissions.List(context.Background(), h.role(t, "sponsor"), 0, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, list.Total)
}
