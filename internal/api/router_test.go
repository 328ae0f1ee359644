package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"daggle/internal/api/middleware"
	"daggle/internal/models"
	"daggle/internal/ranking"
	"daggle/internal/ratelimit"
	"daggle/internal/roles"
	"daggle/internal/scoring"
	"daggle/internal/service"
	"daggle/internal/storage"
	"daggle/internal/testutil"
	"daggle/internal/websocket"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret-0123"

type testServer struct {
	app   *fiber.App
	auth  *middleware.Auth
	store *testutil.Store
	comp  *models.Competition
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ctx := context.Background()

	store := testutil.NewStore()
	files, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)

	limiter := ratelimit.NewLimiter(ratelimit.NewMemoryCounter())
	leaderboard := service.NewLeaderboardService(store, nil)
	ranker := ranking.NewEngine(store, leaderboard, ranking.Config{})
	t.Cleanup(ranker.Close)

	submissions := service.NewSubmissionService(store, limiter, scoring.NewEngine(files), ranker, files, service.PipelineConfig{
		Workers:    2,
		QueueSize:  16,
		Timeout:    5 * time.Second,
		ResultWait: 5 * time.Second,
	})
	submissions.Start()
	t.Cleanup(func() { submissions.Shutdown(5 * time.Second) })

	auth := middleware.NewAuth(testSecret)
	app := NewApp(Deps{
		Auth:           auth,
		Resolver:       roles.NewResolver(store, store, limiter),
		Competitions:   service.NewCompetitionService(store, ranker),
		Submissions:    submissions,
		Leaderboard:    leaderboard,
		Hub:            websocket.NewHub(leaderboard, time.Hour),
		BodyLimit:      1 << 20,
		MaxUploadBytes: 1 << 10,
	})

	comp := &models.Competition{
		Slug:                 "churn-prediction",
		Title:                "Churn Prediction",
		SponsorID:            "sponsor",
		Status:               models.CompetitionActive,
		Metric:               models.MetricAUCROC,
		DailySubmissionLimit: 5,
		TruthSetKey:          storage.TruthSetKey("churn-prediction"),
	}
	require.NoError(t, store.CreateCompetition(ctx, comp))
	require.NoError(t, files.Save(ctx, comp.TruthSetKey, []byte("id,target\n1,1\n2,0\n3,1\n4,0\n")))

	return &testServer{app: app, auth: auth, store: store, comp: comp}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := s.auth.IssueToken(models.Identity{UserID: userID, Username: userID}, time.Hour)
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, req *http.Request, userID string) *http.Response {
	t.Helper()
	if userID != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+s.token(t, userID))
	}
	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	return resp
}

func (s *testServer) enroll(t *testing.T, userID string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/competitions/churn-prediction/enrollment", nil)
	resp := s.do(t, req, userID)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func uploadRequest(t *testing.T, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "predictions.csv")
	require.NoError(t, err)
	_, err = io.WriteString(part, content)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/competitions/churn-prediction/submissions", &body)
	req.Header.Set(fiber.HeaderContentType, w.FormDataContentType())
	return req
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

type errorEnvelope struct {
	Error struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Details json.RawMessage `json:"details"`
	} `json:"error"`
}

func TestSubmitScoresAndRanks(t *testing.T) {
	s := newTestServer(t)
	s.enroll(t, "alice")

	resp := s.do(t, uploadRequest(t, "id,prediction\n1,0.9\n2,0.1\n3,0.8\n4,0.2\n"), "alice")
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var result models.SubmissionResult
	decode(t, resp, &result)
	assert.Equal(t, models.SubmissionScored, result.Status)
	require.NotNil(t, result.Score)
	assert.InDelta(t, 1.0, *result.Score, 1e-9)
	require.NotNil(t, result.Rank)
	assert.Equal(t, 1, *result.Rank)
	assert.Nil(t, result.PreviousRank)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/competitions/churn-prediction/leaderboard?limit=10", nil), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var board models.LeaderboardResponse
	decode(t, resp, &board)
	assert.EqualValues(t, 1, board.Total)
	assert.Equal(t, models.MetricAUCROC, board.Metric)
	require.Len(t, board.Data, 1)
	assert.Equal(t, "alice", board.Data[0].UserID)
}

func TestSubmitRateLimited(t *testing.T) {
	s := newTestServer(t)
	s.enroll(t, "alice")

	for i := 0; i < 5; i++ {
		resp := s.do(t, uploadRequest(t, "id,prediction\n1,0.6\n2,0.7\n3,0.8\n4,0.2\n"), "alice")
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := s.do(t, uploadRequest(t, "id,prediction\n1,0.6\n2,0.7\n3,0.8\n4,0.2\n"), "alice")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	var body errorEnvelope
	decode(t, resp, &body)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body.Error.Code)

	var details models.RateLimitDetails
	require.NoError(t, json.Unmarshal(body.Error.Details, &details))
	assert.Equal(t, 5, details.Limit)
	assert.Equal(t, 5, details.Used)
	assert.True(t, details.ResetsAt.After(time.Now()))
}

func TestSubmitValidationErrors(t *testing.T) {
	s := newTestServer(t)
	s.enroll(t, "alice")

	resp := s.do(t, uploadRequest(t, "id,prediction\n1,0.9\n2,abc\n3,0.8\n"), "alice")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorEnvelope
	decode(t, resp, &body)
	assert.Equal(t, "VALIDATION_ERROR", body.Error.Code)

	var details []models.FieldError
	require.NoError(t, json.Unmarshal(body.Error.Details, &details))
	codes := make([]string, 0, len(details))
	for _, d := range details {
		codes = append(codes, d.Code)
	}
	assert.Contains(t, codes, models.CodeInvalidValue)
	assert.Contains(t, codes, models.CodeMissingID)
}

func TestSubmitFileTooLarge(t *testing.T) {
	s := newTestServer(t)
	s.enroll(t, "alice")

	resp := s.do(t, uploadRequest(t, string(bytes.Repeat([]byte("x"), 2<<10))), "alice")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var body errorEnvelope
	decode(t, resp, &body)
	var details []models.FieldError
	require.NoError(t, json.Unmarshal(body.Error.Details, &details))
	require.Len(t, details, 1)
	assert.Equal(t, models.CodeFileTooLarge, details[0].Code)
}

func TestSubmitRequiresEnrollment(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, uploadRequest(t, "id,prediction\n1,0.9\n2,0.1\n3,0.8\n4,0.2\n"), "mallory")
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	var body errorEnvelope
	decode(t, resp, &body)
	assert.Equal(t, "NOT_ENROLLED", body.Error.Code)
}

func TestAuthentication(t *testing.T) {
	s := newTestServer(t)

	t.Run("missing token on protected route", func(t *testing.T) {
		resp := s.do(t, uploadRequest(t, "id,prediction\n"), "")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("bad token on public route", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/competitions/churn-prediction", nil)
		req.Header.Set(fiber.HeaderAuthorization, "Bearer not-a-token")
		resp, err := s.app.Test(req, -1)
		require.NoError(t, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		var body errorEnvelope
		decode(t, resp, &body)
		assert.Equal(t, "UNAUTHORIZED", body.Error.Code)
	})

	t.Run("anonymous public route", func(t *testing.T) {
		resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/competitions/churn-prediction", nil), "")
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body models.CompetitionResponse
		decode(t, resp, &body)
		require.NotNil(t, body.Competition)
		assert.Equal(t, s.comp.ID, body.Competition.ID)
		require.NotNil(t, body.UserContext)
		assert.Equal(t, models.RoleViewer, body.UserContext.Role)
	})
}

func TestUnknownCompetition(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/competitions/nope/leaderboard", nil), "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var body errorEnvelope
	decode(t, resp, &body)
	assert.Equal(t, "COMPETITION_NOT_FOUND", body.Error.Code)
}

func TestLeaderboardPagination(t *testing.T) {
	s := newTestServer(t)
	for _, user := range []string{"alice", "bob", "carol"} {
		s.enroll(t, user)
		resp := s.do(t, uploadRequest(t, "id,prediction\n1,0.9\n2,0.1\n3,0.8\n4,0.2\n"), user)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/competitions/churn-prediction/leaderboard?offset=1&limit=1", nil), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var board models.LeaderboardResponse
	decode(t, resp, &board)
	assert.EqualValues(t, 3, board.Total)
	assert.Equal(t, 1, board.Offset)
	require.Len(t, board.Data, 1)
	// equal scores rank by earliest submission
	assert.Equal(t, "bob", board.Data[0].UserID)
	assert.Equal(t, 2, board.Data[0].Rank)

	resp = s.do(t, httptest.NewRequest(http.MethodGet, "/api/v1/competitions/churn-prediction/leaderboard?limit=500", nil), "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSponsorOnlyRoutes(t *testing.T) {
	s := newTestServer(t)
	s.enroll(t, "alice")

	patch := func(userID string) *http.Response {
		req := httptest.NewRequest(http.MethodPatch, "/api/v1/competitions/churn-prediction/status",
			bytes.NewBufferString(`{"status":"ended"}`))
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
		return s.do(t, req, userID)
	}

	resp := patch("alice")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = patch("sponsor")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var comp models.Competition
	decode(t, resp, &comp)
	assert.Equal(t, models.CompetitionEnded, comp.Status)

	// ended competitions reject submissions
	resp = s.do(t, uploadRequest(t, "id,prediction\n1,0.9\n2,0.1\n3,0.8\n4,0.2\n"), "alice")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestWebSocketRouteRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, httptest.NewRequest(http.MethodGet, "/ws/competitions/churn-prediction", nil), "")
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}
