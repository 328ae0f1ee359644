package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"
	"daggle/internal/ranking"
	"daggle/internal/ratelimit"
	"daggle/internal/scoring"
	"daggle/internal/storage"
	"daggle/internal/worker"

	"github.com/google/uuid"
)

// Messages stored on failed submissions. Internal causes are logged, never stored.
const (
	msgValidationFailed = "submission failed validation"
	msgScoringFailed    = "submission could not be scored"
	msgProcessingFailed = "submission could not be processed"
	msgQueueFull        = "scoring queue is full"
)

// terminalWriteTimeout bounds the final status write of a submission whose
// pipeline context has already expired
const terminalWriteTimeout = 5 * time.Second

// PipelineConfig tunes the scoring pipeline
type PipelineConfig struct {
	Workers    int
	QueueSize  int
	Timeout    time.Duration // per submission, covers validation and scoring
	QueueWait  time.Duration // longest a submission may wait for a worker, zero is unbounded
	ResultWait time.Duration // how long Submit waits before answering "pending"
}

// Upload is a file received from a participant
type Upload struct {
	FileName string
	Content  []byte
}

// SubmissionService runs the intake pipeline:
// role check, rate limit, validation, scoring and ranking.
type SubmissionService struct {
	store   Store
	limiter *ratelimit.Limiter
	scorer  *scoring.Engine
	ranker  *ranking.Engine
	files   storage.Storage
	pool    *worker.WorkerPool
	cfg     PipelineConfig
	now     func() time.Time
}

// NewSubmissionService creates the service and its scoring pool. Call Start
// before accepting submissions.
func NewSubmissionService(
	store Store,
	limiter *ratelimit.Limiter,
	scorer *scoring.Engine,
	ranker *ranking.Engine,
	files storage.Storage,
	cfg PipelineConfig,
) *SubmissionService {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ResultWait <= 0 {
		cfg.ResultWait = cfg.Timeout
	}

	s := &SubmissionService{
		store:   store,
		limiter: limiter,
		scorer:  scorer,
		ranker:  ranker,
		files:   files,
		cfg:     cfg,
		now:     time.Now,
	}
	s.pool = worker.NewWorkerPool(cfg.Workers, cfg.QueueSize, cfg.Timeout, cfg.QueueWait, s)
	return s
}

// Start starts the scoring workers
func (s *SubmissionService) Start() {
	s.pool.Start()
}

// Shutdown drains the scoring queue
func (s *SubmissionService) Shutdown(timeout time.Duration) error {
	return s.pool.Shutdown(timeout)
}

// PoolMetrics exposes the scoring pool counters
func (s *SubmissionService) PoolMetrics() map[string]interface{} {
	return s.pool.GetMetrics()
}

// Submit accepts a file from a participant. The cheap checks (role, window,
// daily limit) run before the file is touched. Once accepted the submission
// is processed to a terminal status even if ctx is cancelled; when the
// result is not ready within ResultWait the pending submission is returned.
func (s *SubmissionService) Submit(ctx context.Context, rc *models.RoleContext, comp *models.Competition, upload Upload) (*models.SubmissionResult, error) {
	if !rc.IsParticipant() {
		return nil, common.ErrNotEnrolled
	}

	now := s.now()
	if !comp.AcceptingSubmissions(now) {
		return nil, common.ErrCompetitionNotActive
	}

	reservation, err := s.limiter.TryReserve(ctx, rc.UserID, comp, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check submission limit: %w", err)
	}
	if !reservation.Allowed {
		return nil, &common.RateLimitError{
			Limit:    reservation.Limit,
			Used:     reservation.Used,
			ResetsAt: reservation.ResetsAt,
		}
	}

	// From here on the request may go away without stopping the work
	detached := context.WithoutCancel(ctx)

	sub := &models.Submission{
		ID:            uuid.NewString(),
		CompetitionID: comp.ID,
		UserID:        rc.UserID,
		FileName:      upload.FileName,
		Status:        models.SubmissionPending,
		SubmittedAt:   now,
	}
	if err := s.store.CreateSubmission(detached, sub); err != nil {
		return nil, fmt.Errorf("failed to create submission: %w", err)
	}

	task := worker.NewScoringTask(sub, comp, upload.Content)
	if err := s.pool.Submit(task); err != nil {
		s.Abort(detached, task, msgQueueFull)
		if errors.Is(err, worker.ErrPoolClosed) {
			err = common.ErrQueueFull
		}
		return nil, err
	}

	timer := time.NewTimer(s.cfg.ResultWait)
	defer timer.Stop()

	select {
	case out := <-task.Done:
		return resultFromOutcome(out)
	case <-timer.C:
		return pendingResult(sub), nil
	case <-ctx.Done():
		return pendingResult(sub), nil
	}
}

// Process implements worker.Processor. ctx carries the pipeline timeout.
func (s *SubmissionService) Process(ctx context.Context, task worker.ScoringTask) worker.Outcome {
	comp := task.Competition
	sub := task.Submission

	key := storage.SubmissionKey(comp.ID, sub.UserID, sub.ID)
	if err := s.files.Save(ctx, key, task.Content); err != nil {
		return s.internalFailure(ctx, task, fmt.Errorf("failed to store file: %w", err))
	}

	sub, err := s.store.TransitionSubmission(ctx, sub.ID, models.SubmissionValidating, models.SubmissionPatch{FileKey: key})
	if err != nil {
		return s.internalFailure(ctx, task, fmt.Errorf("failed to mark validating: %w", err))
	}

	truth, err := s.scorer.LoadTruth(ctx, comp)
	if err != nil {
		return s.internalFailure(ctx, task, err)
	}

	result, err := scoring.Validate(ctx, task.Content, scoring.SpecFor(comp, truth))
	if err != nil {
		return s.internalFailure(ctx, task, fmt.Errorf("validation aborted: %w", err))
	}
	if !result.Valid {
		return s.fail(ctx, task, msgValidationFailed, result.Errors, &common.ValidationError{Errors: result.Errors})
	}

	score, err := s.scorer.Score(ctx, result.File, truth, comp.Metric)
	if err != nil {
		log.Printf("❌ Scoring failed for submission %s (competition %d): %v", sub.ID, comp.ID, err)
		return s.fail(ctx, task, msgScoringFailed, nil, common.ErrScoringFailed)
	}

	scoredAt := s.now()
	sub, err = s.store.TransitionSubmission(ctx, sub.ID, models.SubmissionScored, models.SubmissionPatch{
		Score:    &score,
		ScoredAt: &scoredAt,
	})
	if err != nil {
		return s.internalFailure(ctx, task, fmt.Errorf("failed to mark scored: %w", err))
	}

	// A ranking failure does not undo the score; Rebuild can recover it
	res, err := s.ranker.Integrate(ctx, comp, ranking.Update{
		UserID:       sub.UserID,
		SubmissionID: sub.ID,
		Score:        score,
		SubmittedAt:  sub.SubmittedAt,
	})
	if err != nil {
		log.Printf("⚠️  Submission %s scored but not ranked: %v", sub.ID, err)
		return worker.Outcome{Submission: sub}
	}

	return worker.Outcome{
		Submission:   sub,
		Rank:         res.Entry.Rank,
		PreviousRank: res.PreviousRank,
	}
}

// Abort implements worker.Processor
func (s *SubmissionService) Abort(ctx context.Context, task worker.ScoringTask, reason string) worker.Outcome {
	log.Printf("⚠️  Aborting submission %s: %s", task.Submission.ID, reason)
	return s.fail(ctx, task, reason, nil, common.ErrScoringFailed)
}

func (s *SubmissionService) internalFailure(ctx context.Context, task worker.ScoringTask, cause error) worker.Outcome {
	log.Printf("❌ Processing failed for submission %s (competition %d): %v",
		task.Submission.ID, task.Competition.ID, cause)
	return s.fail(ctx, task, msgProcessingFailed, nil, fmt.Errorf("submission %s: %w", task.Submission.ID, cause))
}

// fail moves the submission to failed. The write gets its own deadline so an
// expired pipeline context cannot leave the submission non-terminal.
func (s *SubmissionService) fail(ctx context.Context, task worker.ScoringTask, message string, fieldErrs []models.FieldError, cause error) worker.Outcome {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalWriteTimeout)
	defer cancel()

	sub, err := s.store.TransitionSubmission(wctx, task.Submission.ID, models.SubmissionFailed, models.SubmissionPatch{
		Error:  &message,
		Errors: fieldErrs,
	})
	if err != nil {
		log.Printf("❌ Failed to mark submission %s failed: %v", task.Submission.ID, err)
		cp := *task.Submission
		cp.Status = models.SubmissionFailed
		cp.Error = &message
		sub = &cp
	}
	return worker.Outcome{Submission: sub, Err: cause}
}

// Get returns a submission visible to the caller: their own, or any
// submission of a competition they sponsor
func (s *SubmissionService) Get(ctx context.Context, rc *models.RoleContext, id string) (*models.Submission, error) {
	if rc == nil || rc.UserID == "" {
		return nil, common.ErrUnauthorized
	}

	sub, err := s.store.GetSubmission(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.CompetitionID != rc.CompetitionID {
		return nil, common.ErrSubmissionNotFound
	}
	if sub.UserID != rc.UserID && !rc.IsSponsor() {
		return nil, common.ErrPermissionDenied
	}
	return sub, nil
}

// List returns the caller's submissions, newest first. Sponsors see everyone's.
func (s *SubmissionService) List(ctx context.Context, rc *models.RoleContext, offset, limit int) (*models.SubmissionList, error) {
	if rc == nil || rc.UserID == "" {
		return nil, common.ErrUnauthorized
	}
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}

	userID := rc.UserID
	if rc.IsSponsor() {
		userID = ""
	}

	subs, total, err := s.store.ListSubmissions(ctx, rc.CompetitionID, userID, offset, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list submissions: %w", err)
	}
	return &models.SubmissionList{Data: subs, Offset: offset, Limit: limit, Total: total}, nil
}

func pendingResult(sub *models.Submission) *models.SubmissionResult {
	return &models.SubmissionResult{
		ID:          sub.ID,
		Status:      sub.Status,
		SubmittedAt: sub.SubmittedAt,
	}
}

func resultFromOutcome(out worker.Outcome) (*models.SubmissionResult, error) {
	if out.Err != nil {
		return nil, out.Err
	}

	sub := out.Submission
	res := &models.SubmissionResult{
		ID:          sub.ID,
		Status:      sub.Status,
		Score:       sub.Score,
		SubmittedAt: sub.SubmittedAt,
		Error:       sub.Error,
	}
	if out.Rank > 0 {
		rank := out.Rank
		res.Rank = &rank
	}
	if out.PreviousRank > 0 {
		prev := out.PreviousRank
		res.PreviousRank = &prev
	}
	return res, nil
}
