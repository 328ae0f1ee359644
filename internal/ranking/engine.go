package ranking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"daggle/internal/models"
)

// ErrEngineClosed is returned for work submitted after Close
var ErrEngineClosed = errors.New("rank engine is closed")

const notifyTimeout = 5 * time.Second

// Store persists leaderboard entries.
//
// UpdateLeaderboard claims submissionID for the leaderboard and hands fn the
// competition's current entries. fresh is false when the submission was claimed
// before. What fn returns is persisted atomically with the claim; a nil return
// means nothing changed.
// ReplaceLeaderboard swaps the entire entry set of a competition and claims
// submissionIDs, the submissions the new entries were derived from.
type Store interface {
	UpdateLeaderboard(ctx context.Context, competitionID uint, submissionID string, fn func(entries []models.LeaderboardEntry, fresh bool) ([]models.LeaderboardEntry, error)) error
	ReplaceLeaderboard(ctx context.Context, competitionID uint, entries []models.LeaderboardEntry, submissionIDs []string) error
	ScoredSubmissions(ctx context.Context, competitionID uint) ([]models.Submission, error)
}

// Notifier is told about every committed leaderboard change
type Notifier interface {
	LeaderboardChanged(ctx context.Context, comp *models.Competition, entries []models.LeaderboardEntry) error
}

// Result is the outcome of integrating one scored submission
type Result struct {
	Entry        models.LeaderboardEntry
	PreviousRank int // 0 when the user had no entry
	Improved     bool
	Changed      bool // false when the submission had already been integrated
}

// Config tunes the engine
type Config struct {
	TieBreak    TieBreak
	MaxAttempts int
	Backoff     time.Duration
	IdleTimeout time.Duration
	QueueSize   int
}

// Engine maintains competition leaderboards. All writes to one competition go
// through a single actor goroutine, so two users scoring at the same time never
// recompute ranks from the same stale ordering. Different competitions proceed
// in parallel. Actors are started on demand and exit after IdleTimeout.
type Engine struct {
	store    Store
	notifier Notifier
	cfg      Config

	mu     sync.Mutex
	actors map[uint]*actor

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type actor struct {
	competitionID uint
	requests      chan request
	pending       int // guarded by Engine.mu
}

type request struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// NewEngine creates a rank engine. notifier may be nil.
func NewEngine(store Store, notifier Notifier, cfg Config) *Engine {
	if cfg.TieBreak == "" {
		cfg.TieBreak = TieBreakEarliestBest
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		actors:   make(map[uint]*actor),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// TieBreak returns the configured tie-break policy
func (e *Engine) TieBreak() TieBreak {
	return e.cfg.TieBreak
}

// Integrate folds a scored submission into comp's leaderboard and returns the
// user's updated entry with their previous rank. Integrating the same
// submission twice leaves the leaderboard unchanged.
func (e *Engine) Integrate(ctx context.Context, comp *models.Competition, upd Update) (*Result, error) {
	var res *Result

	// The notifier runs on the actor right after the commit, so cache writes
	// are published in the same order the store applied them.
	err := e.dispatch(ctx, comp.ID, func(ctx context.Context) error {
		var changed []models.LeaderboardEntry
		err := e.withRetry(ctx, func() error {
			res, changed = nil, nil
			return e.store.UpdateLeaderboard(ctx, comp.ID, upd.SubmissionID, func(entries []models.LeaderboardEntry, fresh bool) ([]models.LeaderboardEntry, error) {
				res, changed = apply(entries, comp.ID, upd, comp.Metric, e.cfg.TieBreak, fresh)
				return changed, nil
			})
		})
		if err == nil && res != nil && res.Changed {
			e.notify(ctx, comp, changed)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to integrate submission %s: %w", upd.SubmissionID, err)
	}
	if res == nil {
		return nil, fmt.Errorf("failed to integrate submission %s: store did not load entries", upd.SubmissionID)
	}
	return res, nil
}

// Rebuild recomputes comp's leaderboard from its scored submission history
func (e *Engine) Rebuild(ctx context.Context, comp *models.Competition) ([]models.LeaderboardEntry, error) {
	var entries []models.LeaderboardEntry

	err := e.dispatch(ctx, comp.ID, func(ctx context.Context) error {
		err := e.withRetry(ctx, func() error {
			subs, err := e.store.ScoredSubmissions(ctx, comp.ID)
			if err != nil {
				return err
			}
			entries = Replay(comp, subs, e.cfg.TieBreak)
			return e.store.ReplaceLeaderboard(ctx, comp.ID, entries, replayedIDs(subs))
		})
		if err == nil {
			e.notify(ctx, comp, entries)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rebuild leaderboard for competition %d: %w", comp.ID, err)
	}

	log.Printf("✓ Rebuilt leaderboard for competition %d (%d entries)", comp.ID, len(entries))
	return entries, nil
}

// Replay derives leaderboard entries from scored submissions, in submission order
func Replay(comp *models.Competition, subs []models.Submission, policy TieBreak) []models.LeaderboardEntry {
	byUser := make(map[string]int)
	entries := make([]models.LeaderboardEntry, 0)

	for _, s := range subs {
		if s.Status != models.SubmissionScored || s.Score == nil {
			continue
		}
		idx, ok := byUser[s.UserID]
		if !ok {
			entries = append(entries, models.LeaderboardEntry{CompetitionID: comp.ID, UserID: s.UserID})
			idx = len(entries) - 1
			byUser[s.UserID] = idx
		}
		fold(&entries[idx], Update{
			UserID:       s.UserID,
			SubmissionID: s.ID,
			Score:        *s.Score,
			SubmittedAt:  s.SubmittedAt,
		}, comp.Metric)
	}

	Rank(entries, comp.Metric, policy)
	return entries
}

func replayedIDs(subs []models.Submission) []string {
	ids := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Status == models.SubmissionScored && s.Score != nil {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Close stops all actors. Work not yet started fails with ErrEngineClosed.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// notify publishes a committed change. It must run on the competition's actor.
// The change is already durable, so the publish outlives the caller's context.
func (e *Engine) notify(ctx context.Context, comp *models.Competition, entries []models.LeaderboardEntry) {
	if e.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	if err := e.notifier.LeaderboardChanged(ctx, comp, entries); err != nil {
		log.Printf("⚠️  Failed to publish leaderboard change for competition %d: %v", comp.ID, err)
	}
}

// withRetry retries transient store failures with linear backoff
func (e *Engine) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}

		log.Printf("⚠️  Leaderboard write failed (attempt %d/%d): %v", attempt, e.cfg.MaxAttempts, err)
		select {
		case <-time.After(time.Duration(attempt) * e.cfg.Backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// dispatch runs fn on the competition's actor and waits for it to finish
func (e *Engine) dispatch(ctx context.Context, competitionID uint, fn func(ctx context.Context) error) error {
	e.mu.Lock()
	if e.ctx.Err() != nil {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	a, ok := e.actors[competitionID]
	if !ok {
		a = &actor{competitionID: competitionID, requests: make(chan request, e.cfg.QueueSize)}
		e.actors[competitionID] = a
		e.wg.Add(1)
		go e.run(a)
	}
	a.pending++
	e.mu.Unlock()

	req := request{ctx: ctx, run: fn, done: make(chan error, 1)}

	select {
	case a.requests <- req:
	case <-ctx.Done():
		e.release(a)
		return ctx.Err()
	case <-e.ctx.Done():
		e.release(a)
		return ErrEngineClosed
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return ErrEngineClosed
	}
}

func (e *Engine) release(a *actor) {
	e.mu.Lock()
	a.pending--
	e.mu.Unlock()
}

// run is the actor loop of one competition
func (e *Engine) run(a *actor) {
	defer e.wg.Done()

	idle := time.NewTicker(e.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case req := <-a.requests:
			req.done <- e.execute(req)
			e.release(a)

		case <-idle.C:
			e.mu.Lock()
			if a.pending == 0 {
				delete(e.actors, a.competitionID)
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()

		case <-e.ctx.Done():
			return
		}
	}
}

func (e *Engine) execute(req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Rank actor PANIC recovered: %v", r)
			err = fmt.Errorf("rank engine panic: %v", r)
		}
	}()

	if err := req.ctx.Err(); err != nil {
		return err
	}
	return req.run(req.ctx)
}
