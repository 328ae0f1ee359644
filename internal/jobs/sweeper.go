package jobs

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// InterruptedReason is stored on submissions failed by the sweeper
const InterruptedReason = "processing interrupted"

// StaleFailer fails non-terminal submissions last touched before a cutoff
type StaleFailer interface {
	FailStaleSubmissions(ctx context.Context, before time.Time, reason string) (int64, error)
}

// SweeperConfig holds configuration for the sweeper
type SweeperConfig struct {
	Interval   time.Duration // Default: 1m
	StaleAfter time.Duration // Default: 10m, must exceed the scoring queue wait plus timeout
}

// Sweeper drives submissions orphaned by a crash or restart to failed, so
// no submission stays pending or validating forever
type Sweeper struct {
	store   StaleFailer
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool

	// Metrics
	runs      atomic.Int64
	swept     atomic.Int64
	errors    atomic.Int64
	startTime time.Time

	interval   time.Duration
	staleAfter time.Duration
	now        func() time.Time
}

// NewSweeper creates a new sweeper
func NewSweeper(store StaleFailer, config SweeperConfig) *Sweeper {
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if config.StaleAfter <= 0 {
		config.StaleAfter = 10 * time.Minute
	}

	return &Sweeper{
		store:      store,
		stopCh:     make(chan struct{}),
		interval:   config.Interval,
		staleAfter: config.StaleAfter,
		now:        time.Now,
	}
}

// Start runs one sweep immediately, then one per interval
func (s *Sweeper) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("sweeper already running")
	}
	s.startTime = time.Now()

	log.Printf("🚀 Submission sweeper started (interval %v, stale after %v)", s.interval, s.staleAfter)

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// Stop gracefully stops the sweeper
func (s *Sweeper) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()

	log.Println("✅ Submission sweeper stopped")
	log.Printf("   - Runs: %d", s.runs.Load())
	log.Printf("   - Submissions failed: %d", s.swept.Load())
	log.Printf("   - Errors: %d", s.errors.Load())
}

// IsRunning returns whether the sweeper is currently running
func (s *Sweeper) IsRunning() bool {
	return s.running.Load()
}

// RunOnce fails every submission untouched for longer than StaleAfter
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	s.runs.Add(1)
	n, err := s.store.FailStaleSubmissions(ctx, s.now().Add(-s.staleAfter), InterruptedReason)
	if err != nil {
		s.errors.Add(1)
		return 0, fmt.Errorf("failed to sweep stale submissions: %w", err)
	}
	if n > 0 {
		s.swept.Add(n)
		log.Printf("⚠️  Failed %d interrupted submission(s)", n)
	}
	return n, nil
}

// GetMetrics returns current sweeper metrics
func (s *Sweeper) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"running":    s.running.Load(),
		"runs":       s.runs.Load(),
		"swept":      s.swept.Load(),
		"errors":     s.errors.Load(),
		"uptime":     time.Since(s.startTime).Round(time.Second).String(),
		"staleAfter": s.staleAfter.String(),
	}
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil {
			log.Printf("❌ %v", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}
