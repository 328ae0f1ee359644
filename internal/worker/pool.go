package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"daggle/internal/common"
	"daggle/internal/models"
)

// ErrPoolClosed is returned by Submit after Shutdown has started
var ErrPoolClosed = errors.New("worker pool is shut down")

// abortTimeout bounds the terminal write of a task that is not processed
const abortTimeout = 5 * time.Second

const (
	reasonQueueWait = "submission waited too long for a scoring worker"
	reasonShutdown  = "scoring service is shutting down"
)

// ScoringTask carries one accepted submission through validation and scoring
type ScoringTask struct {
	Submission  *models.Submission
	Competition *models.Competition
	Content     []byte

	// EnqueuedAt is set by Submit
	EnqueuedAt time.Time

	// Done receives exactly one Outcome. It must be buffered so a worker never
	// blocks on a caller that stopped waiting.
	Done chan Outcome
}

// NewScoringTask creates a task with a buffered Done channel
func NewScoringTask(sub *models.Submission, comp *models.Competition, content []byte) ScoringTask {
	return ScoringTask{
		Submission:  sub,
		Competition: comp,
		Content:     content,
		Done:        make(chan Outcome, 1),
	}
}

// Outcome is the terminal result of a scoring task
type Outcome struct {
	Submission   *models.Submission
	Rank         int
	PreviousRank int
	Err          error
}

// Processor runs the scoring pipeline for a task. Abort must drive the
// submission to a terminal status without doing any further work.
type Processor interface {
	Process(ctx context.Context, task ScoringTask) Outcome
	Abort(ctx context.Context, task ScoringTask, reason string) Outcome
}

// WorkerPool runs scoring tasks on a fixed set of goroutines
type WorkerPool struct {
	jobs        chan ScoringTask
	workerCount int
	timeout     time.Duration
	maxWait     time.Duration
	processor   Processor
	wg          sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	metrics     *PoolMetrics

	// closeMu guards closed so Submit never sends on a closed channel
	closeMu sync.RWMutex
	closed  bool
}

// PoolMetrics tracks worker pool performance
type PoolMetrics struct {
	mu              sync.RWMutex
	processed       int64
	failed          int64
	backpressure    int64
	panics          int64
	totalProcessing time.Duration
}

// NewWorkerPool creates a new worker pool. timeout bounds each task; a task
// still queued after maxWait is aborted instead of processed. A zero maxWait
// never aborts.
func NewWorkerPool(workerCount, queueSize int, timeout, maxWait time.Duration, processor Processor) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		jobs:        make(chan ScoringTask, queueSize),
		workerCount: workerCount,
		timeout:     timeout,
		maxWait:     maxWait,
		processor:   processor,
		ctx:         ctx,
		cancel:      cancel,
		metrics:     &PoolMetrics{},
	}
}

// Start initializes and starts all worker goroutines
func (wp *WorkerPool) Start() {
	log.Printf("🚀 Starting scoring pool with %d workers and queue size %d", wp.workerCount, cap(wp.jobs))

	for i := 1; i <= wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// worker is the main worker loop that processes jobs
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			return

		case task, ok := <-wp.jobs:
			if !ok {
				return
			}
			wp.processTask(id, task)
		}
	}
}

// processTask runs one task under its own timeout. The context is derived
// from the pool, not from the request that enqueued the task, so a client
// disconnect never leaves a submission half processed.
func (wp *WorkerPool) processTask(workerID int, task ScoringTask) {
	startTime := time.Now()

	if wait := startTime.Sub(task.EnqueuedAt); wp.maxWait > 0 && wait > wp.maxWait {
		log.Printf("⚠️  Worker #%d dropping submission %s after %v in queue", workerID, task.Submission.ID, wait)
		wp.abort(task, reasonQueueWait)
		return
	}

	ctx, cancel := context.WithTimeout(wp.ctx, wp.timeout)
	defer cancel()

	outcome := wp.run(ctx, workerID, task)
	processingTime := time.Since(startTime)

	if outcome.Err != nil {
		wp.metrics.incrementFailed()
	} else {
		wp.metrics.recordSuccess(processingTime)
	}

	task.Done <- outcome
}

func (wp *WorkerPool) run(ctx context.Context, workerID int, task ScoringTask) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("⚠️  Worker #%d PANIC recovered: %v (submission: %s)", workerID, r, task.Submission.ID)
			wp.metrics.incrementPanics()
			abortCtx, cancel := context.WithTimeout(context.Background(), abortTimeout)
			defer cancel()
			outcome = wp.processor.Abort(abortCtx, task, "internal error while scoring")
			if outcome.Err == nil {
				outcome.Err = fmt.Errorf("worker panic: %v", r)
			}
		}
	}()

	return wp.processor.Process(ctx, task)
}

// abort settles a task without processing it
func (wp *WorkerPool) abort(task ScoringTask, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), abortTimeout)
	defer cancel()

	outcome := wp.processor.Abort(ctx, task, reason)
	if outcome.Err == nil {
		outcome.Err = errors.New(reason)
	}
	wp.metrics.incrementFailed()
	task.Done <- outcome
}

// Submit queues a task without blocking. A full queue is backpressure and
// returns common.ErrQueueFull.
func (wp *WorkerPool) Submit(task ScoringTask) error {
	wp.closeMu.RLock()
	defer wp.closeMu.RUnlock()
	if wp.closed {
		return ErrPoolClosed
	}

	task.EnqueuedAt = time.Now()
	select {
	case wp.jobs <- task:
		return nil

	default:
		log.Printf("⚠️  BACKPRESSURE WARNING: scoring queue full, rejecting submission %s", task.Submission.ID)
		wp.metrics.incrementBackpressure()
		return common.ErrQueueFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to finish. On
// timeout, running tasks are cancelled and tasks still queued are aborted, so
// every accepted task receives an Outcome.
func (wp *WorkerPool) Shutdown(timeout time.Duration) error {
	log.Printf("🛑 Shutting down scoring pool...")

	wp.closeMu.Lock()
	if wp.closed {
		wp.closeMu.Unlock()
		return nil
	}
	wp.closed = true
	close(wp.jobs)
	wp.closeMu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("✓ All scoring workers finished")
		wp.printMetrics()
		return nil

	case <-time.After(timeout):
		wp.cancel()
		// jobs is closed, so the range ends once the buffer is empty. Workers
		// still selecting may take some of these; each task has one receiver.
		aborted := 0
		for task := range wp.jobs {
			wp.abort(task, reasonShutdown)
			aborted++
		}
		log.Printf("⚠️  Scoring pool shutdown timed out after %v, aborted %d queued submissions", timeout, aborted)
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// GetMetrics returns a snapshot of the pool metrics
func (wp *WorkerPool) GetMetrics() map[string]interface{} {
	wp.metrics.mu.RLock()
	defer wp.metrics.mu.RUnlock()

	avgProcessing := time.Duration(0)
	if wp.metrics.processed > 0 {
		avgProcessing = wp.metrics.totalProcessing / time.Duration(wp.metrics.processed)
	}

	return map[string]interface{}{
		"processed":           wp.metrics.processed,
		"failed":              wp.metrics.failed,
		"panics":              wp.metrics.panics,
		"backpressure_events": wp.metrics.backpressure,
		"avg_processing_time": avgProcessing.String(),
		"queue_utilization":   fmt.Sprintf("%d/%d", len(wp.jobs), cap(wp.jobs)),
	}
}

func (wp *WorkerPool) printMetrics() {
	metrics := wp.GetMetrics()
	log.Printf("📊 Scoring Pool Metrics:")
	log.Printf("   - Processed: %v", metrics["processed"])
	log.Printf("   - Failed: %v", metrics["failed"])
	log.Printf("   - Panics: %v", metrics["panics"])
	log.Printf("   - Backpressure Events: %v", metrics["backpressure_events"])
	log.Printf("   - Avg Processing Time: %v", metrics["avg_processing_time"])
}

func (pm *PoolMetrics) recordSuccess(duration time.Duration) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.processed++
	pm.totalProcessing += duration
}

func (pm *PoolMetrics) incrementFailed() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.failed++
}

func (pm *PoolMetrics) incrementBackpressure() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.backpressure++
}

func (pm *PoolMetrics) incrementPanics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.panics++
}
