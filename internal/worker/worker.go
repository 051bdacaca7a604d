// Package worker runs the claim loop: wait for work, claim a job, drive it
// through the pipeline, repeat. Any number of workers, in one process or
// many, may share a store; the store's conditional updates keep each job
// with exactly one of them.
package worker

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/db"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/pkg/logger"
)

const (
	maxStoreBackoff = 30 * time.Second
	releaseTimeout  = 5 * time.Second
)

// Store is what the loop needs from the job store.
type Store interface {
	ClaimNext(ctx context.Context, workerID string) (*queue.Job, error)
	Heartbeat(ctx context.Context, jobID, token string) error
	Release(ctx context.Context, jobID, token string) error
	Transition(ctx context.Context, t queue.Transition) error
	RecoverStale(ctx context.Context, threshold time.Duration, mode queue.RecoveryMode) ([]queue.Recovered, error)
}

// Processor drives one claimed job to a terminal status.
type Processor interface {
	Run(ctx context.Context, job *queue.Job) error
}

// Worker polls the store and processes jobs.
type Worker struct {
	store     Store
	processor Processor
	cfg       config.WorkerConfig
	prefix    string

	wake chan struct{}

	mu          sync.Mutex
	storeErrors int // consecutive
	haltErr     error
}

// New creates a worker. Loop ids are "<hostname>-<pid>-<n>".
func New(store Store, processor Processor, cfg config.WorkerConfig) *Worker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Worker{
		store:     store,
		processor: processor,
		cfg:       cfg,
		prefix:    fmt.Sprintf("%s-%d", host, os.Getpid()),
		wake:      make(chan struct{}, 1),
	}
}

// Notify wakes an idle loop without waiting for the next poll.
func (w *Worker) Notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is cancelled or the store keeps failing. It
// returns nil after a graceful shutdown and an error when it halted on
// storage failures.
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	logger.Infof("👷 Worker starting: %d loop(s), poll %s, stale after %s (recovery: %s)",
		w.cfg.Workers, w.cfg.PollInterval, w.cfg.StaleThreshold, w.cfg.RecoveryMode)

	w.recoverStale(ctx, cancel)

	var wg sync.WaitGroup
	for i := 1; i <= w.cfg.Workers; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			w.loop(ctx, cancel, id)
		}(fmt.Sprintf("%s-%d", w.prefix, i))
	}

	if w.cfg.RecoveryInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.recoveryLoop(ctx, cancel)
		}()
	}

	wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.haltErr != nil {
		logger.Errorf("🛑 Worker halted: %v", w.haltErr)
		return w.haltErr
	}
	logger.Info("✅ Worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context, halt context.CancelCauseFunc, id string) {
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	logger.Debugf("🔄 Claim loop %s started", id)
	for {
		// drain everything claimable before sleeping again
		for ctx.Err() == nil {
			job, err := w.store.ClaimNext(ctx, id)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !w.storeFailed(ctx, halt, "claim", err) {
					return
				}
				continue
			}
			w.storeOK()
			if job == nil {
				break
			}
			w.process(ctx, halt, id, job)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

func (w *Worker) process(ctx context.Context, halt context.CancelCauseFunc, id string, job *queue.Job) {
	logger.Infof("🔄 %s claimed job %s (%s)", id, job.ID, job.Status)

	if limit := w.cfg.MaxAttempts; limit > 0 && job.Attempts > limit {
		w.abandon(ctx, job, errors.Newf("gave up after %d attempts", limit))
		return
	}

	jobCtx, cancelJob := context.WithCancel(ctx)
	lost := make(chan struct{})
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(jobCtx, cancelJob, job, lost)
	}()

	err := w.processor.Run(jobCtx, job)
	cancelJob()
	<-hbDone

	claimLost := false
	select {
	case <-lost:
		claimLost = true
	default:
	}

	switch {
	case err == nil:
		w.storeOK()
	case errors.Is(err, queue.ErrConflict) || claimLost:
		logger.Warnf("⚠️ Job %s is no longer ours, moving on: %v", job.ID, err)
	case ctx.Err() != nil:
		w.checkpoint(ctx, job)
	case errors.IsAny(err, queue.ErrInvalidSegments, queue.ErrIllegalTransition):
		// the job's own data is at fault; another claim would fail the same way
		w.abandon(ctx, job, err)
	default:
		logger.Errorf("❌ Store failure while processing job %s: %v", job.ID, err)
		w.checkpoint(ctx, job)
		w.storeFailed(ctx, halt, "process", err)
	}
}

// heartbeat keeps the claim fresh while a stage runs. If the claim is
// lost the job context is cancelled.
func (w *Worker) heartbeat(ctx context.Context, cancelJob context.CancelFunc, job *queue.Job, lost chan<- struct{}) {
	interval := w.cfg.StaleThreshold / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		err := w.store.Heartbeat(ctx, job.ID, job.ClaimToken)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return
		case queue.IsLogical(err):
			logger.Warnf("⚠️ Lost claim on job %s: %v", job.ID, err)
			close(lost)
			cancelJob()
			return
		default:
			// recovery is the backstop if this keeps failing
			logger.Warnf("⚠️ Heartbeat for job %s failed: %v", job.ID, err)
		}
	}
}

// checkpoint releases the claim, leaving the job at its current stage
// boundary for the next claimant.
func (w *Worker) checkpoint(ctx context.Context, job *queue.Job) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := w.store.Release(rctx, job.ID, job.ClaimToken); err != nil {
		logger.Warnf("⚠️ Could not release job %s: %v", job.ID, err)
		return
	}
	logger.Infof("💾 Released job %s at %s", job.ID, job.Status)
}

// abandon fails a job the pipeline cannot move forward, so it stops
// coming back to the front of the queue.
func (w *Worker) abandon(ctx context.Context, job *queue.Job, cause error) {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	msg := fmt.Sprintf("%s: %v", job.Status, cause)
	err := w.store.Transition(tctx, queue.Transition{
		JobID:        job.ID,
		ClaimToken:   job.ClaimToken,
		From:         job.Status,
		To:           queue.StatusFailed,
		ErrorMessage: msg,
	})
	if err != nil {
		logger.Errorf("❌ Could not fail job %s (%s): %v", job.ID, msg, err)
		w.checkpoint(ctx, job)
		return
	}
	job.Status = queue.StatusFailed
	job.ErrorMessage = msg
	logger.Errorf("❌ Job %s failed: %s", job.ID, msg)
	w.storeOK()
}

func (w *Worker) recoveryLoop(ctx context.Context, halt context.CancelCauseFunc) {
	ticker := time.NewTicker(w.cfg.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.recoverStale(ctx, halt)
		}
	}
}

func (w *Worker) recoverStale(ctx context.Context, halt context.CancelCauseFunc) {
	mode := queue.RecoveryMode(w.cfg.RecoveryMode)
	if mode == "" {
		mode = queue.RecoverStage
	}

	recovered, err := w.store.RecoverStale(ctx, w.cfg.StaleThreshold, mode)
	if err != nil {
		if ctx.Err() == nil {
			w.storeFailed(ctx, halt, "recover", err)
		}
		return
	}
	w.storeOK()

	for _, r := range recovered {
		logger.Warnf("♻️ Recovered orphaned job %s (%s): %s → %s, last claimed by %s, stale for %s",
			r.JobID, r.Reference, r.From, r.To, r.ClaimedBy, r.StaleFor.Round(time.Second))
	}
	if len(recovered) > 0 {
		w.Notify()
	}
}

func (w *Worker) storeOK() {
	w.mu.Lock()
	w.storeErrors = 0
	w.mu.Unlock()
}

// storeFailed counts a storage failure and backs off. It reports false
// once the failure budget is spent and the worker is halting, or when the
// database has been closed.
func (w *Worker) storeFailed(ctx context.Context, halt context.CancelCauseFunc, op string, err error) bool {
	// the process is shutting down around us
	if db.IsDatabaseClosed(err) {
		logger.Warnf("⚠️ Database closed during %s, stopping", op)
		halt(err)
		return false
	}

	w.mu.Lock()
	w.storeErrors++
	n := w.storeErrors
	limit := w.cfg.MaxStoreErrors
	if limit > 0 && n >= limit && w.haltErr == nil {
		w.haltErr = errors.Wrapf(err, "%d consecutive store failures, last during %s", n, op)
		halt(w.haltErr)
	}
	halted := w.haltErr != nil
	w.mu.Unlock()

	if halted {
		return false
	}

	wait := storeBackoff(w.cfg.PollInterval, n)
	logger.Errorf("❌ Store failure during %s (%d/%d), backing off %s: %v", op, n, limit, wait, err)

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func storeBackoff(base time.Duration, failures int) time.Duration {
	d := base
	for i := 1; i < failures && d < maxStoreBackoff; i++ {
		d *= 2
	}
	if d > maxStoreBackoff {
		d = maxStoreBackoff
	}
	return d
}
