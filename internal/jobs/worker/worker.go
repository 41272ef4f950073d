package worker

import (
	"context"
	"fmt"
	"time"

	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// Config tunes the worker pool. Attempts are counted at claim time, so
// MaxAttempts bounds executions, not retries.
type Config struct {
	Concurrency  int
	Tick         time.Duration
	MaxAttempts  int
	RetryDelay   time.Duration
	StaleRunning time.Duration
}

func ConfigFromEnv() Config {
	return Config{
		Concurrency:  envutil.Int("WORKER_CONCURRENCY", 4),
		Tick:         time.Second,
		MaxAttempts:  envutil.Int("WORKER_MAX_ATTEMPTS", 5),
		RetryDelay:   envutil.DurationSeconds("WORKER_RETRY_DELAY_SECONDS", 30*time.Second),
		StaleRunning: envutil.DurationSeconds("WORKER_STALE_RUNNING_SECONDS", 30*time.Minute),
	}
}

func (c Config) normalized() Config {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.StaleRunning <= 0 {
		c.StaleRunning = 30 * time.Minute
	}
	return c
}

// Worker polls task_run and dispatches claimed rows to registered handlers.
// Each loop claims at most one task per tick; claim contention across
// replicas is resolved by the repo's SKIP LOCKED path.
type Worker struct {
	log      *logger.Logger
	tasks    jobrepos.TaskRunRepo
	registry *runtime.Registry
	cfg      Config
}

func New(baseLog *logger.Logger, tasks jobrepos.TaskRunRepo, registry *runtime.Registry, cfg Config) *Worker {
	return &Worker{
		log:      baseLog.With("component", "task_worker"),
		tasks:    tasks,
		registry: registry,
		cfg:      cfg.normalized(),
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.log.Info("starting task worker pool",
		"concurrency", w.cfg.Concurrency,
		"max_attempts", w.cfg.MaxAttempts,
	)
	for i := 0; i < w.cfg.Concurrency; i++ {
		workerID := i + 1
		go w.runLoop(ctx, workerID)
	}
}

func (w *Worker) runLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker loop stopped", "worker_id", workerID)
			return
		case <-ticker.C:
			w.processNext(ctx, workerID)
		}
	}
}

// processNext claims and executes at most one task. Returns false when the
// queue had nothing runnable.
func (w *Worker) processNext(ctx context.Context, workerID int) bool {
	task, err := w.tasks.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, w.cfg.MaxAttempts, w.cfg.RetryDelay, w.cfg.StaleRunning)
	if err != nil {
		w.log.Warn("claim next runnable failed", "worker_id", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}

	tc := runtime.NewTaskContext(ctx, task, w.tasks, w.cfg.MaxAttempts)
	started := time.Now()

	h, ok := w.registry.Get(task.JobType)
	if !ok {
		w.log.Warn("no handler registered for job_type",
			"worker_id", workerID,
			"job_type", task.JobType,
			"task_id", task.ID,
		)
		tc.Fail("dispatch", &missingHandlerError{JobType: task.JobType})
		observeTaskRun(task.JobType, task.Status, started)
		return true
	}

	func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("task handler panic",
					"worker_id", workerID,
					"task_id", task.ID,
					"job_type", task.JobType,
					"panic", r,
				)
				tc.Fail("panic", fmt.Errorf("panic: %v", r))
			}
		}()

		if runErr := h.Run(tc); runErr != nil {
			// Handlers usually call tc.Fail themselves; this is a safety net.
			tc.Fail("run", runErr)
		}
	}()
	observeTaskRun(task.JobType, task.Status, started)
	return true
}

func observeTaskRun(jobType, status string, started time.Time) {
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveTaskRun(jobType, status, time.Since(started))
	}
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string {
	return "no handler registered for job_type=" + e.JobType
}
