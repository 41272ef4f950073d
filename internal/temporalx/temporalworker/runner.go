package temporalworker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/coursebridge/assignments-backend/internal/platform/envutil"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/services"
	"github.com/coursebridge/assignments-backend/internal/temporalx"
	"github.com/coursebridge/assignments-backend/internal/temporalx/sweeps"
)

// Runner polls the configured task queue and executes the sweep workflows
// and their activities.
type Runner struct {
	log    *logger.Logger
	tc     temporalsdkclient.Client
	sweeps services.SweepService
}

func NewRunner(log *logger.Logger, tc temporalsdkclient.Client, sweepSvc services.SweepService) (*Runner, error) {
	if tc == nil {
		return nil, fmt.Errorf("temporal client is not configured")
	}
	if sweepSvc == nil {
		return nil, fmt.Errorf("temporal worker missing sweep service")
	}
	return &Runner{
		log:    log,
		tc:     tc,
		sweeps: sweepSvc,
	}, nil
}

func (r *Runner) Start(ctx context.Context) error {
	if r == nil || r.tc == nil {
		return fmt.Errorf("temporal worker not initialized")
	}

	cfg := temporalx.LoadConfig()
	if r.log != nil {
		r.log.Info("starting temporal worker", "address", cfg.Address, "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue)
	}

	// Local/self-hosted convenience: ensure the namespace exists before
	// polling. Temporal Cloud namespaces should be pre-created and
	// TEMPORAL_AUTO_REGISTER_NAMESPACE left false.
	if envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
		baseCtx := ctx
		if baseCtx == nil {
			baseCtx = context.Background()
		}
		if err := temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log); err != nil && r.log != nil {
			r.log.Warn("temporal namespace ensure failed, worker will retry on start", "namespace", cfg.Namespace, "error", err)
		}
	}

	maxWait := envutil.DurationSeconds("TEMPORAL_WORKER_START_MAX_WAIT_SECONDS", 60*time.Second)
	backoff := time.Duration(envutil.Int("TEMPORAL_WORKER_START_BACKOFF_MS", 250)) * time.Millisecond
	backoffMax := time.Duration(envutil.Int("TEMPORAL_WORKER_START_BACKOFF_MAX_MS", 5000)) * time.Millisecond

	deadline := time.Now().Add(maxWait)

	for attempt := 1; ; attempt++ {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		w := r.newWorker(cfg)
		startErr := w.Start()
		if startErr == nil {
			if ctx != nil {
				go func() {
					<-ctx.Done()
					w.Stop()
				}()
			}
			if r.log != nil {
				r.log.Info("temporal worker started", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempts", attempt)
			}
			return nil
		}

		// Make sure worker goroutines are stopped before retrying.
		w.Stop()

		// When the namespace is missing and auto-register is on, create it
		// and retry.
		var nfe *serviceerror.NamespaceNotFound
		if errors.As(startErr, &nfe) && envutil.Bool("TEMPORAL_AUTO_REGISTER_NAMESPACE", false) {
			baseCtx := ctx
			if baseCtx == nil {
				baseCtx = context.Background()
			}
			_ = temporalx.EnsureNamespace(baseCtx, r.tc, cfg.Namespace, r.log)
		}

		if maxWait <= 0 || time.Now().After(deadline) {
			// A missing Temporal Cloud namespace never heals without a
			// config change; fail loudly.
			var nfe2 *serviceerror.NamespaceNotFound
			if errors.As(startErr, &nfe2) {
				return fmt.Errorf("temporal namespace not found (namespace=%s): %w", cfg.Namespace, startErr)
			}
			return startErr
		}

		if r.log != nil {
			r.log.Warn("temporal worker failed to start, retrying", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "attempt", attempt, "error", startErr)
		}

		if sleep := startBackoff(backoff, backoffMax, attempt); sleep > 0 {
			time.Sleep(sleep)
		}
	}
}

func (r *Runner) newWorker(cfg temporalx.Config) worker.Worker {
	concurrency := envutil.Int("TEMPORAL_WORKER_CONCURRENCY", 2)
	if concurrency < 1 {
		concurrency = 1
	}

	w := worker.New(r.tc, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
	})

	acts := &sweeps.Activities{
		Log:    r.log,
		Sweeps: r.sweeps,
	}

	w.RegisterWorkflowWithOptions(sweeps.ExpireWorkflow, workflow.RegisterOptions{Name: sweeps.WorkflowExpire})
	w.RegisterWorkflowWithOptions(sweeps.NudgeWorkflow, workflow.RegisterOptions{Name: sweeps.WorkflowNudge})
	w.RegisterWorkflowWithOptions(sweeps.ClearPIIWorkflow, workflow.RegisterOptions{Name: sweeps.WorkflowClearPII})
	w.RegisterActivityWithOptions(acts.RunExpireSweep, activity.RegisterOptions{Name: sweeps.ActivityExpire})
	w.RegisterActivityWithOptions(acts.RunNudgeSweep, activity.RegisterOptions{Name: sweeps.ActivityNudge})
	w.RegisterActivityWithOptions(acts.RunClearPIISweep, activity.RegisterOptions{Name: sweeps.ActivityClearPII})
	return w
}

func startBackoff(base time.Duration, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}
