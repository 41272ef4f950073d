package handlers

import (
	"time"

	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// sweepTask binds a queued sweep job type to one SweepService pass. The
// scheduler enqueues these; running them on the task queue buys the sweeps
// the same retry and attempt accounting as the per-assignment tasks.
type sweepTask struct {
	jobType string
	name    string
}

var sweepTasks = []sweepTask{
	{jobType: jobsdom.TaskExpireSweep, name: "expire"},
	{jobType: jobsdom.TaskNudgeSweep, name: "nudge"},
	{jobType: jobsdom.TaskClearPIISweep, name: "clear_pii"},
}

type sweepHandler struct {
	deps Deps
	log  *logger.Logger
	task sweepTask
}

func newSweepHandler(d Deps, task sweepTask) *sweepHandler {
	return &sweepHandler{
		deps: d,
		log:  d.Log.With("handler", task.jobType),
		task: task,
	}
}

func (h *sweepHandler) Type() string { return h.task.jobType }

func (h *sweepHandler) Run(tc *runtime.TaskContext) error {
	dryRun, _ := tc.Payload()["dry_run"].(bool)

	// Sweeps outlive the stale-running window on large tenants; keep the
	// claim fresh so another worker does not double-run the pass.
	stop := h.startHeartbeat(tc)
	defer stop()

	switch h.task.jobType {
	case jobsdom.TaskExpireSweep:
		res, err := h.deps.Sweeps.ExpireAssignments(tc.Ctx, dryRun)
		if err != nil {
			tc.Fail("run", err)
			return nil
		}
		tc.Succeed("done", map[string]any{
			"configurations": res.Configurations,
			"scanned":        res.Scanned,
			"expired":        res.Expired,
			"pii_cleared":    res.PIICleared,
			"failed":         res.Failed,
			"dry_run":        dryRun,
		})
	case jobsdom.TaskNudgeSweep:
		days := h.deps.NudgeDays
		if v, ok := tc.Payload()["days_before_start"].(float64); ok && int(v) > 0 {
			days = int(v)
		}
		if days <= 0 {
			days = 30
		}
		res, err := h.deps.Sweeps.NudgeAssignments(tc.Ctx, days, dryRun)
		if err != nil {
			tc.Fail("run", err)
			return nil
		}
		tc.Succeed("done", map[string]any{
			"configurations":    res.Configurations,
			"scanned":           res.Scanned,
			"nudged":            res.Nudged,
			"failed":            res.Failed,
			"days_before_start": days,
			"dry_run":           dryRun,
		})
	case jobsdom.TaskClearPIISweep:
		res, err := h.deps.Sweeps.ClearExpiredPII(tc.Ctx)
		if err != nil {
			tc.Fail("run", err)
			return nil
		}
		tc.Succeed("done", map[string]any{
			"scanned": res.Scanned,
			"cleared": res.Cleared,
			"failed":  res.Failed,
		})
	default:
		tc.Fail("dispatch", &unknownSweepError{JobType: h.task.jobType})
	}
	return nil
}

func (h *sweepHandler) startHeartbeat(tc *runtime.TaskContext) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				tc.Heartbeat()
			}
		}
	}()
	return func() { close(done) }
}

type unknownSweepError struct{ JobType string }

func (e *unknownSweepError) Error() string {
	return "no sweep mapped for job_type=" + e.JobType
}
