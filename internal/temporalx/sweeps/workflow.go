package sweeps

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/coursebridge/assignments-backend/internal/services"
)

// Sweep activities page through every active configuration, so they get a
// generous deadline and heartbeat within each page. Retries restart the pass;
// the aggregate's state guards make a restarted pass idempotent.
func sweepActivityOptions(ctx workflow.Context) workflow.Context {
	return workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 2 * time.Hour,
		HeartbeatTimeout:    2 * time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    30 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Minute,
			MaximumAttempts:    3,
		},
	})
}

func ExpireWorkflow(ctx workflow.Context, in ExpireInput) (services.ExpireSweepResult, error) {
	ctx = sweepActivityOptions(ctx)
	var out services.ExpireSweepResult
	err := workflow.ExecuteActivity(ctx, ActivityExpire, in).Get(ctx, &out)
	return out, err
}

func NudgeWorkflow(ctx workflow.Context, in NudgeInput) (services.NudgeSweepResult, error) {
	ctx = sweepActivityOptions(ctx)
	var out services.NudgeSweepResult
	err := workflow.ExecuteActivity(ctx, ActivityNudge, in).Get(ctx, &out)
	return out, err
}

func ClearPIIWorkflow(ctx workflow.Context) (services.ClearPIISweepResult, error) {
	ctx = sweepActivityOptions(ctx)
	var out services.ClearPIISweepResult
	err := workflow.ExecuteActivity(ctx, ActivityClearPII).Get(ctx, &out)
	return out, err
}
