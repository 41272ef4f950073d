package sweeps

import (
	"context"
	"errors"
	"fmt"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/api/serviceerror"
	temporalsdkclient "go.temporal.io/sdk/client"
)

// ErrAlreadyRunning reports that the previous run of the same sweep kind has
// not finished yet. Schedulers treat it as "skip this tick".
var ErrAlreadyRunning = errors.New("sweep workflow already running")

func StartExpire(ctx context.Context, c temporalsdkclient.Client, taskQueue string, in ExpireInput) error {
	return start(ctx, c, taskQueue, WorkflowExpire, in)
}

func StartNudge(ctx context.Context, c temporalsdkclient.Client, taskQueue string, in NudgeInput) error {
	return start(ctx, c, taskQueue, WorkflowNudge, in)
}

func StartClearPII(ctx context.Context, c temporalsdkclient.Client, taskQueue string) error {
	return start(ctx, c, taskQueue, WorkflowClearPII)
}

// start launches one sweep run under the workflow name as a fixed workflow
// ID, so a kind never overlaps itself across replicas.
func start(ctx context.Context, c temporalsdkclient.Client, taskQueue, name string, args ...any) error {
	if c == nil {
		return fmt.Errorf("temporal not configured")
	}
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    name,
		TaskQueue:             taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_ALLOW_DUPLICATE,
	}
	_, err := c.ExecuteWorkflow(ctx, opts, name, args...)
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			return ErrAlreadyRunning
		}
		return err
	}
	return nil
}
