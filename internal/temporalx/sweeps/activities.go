package sweeps

import (
	"context"
	"fmt"
	"time"

	"go.temporal.io/sdk/activity"

	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/services"
)

type Activities struct {
	Log    *logger.Logger
	Sweeps services.SweepService
}

func (a *Activities) RunExpireSweep(ctx context.Context, in ExpireInput) (services.ExpireSweepResult, error) {
	if a == nil || a.Sweeps == nil {
		return services.ExpireSweepResult{}, fmt.Errorf("sweep activity not configured")
	}
	stop := startHeartbeat(ctx)
	defer stop()
	return a.Sweeps.ExpireAssignments(ctx, in.DryRun)
}

func (a *Activities) RunNudgeSweep(ctx context.Context, in NudgeInput) (services.NudgeSweepResult, error) {
	if a == nil || a.Sweeps == nil {
		return services.NudgeSweepResult{}, fmt.Errorf("sweep activity not configured")
	}
	stop := startHeartbeat(ctx)
	defer stop()
	return a.Sweeps.NudgeAssignments(ctx, in.DaysBeforeStart, in.DryRun)
}

func (a *Activities) RunClearPIISweep(ctx context.Context) (services.ClearPIISweepResult, error) {
	if a == nil || a.Sweeps == nil {
		return services.ClearPIISweepResult{}, fmt.Errorf("sweep activity not configured")
	}
	stop := startHeartbeat(ctx)
	defer stop()
	return a.Sweeps.ClearExpiredPII(ctx)
}

// startHeartbeat keeps the activity alive while a long pass pages through
// assignments. Stops with the returned func or when ctx ends.
func startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		tick := time.NewTicker(30 * time.Second)
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-tick.C:
				activity.RecordHeartbeat(ctx)
			}
		}
	}()
	return func() { close(done) }
}
