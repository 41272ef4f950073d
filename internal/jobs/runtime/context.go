package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
)

/*
TaskContext is the execution contract between the worker pool and task
handlers. It wraps:
	- the claimed task_run row,
	- the payload decoded from it,
	- and the only sanctioned ways to terminate execution (Fail/Succeed).
Handlers never write task_run directly; terminal transitions go through
this object so the canceled guard stays in one place.
*/
type TaskContext struct {
	Ctx         context.Context
	Task        *types.TaskRun
	Tasks       jobrepos.TaskRunRepo
	MaxAttempts int
	payload     map[string]any
}

// NewTaskContext builds the execution handle for one claimed task. The
// payload JSON is decoded eagerly; a malformed payload leaves an empty map
// and handlers fail on their missing required fields.
func NewTaskContext(ctx context.Context, task *types.TaskRun, tasks jobrepos.TaskRunRepo, maxAttempts int) *TaskContext {
	tc := &TaskContext{
		Ctx:         ctx,
		Task:        task,
		Tasks:       tasks,
		MaxAttempts: maxAttempts,
	}
	_ = tc.decodePayload()
	return tc
}

func (tc *TaskContext) decodePayload() error {
	if tc.Task == nil {
		return nil
	}
	if len(tc.Task.Payload) == 0 {
		tc.payload = map[string]any{}
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(tc.Task.Payload, &m); err != nil {
		tc.payload = map[string]any{}
		return err
	}
	tc.payload = m
	return nil
}

// Payload returns the decoded payload map. Never nil.
func (tc *TaskContext) Payload() map[string]any {
	if tc.payload == nil {
		tc.payload = map[string]any{}
	}
	return tc.payload
}

/*
PayloadUUID reads a payload field by key and parses it as a UUID.
Returns:
	- (uuid, true) if the key exists and parses cleanly
	- (uuid.Nil, false) if missing, nil, or not parseable
Keeps payload validation uniform across handlers.
*/
func (tc *TaskContext) PayloadUUID(key string) (uuid.UUID, bool) {
	v, ok := tc.Payload()[key]
	if !ok || v == nil {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(fmt.Sprint(v))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// FinalAttempt reports whether this execution is the task's last one.
// ClaimNextRunnable increments attempts up front, so the claimed row already
// counts the run in progress. Handlers use this to decide whether a failure
// should also move the assignment to the errored state.
func (tc *TaskContext) FinalAttempt() bool {
	if tc == nil || tc.Task == nil {
		return false
	}
	return tc.Task.Attempts >= tc.MaxAttempts
}

// Heartbeat refreshes heartbeat_at so the stale-running reclaim leaves this
// execution alone. Best effort; a miss only risks a duplicate claim after
// the stale window.
func (tc *TaskContext) Heartbeat() {
	if tc == nil || tc.Tasks == nil || tc.Task == nil || tc.Task.ID == uuid.Nil {
		return
	}
	_ = tc.Tasks.Heartbeat(dbctx.Context{Ctx: tc.ctx()}, tc.Task.ID)
}

/*
Fail records a failed execution: status=failed, stage=<stage>, error=<err>,
last_error_at=now, locked_at cleared so the row becomes claimable again once
the retry delay passes. Attempts stay as claimed; the claim query stops
retrying at the worker's attempt budget.
Guarded by UpdateFieldsUnlessStatus(..., [canceled]) so a canceled task is
never overwritten; a rejected update leaves the in-memory row untouched.
*/
func (tc *TaskContext) Fail(stage string, err error) {
	if tc == nil {
		return
	}
	now := time.Now()
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	if tc.Tasks != nil && tc.Task != nil && tc.Task.ID != uuid.Nil {
		ok, _ := tc.Tasks.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: tc.ctx()}, tc.Task.ID, []string{jobsdom.TaskStatusCanceled}, map[string]interface{}{
			"status":        jobsdom.TaskStatusFailed,
			"stage":         stage,
			"message":       "",
			"error":         msg,
			"last_error_at": now,
			"locked_at":     nil,
			"updated_at":    now,
		})
		if !ok {
			return
		}
	}

	if tc.Task != nil {
		tc.Task.Status = jobsdom.TaskStatusFailed
		tc.Task.Stage = stage
		tc.Task.Message = ""
		tc.Task.Error = msg
		tc.Task.LastErrorAt = &now
		tc.Task.LockedAt = nil
		tc.Task.UpdatedAt = now
	}
}

/*
Succeed records a completed execution: status=succeeded, stage=<finalStage>,
progress=100, error/message cleared, locked_at cleared, result serialized
into task_run.result.
Guarded the same way as Fail so a canceled task is never overwritten.
*/
func (tc *TaskContext) Succeed(finalStage string, result any) {
	if tc == nil {
		return
	}
	now := time.Now()
	var res datatypes.JSON
	if result != nil {
		b, _ := json.Marshal(result)
		res = datatypes.JSON(b)
	}

	if tc.Tasks != nil && tc.Task != nil && tc.Task.ID != uuid.Nil {
		ok, _ := tc.Tasks.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: tc.ctx()}, tc.Task.ID, []string{jobsdom.TaskStatusCanceled}, map[string]interface{}{
			"status":       jobsdom.TaskStatusSucceeded,
			"stage":        finalStage,
			"progress":     100,
			"message":      "",
			"error":        "",
			"result":       res,
			"locked_at":    nil,
			"heartbeat_at": now,
			"updated_at":   now,
		})
		if !ok {
			return
		}
	}

	if tc.Task != nil {
		tc.Task.Status = jobsdom.TaskStatusSucceeded
		tc.Task.Stage = finalStage
		tc.Task.Progress = 100
		tc.Task.Message = ""
		tc.Task.Error = ""
		tc.Task.Result = res
		tc.Task.LockedAt = nil
		tc.Task.HeartbeatAt = &now
		tc.Task.UpdatedAt = now
	}
}

func (tc *TaskContext) ctx() context.Context {
	if tc.Ctx != nil {
		return tc.Ctx
	}
	return context.Background()
}
