package runtime

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	repotest "github.com/coursebridge/assignments-backend/internal/data/repos/testutil"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
)

func TestPayloadDecoding(t *testing.T) {
	id := uuid.New()
	task := &types.TaskRun{
		ID:      uuid.New(),
		Payload: datatypes.JSON([]byte(fmt.Sprintf(`{"assignment_id":%q,"note":"x"}`, id))),
	}
	tc := NewTaskContext(context.Background(), task, nil, 5)

	got, ok := tc.PayloadUUID("assignment_id")
	if !ok || got != id {
		t.Fatalf("PayloadUUID: ok=%v got=%s want=%s", ok, got, id)
	}
	if _, ok := tc.PayloadUUID("missing"); ok {
		t.Fatalf("missing key should not parse")
	}
	if _, ok := tc.PayloadUUID("note"); ok {
		t.Fatalf("non-uuid value should not parse")
	}
	if tc.Payload()["note"] != "x" {
		t.Fatalf("payload map: %v", tc.Payload())
	}
}

func TestPayloadDecodingDegradesOnGarbage(t *testing.T) {
	task := &types.TaskRun{ID: uuid.New(), Payload: datatypes.JSON([]byte(`{not json`))}
	tc := NewTaskContext(context.Background(), task, nil, 5)
	if got := tc.Payload(); len(got) != 0 {
		t.Fatalf("garbage payload should decode to empty map, got %v", got)
	}
}

func TestFinalAttempt(t *testing.T) {
	task := &types.TaskRun{ID: uuid.New(), Attempts: 4}
	tc := NewTaskContext(context.Background(), task, nil, 5)
	if tc.FinalAttempt() {
		t.Fatalf("attempt 4 of 5 is not final")
	}
	task.Attempts = 5
	if !tc.FinalAttempt() {
		t.Fatalf("attempt 5 of 5 is final")
	}
}

func TestFailWritesTerminalFailure(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	tasks := jobrepos.NewTaskRunRepo(tx, repotest.Logger(t))

	now := time.Now()
	rows, err := tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:       uuid.New(),
		JobType:  "assignments.notify_email",
		Status:   jobsdom.TaskStatusRunning,
		LockedAt: &now,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task := rows[0]

	tc := NewTaskContext(ctx, task, tasks, 5)
	tc.Fail("send", fmt.Errorf("smtp: connection refused"))

	if task.Status != jobsdom.TaskStatusFailed || task.Stage != "send" {
		t.Fatalf("in-memory: status=%s stage=%s", task.Status, task.Stage)
	}
	if task.LockedAt != nil || task.LastErrorAt == nil {
		t.Fatalf("in-memory lock fields not synced")
	}

	stored, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != jobsdom.TaskStatusFailed || !strings.Contains(stored.Error, "refused") {
		t.Fatalf("stored: status=%s error=%q", stored.Status, stored.Error)
	}
	if stored.LockedAt != nil {
		t.Fatalf("failed task must release its lock")
	}
}

func TestSucceedWritesResult(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	tasks := jobrepos.NewTaskRunRepo(tx, repotest.Logger(t))

	rows, err := tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:      uuid.New(),
		JobType: "assignments.notify_email",
		Status:  jobsdom.TaskStatusRunning,
		Error:   "previous attempt failed",
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task := rows[0]

	tc := NewTaskContext(ctx, task, tasks, 5)
	tc.Succeed("sent", map[string]any{"kind": "notify"})

	stored, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != jobsdom.TaskStatusSucceeded || stored.Progress != 100 {
		t.Fatalf("stored: status=%s progress=%d", stored.Status, stored.Progress)
	}
	if stored.Error != "" {
		t.Fatalf("success must clear the error, got %q", stored.Error)
	}
	if !strings.Contains(string(stored.Result), `"kind":"notify"`) {
		t.Fatalf("stored result: %s", string(stored.Result))
	}
}

func TestTerminalWritesRespectCanceled(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	tasks := jobrepos.NewTaskRunRepo(tx, repotest.Logger(t))

	rows, err := tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:      uuid.New(),
		JobType: "assignments.notify_email",
		Status:  jobsdom.TaskStatusRunning,
	}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task := rows[0]
	if err := tasks.UpdateFields(dbctx.Context{Ctx: ctx}, task.ID, map[string]interface{}{
		"status": jobsdom.TaskStatusCanceled,
	}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	tc := NewTaskContext(ctx, task, tasks, 5)
	tc.Fail("send", fmt.Errorf("too late"))
	tc.Succeed("sent", nil)

	stored, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, task.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if stored.Status != jobsdom.TaskStatusCanceled {
		t.Fatalf("canceled task overwritten: %s", stored.Status)
	}
	// The rejected write must not leak into the in-memory row either.
	if task.Status != jobsdom.TaskStatusRunning {
		t.Fatalf("in-memory status mutated on rejected write: %s", task.Status)
	}
}
