package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	repotest "github.com/coursebridge/assignments-backend/internal/data/repos/testutil"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
)

const testJobType = "assignments.notify_email"

type scriptedHandler struct {
	jobType string
	runs    int
	script  func(tc *runtime.TaskContext) error
}

func (h *scriptedHandler) Type() string { return h.jobType }

func (h *scriptedHandler) Run(tc *runtime.TaskContext) error {
	h.runs++
	return h.script(tc)
}

func newWorkerForTest(tb testing.TB, tx *gorm.DB, reg *runtime.Registry, cfg Config) (*Worker, jobrepos.TaskRunRepo) {
	tb.Helper()
	tasks := jobrepos.NewTaskRunRepo(tx, repotest.Logger(tb))
	return New(repotest.Logger(tb), tasks, reg, cfg), tasks
}

func enqueue(tb testing.TB, ctx context.Context, tasks jobrepos.TaskRunRepo, jobType string) *types.TaskRun {
	tb.Helper()
	rows, err := tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:      uuid.New(),
		JobType: jobType,
		Status:  jobsdom.TaskStatusQueued,
		Payload: datatypes.JSON([]byte(`{}`)),
	}})
	if err != nil || len(rows) != 1 {
		tb.Fatalf("enqueue: %v", err)
	}
	return rows[0]
}

func reload(tb testing.TB, ctx context.Context, tasks jobrepos.TaskRunRepo, id uuid.UUID) *types.TaskRun {
	tb.Helper()
	task, err := tasks.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		tb.Fatalf("reload task: %v", err)
	}
	return task
}

func TestProcessNextDispatchesToHandler(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()

	h := &scriptedHandler{jobType: testJobType, script: func(tc *runtime.TaskContext) error {
		tc.Succeed("done", map[string]any{"ok": true})
		return nil
	}}
	reg := runtime.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	w, tasks := newWorkerForTest(t, tx, reg, Config{MaxAttempts: 5})

	queued := enqueue(t, ctx, tasks, testJobType)

	if !w.processNext(ctx, 1) {
		t.Fatalf("processNext should claim the queued task")
	}
	if h.runs != 1 {
		t.Fatalf("handler runs: want=1 got=%d", h.runs)
	}

	task := reload(t, ctx, tasks, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Attempts != 1 {
		t.Fatalf("task: status=%s attempts=%d", task.Status, task.Attempts)
	}

	if w.processNext(ctx, 1) {
		t.Fatalf("queue should be drained")
	}
}

func TestProcessNextFailsUnknownJobType(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()

	w, tasks := newWorkerForTest(t, tx, runtime.NewRegistry(), Config{MaxAttempts: 5})
	queued := enqueue(t, ctx, tasks, "assignments.unknown")

	if !w.processNext(ctx, 1) {
		t.Fatalf("processNext should claim the task even without a handler")
	}

	task := reload(t, ctx, tasks, queued.ID)
	if task.Status != jobsdom.TaskStatusFailed || task.Stage != "dispatch" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
}

func TestProcessNextRecoversFromPanic(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()

	h := &scriptedHandler{jobType: testJobType, script: func(tc *runtime.TaskContext) error {
		panic("boom")
	}}
	reg := runtime.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	w, tasks := newWorkerForTest(t, tx, reg, Config{MaxAttempts: 5})
	queued := enqueue(t, ctx, tasks, testJobType)

	if !w.processNext(ctx, 1) {
		t.Fatalf("processNext should survive the panic")
	}

	task := reload(t, ctx, tasks, queued.ID)
	if task.Status != jobsdom.TaskStatusFailed || task.Stage != "panic" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
}

func TestProcessNextRetriesUntilAttemptsExhausted(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()

	h := &scriptedHandler{jobType: testJobType, script: func(tc *runtime.TaskContext) error {
		return fmt.Errorf("transient failure")
	}}
	reg := runtime.NewRegistry()
	if err := reg.Register(h); err != nil {
		t.Fatalf("register: %v", err)
	}
	w, tasks := newWorkerForTest(t, tx, reg, Config{MaxAttempts: 2, RetryDelay: time.Millisecond})
	queued := enqueue(t, ctx, tasks, testJobType)

	if !w.processNext(ctx, 1) {
		t.Fatalf("first attempt should run")
	}
	time.Sleep(5 * time.Millisecond)
	if !w.processNext(ctx, 1) {
		t.Fatalf("second attempt should run after the retry delay")
	}
	time.Sleep(5 * time.Millisecond)
	if w.processNext(ctx, 1) {
		t.Fatalf("attempt budget is spent; nothing should be claimable")
	}

	task := reload(t, ctx, tasks, queued.ID)
	if task.Status != jobsdom.TaskStatusFailed || task.Attempts != 2 {
		t.Fatalf("task: status=%s attempts=%d", task.Status, task.Attempts)
	}
	if h.runs != 2 {
		t.Fatalf("handler runs: want=2 got=%d", h.runs)
	}
}

func TestProcessNextEmptyQueue(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()

	w, _ := newWorkerForTest(t, tx, runtime.NewRegistry(), Config{})
	if w.processNext(ctx, 1) {
		t.Fatalf("empty queue should claim nothing")
	}
}

func TestConfigNormalization(t *testing.T) {
	cfg := Config{}.normalized()
	if cfg.Concurrency != 1 || cfg.MaxAttempts != 1 {
		t.Fatalf("normalized zero config: %+v", cfg)
	}
	if cfg.Tick != time.Second || cfg.RetryDelay != 30*time.Second || cfg.StaleRunning != 30*time.Minute {
		t.Fatalf("normalized defaults: %+v", cfg)
	}

	kept := Config{Concurrency: 8, Tick: 2 * time.Second, MaxAttempts: 3, RetryDelay: time.Minute, StaleRunning: time.Hour}.normalized()
	if kept.Concurrency != 8 || kept.Tick != 2*time.Second || kept.MaxAttempts != 3 {
		t.Fatalf("explicit config mangled: %+v", kept)
	}
}
