package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	dataagg "github.com/coursebridge/assignments-backend/internal/data/aggregates"
	assignrepos "github.com/coursebridge/assignments-backend/internal/data/repos/assignments"
	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	repotest "github.com/coursebridge/assignments-backend/internal/data/repos/testutil"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/services"
)

const testMaxAttempts = 5

type sentEmail struct {
	kind         services.EmailKind
	assignmentID uuid.UUID
	hasMetadata  bool
}

type fakeNotifier struct {
	sent    []sentEmail
	failErr error
}

func (f *fakeNotifier) SendAssignmentEmail(_ context.Context, kind services.EmailKind, a *types.LearnerContentAssignment, md *catalog.ContentMetadata) error {
	if f.failErr != nil {
		return f.failErr
	}
	f.sent = append(f.sent, sentEmail{kind: kind, assignmentID: a.ID, hasMetadata: md != nil})
	return nil
}

type fakeMetadata struct {
	byKey   map[string]*catalog.ContentMetadata
	failErr error
	calls   int
}

func (f *fakeMetadata) ContentMetadata(_ context.Context, keys []string) (map[string]*catalog.ContentMetadata, error) {
	f.calls++
	if f.failErr != nil {
		return nil, f.failErr
	}
	out := map[string]*catalog.ContentMetadata{}
	for _, k := range keys {
		if md, ok := f.byKey[k]; ok {
			out[k] = md
		}
	}
	return out, nil
}

type fakeSweeps struct {
	expireCalls int
	nudgeCalls  int
	clearCalls  int
	dryRun      bool
	nudgeDays   int
	failErr     error
}

func (f *fakeSweeps) ExpireAssignments(_ context.Context, dryRun bool) (services.ExpireSweepResult, error) {
	f.expireCalls++
	f.dryRun = dryRun
	if f.failErr != nil {
		return services.ExpireSweepResult{}, f.failErr
	}
	return services.ExpireSweepResult{Configurations: 2, Scanned: 40, Expired: 3, PIICleared: 1}, nil
}

func (f *fakeSweeps) NudgeAssignments(_ context.Context, daysBeforeStart int, dryRun bool) (services.NudgeSweepResult, error) {
	f.nudgeCalls++
	f.nudgeDays = daysBeforeStart
	f.dryRun = dryRun
	if f.failErr != nil {
		return services.NudgeSweepResult{}, f.failErr
	}
	return services.NudgeSweepResult{Configurations: 1, Scanned: 12, Nudged: 2}, nil
}

func (f *fakeSweeps) ClearExpiredPII(_ context.Context) (services.ClearPIISweepResult, error) {
	f.clearCalls++
	if f.failErr != nil {
		return services.ClearPIISweepResult{}, f.failErr
	}
	return services.ClearPIISweepResult{Scanned: 6, Cleared: 6}, nil
}

type handlerFixture struct {
	deps     Deps
	tasks    jobrepos.TaskRunRepo
	notifier *fakeNotifier
	metadata *fakeMetadata
	sweeps   *fakeSweeps
}

func newHandlerFixture(tb testing.TB, tx *gorm.DB) *handlerFixture {
	tb.Helper()
	log := repotest.Logger(tb)
	assignRepo := assignrepos.NewLearnerContentAssignmentRepo(tx, log)
	taskRepo := jobrepos.NewTaskRunRepo(tx, log)
	agg := dataagg.NewAssignmentAggregate(dataagg.AssignmentAggregateDeps{
		Base: dataagg.BaseDeps{
			DB:       tx,
			Log:      log,
			Runner:   dataagg.NewGormTxRunner(tx),
			CASGuard: dataagg.NewCASGuard(tx),
		},
		Configs:     assignrepos.NewAssignmentConfigurationRepo(tx, log),
		Assignments: assignRepo,
		Actions:     assignrepos.NewActionRepo(tx, log),
		History:     assignrepos.NewHistoryRepo(tx, log),
		Tasks:       taskRepo,
	})
	notifier := &fakeNotifier{}
	metadata := &fakeMetadata{byKey: map[string]*catalog.ContentMetadata{}}
	sweeps := &fakeSweeps{}
	return &handlerFixture{
		deps: Deps{
			Log:          log,
			Assignments:  assignRepo,
			Aggregate:    agg,
			Notification: notifier,
			Metadata:     metadata,
			Sweeps:       sweeps,
			NudgeDays:    30,
		},
		tasks:    taskRepo,
		notifier: notifier,
		metadata: metadata,
		sweeps:   sweeps,
	}
}

func (f *handlerFixture) enqueue(tb testing.TB, ctx context.Context, jobType string, assignmentID uuid.UUID) *types.TaskRun {
	tb.Helper()
	payload, _ := json.Marshal(map[string]string{"assignment_id": assignmentID.String()})
	rows, err := f.tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:         uuid.New(),
		JobType:    jobType,
		EntityType: jobsdom.TaskEntityAssignment,
		EntityID:   repotest.PtrUUID(assignmentID),
		Status:     jobsdom.TaskStatusQueued,
		Payload:    datatypes.JSON(payload),
	}})
	if err != nil || len(rows) != 1 {
		tb.Fatalf("enqueue %s: %v", jobType, err)
	}
	return rows[0]
}

func (f *handlerFixture) enqueueSweep(tb testing.TB, ctx context.Context, jobType string, payload map[string]any) *types.TaskRun {
	tb.Helper()
	body, _ := json.Marshal(payload)
	rows, err := f.tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:      uuid.New(),
		JobType: jobType,
		Status:  jobsdom.TaskStatusQueued,
		Payload: datatypes.JSON(body),
	}})
	if err != nil || len(rows) != 1 {
		tb.Fatalf("enqueue sweep %s: %v", jobType, err)
	}
	return rows[0]
}

// claim pulls the next runnable row the way the worker would, so the task
// under test carries a real claimed attempt count.
func (f *handlerFixture) claim(tb testing.TB, ctx context.Context) *runtime.TaskContext {
	tb.Helper()
	task, err := f.tasks.ClaimNextRunnable(dbctx.Context{Ctx: ctx}, testMaxAttempts, 30*time.Second, 30*time.Minute)
	if err != nil {
		tb.Fatalf("claim: %v", err)
	}
	if task == nil {
		tb.Fatalf("claim: no runnable task")
	}
	return runtime.NewTaskContext(ctx, task, f.tasks, testMaxAttempts)
}

func (f *handlerFixture) reloadTask(tb testing.TB, ctx context.Context, id uuid.UUID) *types.TaskRun {
	tb.Helper()
	task, err := f.tasks.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		tb.Fatalf("reload task: %v", err)
	}
	return task
}

func (f *handlerFixture) handlerFor(tb testing.TB, jobType string) runtime.Handler {
	tb.Helper()
	reg := runtime.NewRegistry()
	if err := Register(reg, f.deps); err != nil {
		tb.Fatalf("Register: %v", err)
	}
	h, ok := reg.Get(jobType)
	if !ok {
		tb.Fatalf("no handler for %s", jobType)
	}
	return h
}

func listActions(tb testing.TB, ctx context.Context, tx *gorm.DB, assignmentID uuid.UUID) []types.LearnerContentAssignmentAction {
	tb.Helper()
	acts, err := assignrepos.NewActionRepo(tx, repotest.Logger(tb)).ListByAssignment(dbctx.Context{Ctx: ctx}, assignmentID)
	if err != nil {
		tb.Fatalf("list actions: %v", err)
	}
	return acts
}

func TestNotifyHandlerSendsAndRecordsAction(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+DemoX", assignments.StateAllocated)
	f.metadata.byKey["edX+DemoX"] = &catalog.ContentMetadata{Key: "edX+DemoX", Title: "Demo Course"}

	queued := f.enqueue(t, ctx, jobsdom.TaskNotifyEmail, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNotifyEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.notifier.sent) != 1 {
		t.Fatalf("sent: want=1 got=%d", len(f.notifier.sent))
	}
	if f.notifier.sent[0].kind != services.EmailKindNotify || !f.notifier.sent[0].hasMetadata {
		t.Fatalf("sent email: %+v", f.notifier.sent[0])
	}
	if f.metadata.calls != 1 {
		t.Fatalf("metadata calls: want=1 got=%d", f.metadata.calls)
	}

	acts := listActions(t, ctx, tx, a.ID)
	if len(acts) != 1 || acts[0].ActionType != assignments.ActionNotified || !acts[0].Succeeded() {
		t.Fatalf("actions after notify: %+v", acts)
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Stage != "sent" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if task.LockedAt != nil {
		t.Fatalf("succeeded task should release its lock")
	}
}

func TestNotifyHandlerSendFailureRecordsErroredAction(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)
	f.notifier.failErr = fmt.Errorf("sendgrid: 503 service unavailable")

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+DemoX", assignments.StateAllocated)

	queued := f.enqueue(t, ctx, jobsdom.TaskNotifyEmail, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNotifyEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	acts := listActions(t, ctx, tx, a.ID)
	if len(acts) != 1 || acts[0].ActionType != assignments.ActionNotified || !acts[0].Failed() {
		t.Fatalf("actions after failed notify: %+v", acts)
	}
	if acts[0].ErrorReason == nil || *acts[0].ErrorReason != assignments.ReasonEmailError {
		t.Fatalf("error reason: %v", acts[0].ErrorReason)
	}
	if acts[0].Traceback == nil || !strings.Contains(*acts[0].Traceback, "503") {
		t.Fatalf("traceback: %v", acts[0].Traceback)
	}

	// A failed notification never downgrades the assignment.
	row, err := f.deps.Assignments.GetByID(dbctx.Context{Ctx: ctx}, a.ID)
	if err != nil {
		t.Fatalf("reload assignment: %v", err)
	}
	if row.State != assignments.StateAllocated {
		t.Fatalf("state after failed notify: %s", row.State)
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusFailed || task.Stage != "send" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if task.Error == "" || task.LastErrorAt == nil {
		t.Fatalf("failed task should carry error detail")
	}
	if task.LockedAt != nil {
		t.Fatalf("failed task should release its lock for the retry")
	}
}

func TestCancelEmailFinalFailureErrorsAssignment(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)
	f.notifier.failErr = fmt.Errorf("sendgrid: connection reset")

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+DemoX", assignments.StateCancelled)

	queued := f.enqueue(t, ctx, jobsdom.TaskCancelEmail, a.ID)
	// Spend all but the last attempt so the claim below is the final one.
	if err := f.tasks.UpdateFields(dbctx.Context{Ctx: ctx}, queued.ID, map[string]interface{}{
		"attempts": testMaxAttempts - 1,
	}); err != nil {
		t.Fatalf("preset attempts: %v", err)
	}

	tc := f.claim(t, ctx)
	if !tc.FinalAttempt() {
		t.Fatalf("claim should be the final attempt, attempts=%d", tc.Task.Attempts)
	}
	if err := f.handlerFor(t, jobsdom.TaskCancelEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := f.deps.Assignments.GetByID(dbctx.Context{Ctx: ctx}, a.ID)
	if err != nil {
		t.Fatalf("reload assignment: %v", err)
	}
	if row.State != assignments.StateErrored || row.ErroredAt == nil {
		t.Fatalf("state after final cancel-email failure: %s", row.State)
	}

	acts := listActions(t, ctx, tx, a.ID)
	if len(acts) != 1 || acts[0].ActionType != assignments.ActionCancelled || !acts[0].Failed() {
		t.Fatalf("actions: %+v", acts)
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusFailed {
		t.Fatalf("task status: %s", task.Status)
	}
}

func TestExpireEmailSkipsRetiredLearner(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+DemoX", assignments.StateExpired)
	if err := tx.WithContext(ctx).Model(&types.LearnerContentAssignment{}).
		Where("id = ?", a.ID).Update("pii_cleared_at", time.Now().UTC()).Error; err != nil {
		t.Fatalf("retire learner: %v", err)
	}

	queued := f.enqueue(t, ctx, jobsdom.TaskExpireEmail, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskExpireEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.notifier.sent) != 0 {
		t.Fatalf("retired learner must not be emailed, sent=%d", len(f.notifier.sent))
	}
	if acts := listActions(t, ctx, tx, a.ID); len(acts) != 0 {
		t.Fatalf("skip must leave no action trail, got %d", len(acts))
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Stage != "skip" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if !strings.Contains(string(task.Result), "learner_email_retired") {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestEmailHandlerMissingAssignment(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	queued := f.enqueue(t, ctx, jobsdom.TaskRemindEmail, uuid.New())
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskRemindEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.notifier.sent) != 0 {
		t.Fatalf("nothing should be sent for a missing assignment")
	}
	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Stage != "skip" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if !strings.Contains(string(task.Result), "assignment_missing") {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestEmailHandlerRejectsBadPayload(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	rows, err := f.tasks.Create(dbctx.Context{Ctx: ctx}, []*types.TaskRun{{
		ID:      uuid.New(),
		JobType: jobsdom.TaskNotifyEmail,
		Status:  jobsdom.TaskStatusQueued,
		Payload: datatypes.JSON([]byte(`{}`)),
	}})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNotifyEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := f.reloadTask(t, ctx, rows[0].ID)
	if task.Status != jobsdom.TaskStatusFailed || task.Stage != "payload" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
}

func TestNudgeHandlerLeavesNoActionTrail(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+ExecX", assignments.StateAccepted)
	start := time.Now().UTC().AddDate(0, 0, 3)
	f.metadata.byKey["edX+ExecX"] = &catalog.ContentMetadata{
		Key:                "edX+ExecX",
		Title:              "Exec Ed Course",
		CourseType:         catalog.CourseTypeExecEd,
		NormalizedMetadata: catalog.NormalizedMetadata{StartDate: &start},
	}

	queued := f.enqueue(t, ctx, jobsdom.TaskNudgeEmail, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNudgeEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.notifier.sent) != 1 || f.notifier.sent[0].kind != services.EmailKindNudge {
		t.Fatalf("sent: %+v", f.notifier.sent)
	}
	if acts := listActions(t, ctx, tx, a.ID); len(acts) != 0 {
		t.Fatalf("nudge must leave no action trail, got %d", len(acts))
	}
	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded {
		t.Fatalf("task status: %s", task.Status)
	}
}

func TestEmailHandlerMetadataFailureSendsWithoutDetails(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)
	f.metadata.failErr = fmt.Errorf("catalog: 502 bad gateway")

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+DemoX", assignments.StateAllocated)

	f.enqueue(t, ctx, jobsdom.TaskNotifyEmail, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNotifyEmail).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.notifier.sent) != 1 || f.notifier.sent[0].hasMetadata {
		t.Fatalf("send should degrade to no course details: %+v", f.notifier.sent)
	}
	acts := listActions(t, ctx, tx, a.ID)
	if len(acts) != 1 || !acts[0].Succeeded() {
		t.Fatalf("actions: %+v", acts)
	}
}

func TestLinkLearnerHandlerBackfillsKnownID(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	earlier := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+OldX", assignments.StateAccepted)
	if err := tx.WithContext(ctx).Model(&types.LearnerContentAssignment{}).
		Where("id = ?", earlier.ID).Update("lms_user_id", int64(4242)).Error; err != nil {
		t.Fatalf("link earlier assignment: %v", err)
	}
	target := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "LEARNER@example.com", "edX+NewX", assignments.StateAllocated)

	queued := f.enqueue(t, ctx, jobsdom.TaskLinkLearner, target.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskLinkLearner).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := f.deps.Assignments.GetByID(dbctx.Context{Ctx: ctx}, target.ID)
	if err != nil {
		t.Fatalf("reload target: %v", err)
	}
	if row.LMSUserID == nil || *row.LMSUserID != 4242 {
		t.Fatalf("lms_user_id: %v", row.LMSUserID)
	}

	acts := listActions(t, ctx, tx, target.ID)
	if len(acts) != 1 || acts[0].ActionType != assignments.ActionLearnerLinked || !acts[0].Succeeded() {
		t.Fatalf("actions: %+v", acts)
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded {
		t.Fatalf("task status: %s", task.Status)
	}
	if !strings.Contains(string(task.Result), `"linked":true`) {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestLinkLearnerHandlerUnregisteredLearner(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "nobody@example.com", "edX+DemoX", assignments.StateAllocated)

	queued := f.enqueue(t, ctx, jobsdom.TaskLinkLearner, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskLinkLearner).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	row, err := f.deps.Assignments.GetByID(dbctx.Context{Ctx: ctx}, a.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if row.LMSUserID != nil {
		t.Fatalf("unregistered learner should stay unlinked, got %v", *row.LMSUserID)
	}
	if acts := listActions(t, ctx, tx, a.ID); len(acts) != 0 {
		t.Fatalf("no link happened, no action expected, got %d", len(acts))
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded {
		t.Fatalf("task status: %s", task.Status)
	}
	if !strings.Contains(string(task.Result), `"linked":false`) {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestLinkLearnerHandlerAlreadyLinked(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "learner@example.com", "edX+DemoX", assignments.StateAllocated)
	if err := tx.WithContext(ctx).Model(&types.LearnerContentAssignment{}).
		Where("id = ?", a.ID).Update("lms_user_id", int64(7)).Error; err != nil {
		t.Fatalf("prelink: %v", err)
	}

	queued := f.enqueue(t, ctx, jobsdom.TaskLinkLearner, a.ID)
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskLinkLearner).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if acts := listActions(t, ctx, tx, a.ID); len(acts) != 0 {
		t.Fatalf("already linked row records nothing, got %d", len(acts))
	}
	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Stage != "skip" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
}

func TestExpireSweepHandlerReportsCounts(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	queued := f.enqueueSweep(t, ctx, jobsdom.TaskExpireSweep, map[string]any{})
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskExpireSweep).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.sweeps.expireCalls != 1 || f.sweeps.dryRun {
		t.Fatalf("expire pass: calls=%d dryRun=%v", f.sweeps.expireCalls, f.sweeps.dryRun)
	}
	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Stage != "done" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if !strings.Contains(string(task.Result), `"expired":3`) {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestNudgeSweepHandlerPayloadOverridesDays(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	queued := f.enqueueSweep(t, ctx, jobsdom.TaskNudgeSweep, map[string]any{
		"days_before_start": 14,
		"dry_run":           true,
	})
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNudgeSweep).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.sweeps.nudgeCalls != 1 || f.sweeps.nudgeDays != 14 || !f.sweeps.dryRun {
		t.Fatalf("nudge pass: calls=%d days=%d dryRun=%v", f.sweeps.nudgeCalls, f.sweeps.nudgeDays, f.sweeps.dryRun)
	}
	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded {
		t.Fatalf("task status: %s", task.Status)
	}
	if !strings.Contains(string(task.Result), `"days_before_start":14`) {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestNudgeSweepHandlerFallsBackToConfiguredDays(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)
	f.deps.NudgeDays = 45

	f.enqueueSweep(t, ctx, jobsdom.TaskNudgeSweep, map[string]any{})
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskNudgeSweep).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.sweeps.nudgeDays != 45 {
		t.Fatalf("days should come from deps when the payload omits them, got %d", f.sweeps.nudgeDays)
	}
}

func TestClearPIISweepHandler(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)

	queued := f.enqueueSweep(t, ctx, jobsdom.TaskClearPIISweep, map[string]any{})
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskClearPIISweep).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if f.sweeps.clearCalls != 1 {
		t.Fatalf("clear calls: %d", f.sweeps.clearCalls)
	}
	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusSucceeded || task.Stage != "done" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if !strings.Contains(string(task.Result), `"cleared":6`) {
		t.Fatalf("task result: %s", string(task.Result))
	}
}

func TestSweepHandlerFailureLeavesTaskForRetry(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	f := newHandlerFixture(t, tx)
	f.sweeps.failErr = fmt.Errorf("postgres: connection refused")

	queued := f.enqueueSweep(t, ctx, jobsdom.TaskExpireSweep, map[string]any{})
	tc := f.claim(t, ctx)
	if err := f.handlerFor(t, jobsdom.TaskExpireSweep).Run(tc); err != nil {
		t.Fatalf("Run: %v", err)
	}

	task := f.reloadTask(t, ctx, queued.ID)
	if task.Status != jobsdom.TaskStatusFailed || task.Stage != "run" {
		t.Fatalf("task: status=%s stage=%s", task.Status, task.Stage)
	}
	if task.Error == "" || task.LockedAt != nil {
		t.Fatalf("failed sweep should carry the error and release its lock")
	}
}
