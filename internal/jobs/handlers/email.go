package handlers

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/services"
)

// emailTask pins one task type to its template kind, the action recorded on
// success, and what a final failure does to the assignment. An empty
// actionType means the send leaves no trail in the action log.
type emailTask struct {
	jobType        string
	kind           services.EmailKind
	actionType     string
	withMetadata   bool
	erroredOnFinal bool
}

// Final notify/remind failures leave the state untouched so the assignment
// stays redeemable even when the learner could not be reached. Nudges are
// best-effort and record nothing.
var emailTasks = []emailTask{
	{jobType: jobsdom.TaskNotifyEmail, kind: services.EmailKindNotify, actionType: string(assignments.ActionNotified), withMetadata: true},
	{jobType: jobsdom.TaskRemindEmail, kind: services.EmailKindRemind, actionType: string(assignments.ActionReminded), withMetadata: true},
	{jobType: jobsdom.TaskCancelEmail, kind: services.EmailKindCancel, actionType: string(assignments.ActionCancelled), erroredOnFinal: true},
	{jobType: jobsdom.TaskExpireEmail, kind: services.EmailKindExpire, actionType: string(assignments.ActionExpired), erroredOnFinal: true},
	{jobType: jobsdom.TaskNudgeEmail, kind: services.EmailKindNudge, withMetadata: true},
}

type emailHandler struct {
	deps Deps
	log  *logger.Logger
	task emailTask
}

func newEmailHandler(d Deps, task emailTask) *emailHandler {
	return &emailHandler{
		deps: d,
		log:  d.Log.With("handler", task.jobType),
		task: task,
	}
}

func (h *emailHandler) Type() string { return h.task.jobType }

func (h *emailHandler) Run(tc *runtime.TaskContext) error {
	id, ok := tc.PayloadUUID("assignment_id")
	if !ok {
		tc.Fail("payload", fmt.Errorf("payload missing assignment_id"))
		return nil
	}
	log := h.log.With("task_id", tc.Task.ID.String(), "assignment_id", id.String())

	a, err := h.deps.Assignments.GetByID(dbctx.Context{Ctx: tc.Ctx}, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("assignment gone, skipping email", "kind", string(h.task.kind))
		tc.Succeed("skip", map[string]any{"skipped": "assignment_missing"})
		return nil
	}
	if err != nil {
		tc.Fail("load", err)
		return nil
	}
	if a.PIIClearedAt != nil {
		// Covers the ninety-day expiration, which retires the email in the
		// same transaction that enqueues the expiration notice.
		log.Info("learner email retired, skipping email", "kind", string(h.task.kind))
		tc.Succeed("skip", map[string]any{"skipped": "learner_email_retired"})
		return nil
	}

	var md *catalog.ContentMetadata
	if h.task.withMetadata {
		key := a.ContentKeyForMetadata()
		byKey, mdErr := h.deps.Metadata.ContentMetadata(tc.Ctx, []string{key})
		if mdErr != nil {
			log.Warn("content metadata fetch failed, sending without course details", "error", mdErr)
		} else {
			md = byKey[key]
		}
		tc.Heartbeat()
	}

	if sendErr := h.deps.Notification.SendAssignmentEmail(tc.Ctx, h.task.kind, a, md); sendErr != nil {
		h.recordSendFailure(tc, log, a, sendErr)
		return nil
	}

	if h.task.actionType != "" {
		if _, actErr := h.deps.Aggregate.AddSuccessfulAction(tc.Ctx, domainagg.RecordActionInput{
			AssignmentID: a.ID,
			ActionType:   h.task.actionType,
			CompletedAt:  time.Now().UTC(),
		}); actErr != nil {
			// A retry resends the email; delivery is at-least-once.
			tc.Fail("record_action", actErr)
			return nil
		}
	}

	tc.Succeed("sent", map[string]any{"kind": string(h.task.kind)})
	return nil
}

func (h *emailHandler) recordSendFailure(tc *runtime.TaskContext, log *logger.Logger, a *types.LearnerContentAssignment, sendErr error) {
	final := tc.FinalAttempt()
	log.Warn("email send failed",
		"kind", string(h.task.kind),
		"attempt", tc.Task.Attempts,
		"final_attempt", final,
		"error", sendErr,
	)
	if h.task.actionType != "" {
		if _, err := h.deps.Aggregate.AddErroredAction(tc.Ctx, domainagg.RecordErroredActionInput{
			AssignmentID:    a.ID,
			ActionType:      h.task.actionType,
			Traceback:       sendErr.Error(),
			FailedAt:        time.Now().UTC(),
			SetErroredState: final && h.task.erroredOnFinal,
		}); err != nil {
			log.Error("errored action write failed", "error", err)
		}
	}
	tc.Fail("send", sendErr)
}
