package handlers

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// linkLearnerHandler backfills lms_user_id onto a freshly allocated
// assignment when the learner registered before the allocation. The id is
// taken from any earlier assignment already linked to the same email; if the
// learner never registered, the link happens later through the
// learner-registered event instead and this task completes as not-linked.
type linkLearnerHandler struct {
	deps Deps
	log  *logger.Logger
}

func newLinkLearnerHandler(d Deps) *linkLearnerHandler {
	return &linkLearnerHandler{
		deps: d,
		log:  d.Log.With("handler", jobsdom.TaskLinkLearner),
	}
}

func (h *linkLearnerHandler) Type() string { return jobsdom.TaskLinkLearner }

func (h *linkLearnerHandler) Run(tc *runtime.TaskContext) error {
	id, ok := tc.PayloadUUID("assignment_id")
	if !ok {
		tc.Fail("payload", fmt.Errorf("payload missing assignment_id"))
		return nil
	}
	log := h.log.With("task_id", tc.Task.ID.String(), "assignment_id", id.String())

	a, err := h.deps.Assignments.GetByID(dbctx.Context{Ctx: tc.Ctx}, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		log.Warn("assignment gone, skipping link")
		tc.Succeed("skip", map[string]any{"skipped": "assignment_missing"})
		return nil
	}
	if err != nil {
		tc.Fail("load", err)
		return nil
	}
	if a.LMSUserID != nil {
		tc.Succeed("skip", map[string]any{"linked": false, "skipped": "already_linked"})
		return nil
	}
	if a.PIIClearedAt != nil {
		tc.Succeed("skip", map[string]any{"linked": false, "skipped": "learner_email_retired"})
		return nil
	}

	known, err := h.deps.Assignments.KnownLMSUserIDForEmail(dbctx.Context{Ctx: tc.Ctx}, a.LearnerEmail)
	if err != nil {
		h.recordLinkFailure(tc, log, a.ID, err)
		return nil
	}
	if known == nil {
		tc.Succeed("done", map[string]any{"linked": false})
		return nil
	}

	res, err := h.deps.Aggregate.LinkLearner(tc.Ctx, domainagg.LinkLearnerInput{
		LMSUserID: *known,
		Email:     a.LearnerEmail,
		EventAt:   time.Now().UTC(),
	})
	if err != nil {
		h.recordLinkFailure(tc, log, a.ID, err)
		return nil
	}

	tc.Succeed("done", map[string]any{
		"linked":      len(res.LinkedAssignmentIDs) > 0,
		"lms_user_id": *known,
		"assignments": len(res.LinkedAssignmentIDs),
	})
	return nil
}

func (h *linkLearnerHandler) recordLinkFailure(tc *runtime.TaskContext, log *logger.Logger, assignmentID uuid.UUID, linkErr error) {
	final := tc.FinalAttempt()
	log.Warn("learner link failed",
		"attempt", tc.Task.Attempts,
		"final_attempt", final,
		"error", linkErr,
	)
	if _, err := h.deps.Aggregate.AddErroredAction(tc.Ctx, domainagg.RecordErroredActionInput{
		AssignmentID:    assignmentID,
		ActionType:      string(assignments.ActionLearnerLinked),
		Traceback:       linkErr.Error(),
		FailedAt:        time.Now().UTC(),
		SetErroredState: final,
	}); err != nil {
		log.Error("errored action write failed", "error", err)
	}
	tc.Fail("link", linkErr)
}
