package aggregates

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/data/repos"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	domassign "github.com/coursebridge/assignments-backend/internal/domain/assignments"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
)

type AssignmentAggregateDeps struct {
	Base BaseDeps

	Configs     repos.AssignmentConfigurationRepo
	Assignments repos.LearnerContentAssignmentRepo
	Actions     repos.ActionRepo
	History     repos.HistoryRepo
	Tasks       repos.TaskRunRepo
}

type assignmentAggregate struct {
	deps AssignmentAggregateDeps
}

func NewAssignmentAggregate(deps AssignmentAggregateDeps) domainagg.AssignmentAggregate {
	deps.Base = deps.Base.withDefaults()
	return &assignmentAggregate{deps: deps}
}

func (a *assignmentAggregate) Contract() domainagg.Contract {
	return domainagg.AssignmentAggregateContract
}

func (a *assignmentAggregate) reposConfigured() bool {
	return a.deps.Configs != nil && a.deps.Assignments != nil &&
		a.deps.Actions != nil && a.deps.History != nil && a.deps.Tasks != nil
}

const assignmentTable = "learner_content_assignment"

func (a *assignmentAggregate) Allocate(ctx context.Context, in domainagg.AllocateAssignmentsInput) (domainagg.AllocateAssignmentsResult, error) {
	const op = "Assignments.Assignment.Allocate"
	var out domainagg.AllocateAssignmentsResult
	if in.ConfigurationID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing configuration_id", nil)
	}
	emails := normalizeEmails(in.LearnerEmails)
	if len(emails) == 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "no learner emails", nil)
	}
	contentKey := strings.TrimSpace(in.ContentKey)
	if contentKey == "" {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing content_key", nil)
	}
	if in.ContentPriceCents < 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "content price must be >= 0", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}
	// Quantity is stored as a debit against the subsidy.
	quantity := -in.ContentPriceCents

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		cfg, err := a.deps.Configs.GetByID(dbc, in.ConfigurationID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("configuration not found: %s", in.ConfigurationID), nil)
		}
		if err != nil {
			return err
		}
		if !cfg.Active {
			return domainagg.NewError(domainagg.CodePreconditionFailed, op, "configuration is inactive", nil)
		}

		existing, err := a.deps.Assignments.FindByEmailsAndContent(dbc, in.ConfigurationID, emails, contentKey)
		if err != nil {
			return err
		}
		byEmail := make(map[string]*types.LearnerContentAssignment, len(existing))
		for _, row := range existing {
			byEmail[strings.ToLower(row.LearnerEmail)] = row
		}

		var created []*types.LearnerContentAssignment
		var notifyIDs []uuid.UUID
		var linkIDs []uuid.UUID
		for _, email := range emails {
			row, ok := byEmail[strings.ToLower(email)]
			if !ok {
				na := &types.LearnerContentAssignment{
					ID:                        uuid.New(),
					AssignmentConfigurationID: in.ConfigurationID,
					LearnerEmail:              email,
					ContentKey:                contentKey,
					ParentContentKey:          in.ParentContentKey,
					IsAssignedCourseRun:       in.IsAssignedCourseRun,
					ContentTitle:              in.ContentTitle,
					ContentQuantity:           quantity,
					PreferredCourseRunKey:     in.PreferredCourseRunKey,
					HasCreditRequest:          in.HasCreditRequest,
					State:                     domassign.StateAllocated,
					AllocatedAt:               eventAt,
				}
				created = append(created, na)
				continue
			}
			if !domassign.StateIn(row.State, domassign.ReallocatableStates) {
				out.NoChange = append(out.NoChange, row.ID)
				continue
			}
			ok2, err := a.deps.Base.CASGuard.UpdateByState(dbc, assignmentTable, row.ID,
				domassign.StateStrings(domassign.ReallocatableStates), map[string]any{
					"state":                    string(domassign.StateAllocated),
					"allocated_at":             eventAt,
					"accepted_at":              nil,
					"cancelled_at":             nil,
					"expired_at":               nil,
					"errored_at":               nil,
					"reversed_at":              nil,
					"content_title":            in.ContentTitle,
					"content_quantity":         quantity,
					"parent_content_key":       in.ParentContentKey,
					"is_assigned_course_run":   in.IsAssignedCourseRun,
					"preferred_course_run_key": in.PreferredCourseRunKey,
					"has_credit_request":       in.HasCreditRequest,
					"updated_at":               eventAt,
				})
			if err != nil {
				return err
			}
			if err := RequireCASSuccess(ok2, "assignment state changed during allocation"); err != nil {
				return err
			}
			applyReallocation(row, in, quantity, eventAt)
			if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryChanged, eventAt)); err != nil {
				return err
			}
			out.Updated = append(out.Updated, row.ID)
			notifyIDs = append(notifyIDs, row.ID)
			if row.LMSUserID == nil {
				linkIDs = append(linkIDs, row.ID)
			}
		}

		if len(created) > 0 {
			if _, err := a.deps.Assignments.Create(dbc, created); err != nil {
				return err
			}
			for _, na := range created {
				if err := a.deps.History.Append(dbc, domassign.Snapshot(na, domassign.HistoryCreated, eventAt)); err != nil {
					return err
				}
				out.Created = append(out.Created, na.ID)
				notifyIDs = append(notifyIDs, na.ID)
				linkIDs = append(linkIDs, na.ID)
			}
		}

		var tasks []*types.TaskRun
		for _, id := range notifyIDs {
			tasks = append(tasks, newAssignmentTask(jobsdom.TaskNotifyEmail, id))
		}
		for _, id := range linkIDs {
			tasks = append(tasks, newAssignmentTask(jobsdom.TaskLinkLearner, id))
		}
		_, err = a.deps.Tasks.Create(dbc, tasks)
		return err
	})
	if err != nil {
		return domainagg.AllocateAssignmentsResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) Cancel(ctx context.Context, in domainagg.CancelAssignmentsInput) (domainagg.CancelAssignmentsResult, error) {
	const op = "Assignments.Assignment.Cancel"
	var out domainagg.CancelAssignmentsResult
	if in.ConfigurationID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing configuration_id", nil)
	}
	ids := dedupeIDs(in.AssignmentIDs)
	if len(ids) == 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "no assignment ids", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.GetForConfiguration(dbc, in.ConfigurationID, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*types.LearnerContentAssignment, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}

		var tasks []*types.TaskRun
		for _, id := range ids {
			row, ok := byID[id]
			if !ok || !domassign.StateIn(row.State, domassign.CancelableStates) {
				out.NonCancelable = append(out.NonCancelable, id)
				continue
			}
			ok2, err := a.deps.Base.CASGuard.UpdateByState(dbc, assignmentTable, id,
				domassign.StateStrings(domassign.CancelableStates), map[string]any{
					"state":        string(domassign.StateCancelled),
					"cancelled_at": eventAt,
					"updated_at":   eventAt,
				})
			if err != nil {
				return err
			}
			if !ok2 {
				out.NonCancelable = append(out.NonCancelable, id)
				continue
			}
			row.State = domassign.StateCancelled
			row.CancelledAt = &eventAt
			if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryChanged, eventAt)); err != nil {
				return err
			}
			out.Cancelled = append(out.Cancelled, id)
			tasks = append(tasks, newAssignmentTask(jobsdom.TaskCancelEmail, id))
		}
		_, err = a.deps.Tasks.Create(dbc, tasks)
		return err
	})
	if err != nil {
		return domainagg.CancelAssignmentsResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) Remind(ctx context.Context, in domainagg.RemindAssignmentsInput) (domainagg.RemindAssignmentsResult, error) {
	const op = "Assignments.Assignment.Remind"
	var out domainagg.RemindAssignmentsResult
	if in.ConfigurationID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing configuration_id", nil)
	}
	ids := dedupeIDs(in.AssignmentIDs)
	if len(ids) == 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "no assignment ids", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.GetForConfiguration(dbc, in.ConfigurationID, ids)
		if err != nil {
			return err
		}
		byID := make(map[uuid.UUID]*types.LearnerContentAssignment, len(rows))
		for _, row := range rows {
			byID[row.ID] = row
		}

		var tasks []*types.TaskRun
		for _, id := range ids {
			row, ok := byID[id]
			if !ok || !domassign.StateIn(row.State, domassign.RemindableStates) {
				out.NonRemindable = append(out.NonRemindable, id)
				continue
			}
			out.Reminded = append(out.Reminded, id)
			tasks = append(tasks, newAssignmentTask(jobsdom.TaskRemindEmail, id))
		}
		_, err = a.deps.Tasks.Create(dbc, tasks)
		return err
	})
	if err != nil {
		return domainagg.RemindAssignmentsResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) Accept(ctx context.Context, in domainagg.AcceptAssignmentInput) (domainagg.AcceptAssignmentResult, error) {
	const op = "Assignments.Assignment.Accept"
	var out domainagg.AcceptAssignmentResult
	if in.AssignmentID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing assignment_id", nil)
	}
	if in.TransactionUUID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing transaction_uuid", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.LockByIDs(dbc, []uuid.UUID{in.AssignmentID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("assignment not found: %s", in.AssignmentID), nil)
		}
		row := rows[0]

		// Replays of the same redemption event are accepted silently.
		if row.State == domassign.StateAccepted && row.TransactionUUID != nil && *row.TransactionUUID == in.TransactionUUID {
			out = domainagg.AcceptAssignmentResult{
				AssignmentID: row.ID,
				State:        string(row.State),
				AcceptedAt:   timeOrZero(row.AcceptedAt),
			}
			return nil
		}
		if !domassign.StateIn(row.State, domassign.AcceptableStates) {
			return InvariantError(fmt.Sprintf("cannot accept assignment from state %q", row.State))
		}

		ok, err := a.deps.Base.CASGuard.UpdateByState(dbc, assignmentTable, row.ID,
			domassign.StateStrings(domassign.AcceptableStates), map[string]any{
				"state":            string(domassign.StateAccepted),
				"accepted_at":      eventAt,
				"transaction_uuid": in.TransactionUUID,
				"updated_at":       eventAt,
			})
		if err != nil {
			return err
		}
		if err := RequireCASSuccess(ok, "assignment changed while accepting"); err != nil {
			return err
		}

		if _, err := a.deps.Actions.Create(dbc, domassign.NewSuccessfulAction(row.ID, domassign.ActionRedeemed, eventAt)); err != nil {
			return err
		}

		row.State = domassign.StateAccepted
		row.AcceptedAt = &eventAt
		txn := in.TransactionUUID
		row.TransactionUUID = &txn
		if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryChanged, eventAt)); err != nil {
			return err
		}

		out = domainagg.AcceptAssignmentResult{
			AssignmentID: row.ID,
			State:        string(domassign.StateAccepted),
			AcceptedAt:   eventAt,
		}
		return nil
	})
	if err != nil {
		return domainagg.AcceptAssignmentResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) Reverse(ctx context.Context, in domainagg.ReverseAssignmentInput) (domainagg.ReverseAssignmentResult, error) {
	const op = "Assignments.Assignment.Reverse"
	var out domainagg.ReverseAssignmentResult
	if in.TransactionUUID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing transaction_uuid", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		row, err := a.deps.Assignments.GetByTransactionUUID(dbc, in.TransactionUUID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			a.deps.Base.Log.Warn("reversal event for unknown transaction",
				"transaction_uuid", in.TransactionUUID.String())
			out = domainagg.ReverseAssignmentResult{Reversed: false}
			return nil
		}
		if err != nil {
			return err
		}
		if !domassign.StateIn(row.State, domassign.ReversibleStates) {
			a.deps.Base.Log.Warn("reversal event for assignment not in a reversible state",
				"assignment_id", row.ID.String(), "state", string(row.State))
			id := row.ID
			out = domainagg.ReverseAssignmentResult{Reversed: false, AssignmentID: &id, State: string(row.State)}
			return nil
		}

		ok, err := a.deps.Base.CASGuard.UpdateByState(dbc, assignmentTable, row.ID,
			domassign.StateStrings(domassign.ReversibleStates), map[string]any{
				"state":       string(domassign.StateReversed),
				"reversed_at": eventAt,
				"updated_at":  eventAt,
			})
		if err != nil {
			return err
		}
		if err := RequireCASSuccess(ok, "assignment changed while reversing"); err != nil {
			return err
		}

		if _, err := a.deps.Actions.Create(dbc, domassign.NewSuccessfulAction(row.ID, domassign.ActionReversed, eventAt)); err != nil {
			return err
		}

		row.State = domassign.StateReversed
		row.ReversedAt = &eventAt
		if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryChanged, eventAt)); err != nil {
			return err
		}

		id := row.ID
		out = domainagg.ReverseAssignmentResult{Reversed: true, AssignmentID: &id, State: string(domassign.StateReversed)}
		return nil
	})
	if err != nil {
		return domainagg.ReverseAssignmentResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) Expire(ctx context.Context, in domainagg.ExpireAssignmentInput) (domainagg.ExpireAssignmentResult, error) {
	const op = "Assignments.Assignment.Expire"
	var out domainagg.ExpireAssignmentResult
	if in.AssignmentID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing assignment_id", nil)
	}
	reason := domassign.ExpirationReason(strings.TrimSpace(in.Reason))
	switch reason {
	case domassign.ReasonSubsidyExpired, domassign.ReasonEnrollmentDatePassed, domassign.ReasonNinetyDaysPassed:
	default:
		return out, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown expiration reason %q", in.Reason), nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}
	clearsPII := reason == domassign.ReasonNinetyDaysPassed

	if !in.Modify {
		row, err := a.deps.Assignments.GetByID(dbctx.New(ctx), in.AssignmentID)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return out, domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("assignment not found: %s", in.AssignmentID), nil)
		}
		if err != nil {
			return out, MapError(op, err)
		}
		expirable := domassign.StateIn(row.State, domassign.ExpirableStates)
		return domainagg.ExpireAssignmentResult{
			AssignmentID: row.ID,
			Expired:      expirable,
			State:        string(row.State),
			ClearedPII:   expirable && clearsPII,
		}, nil
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.LockByIDs(dbc, []uuid.UUID{in.AssignmentID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("assignment not found: %s", in.AssignmentID), nil)
		}
		row := rows[0]
		if !domassign.StateIn(row.State, domassign.ExpirableStates) {
			out = domainagg.ExpireAssignmentResult{AssignmentID: row.ID, Expired: false, State: string(row.State)}
			return nil
		}

		ok, err := a.deps.Base.CASGuard.UpdateByState(dbc, assignmentTable, row.ID,
			domassign.StateStrings(domassign.ExpirableStates), map[string]any{
				"state":      string(domassign.StateExpired),
				"expired_at": eventAt,
				"updated_at": eventAt,
			})
		if err != nil {
			return err
		}
		if err := RequireCASSuccess(ok, "assignment changed while expiring"); err != nil {
			return err
		}
		row.State = domassign.StateExpired
		row.ExpiredAt = &eventAt

		cleared := false
		if clearsPII && row.PIIClearedAt == nil {
			if _, _, err := a.clearAssignmentPII(dbc, row, eventAt); err != nil {
				return err
			}
			cleared = true
		}

		ht := domassign.HistoryChanged
		if cleared {
			ht = domassign.HistoryPIICleared
		}
		if err := a.deps.History.Append(dbc, domassign.Snapshot(row, ht, eventAt)); err != nil {
			return err
		}

		if _, err := a.deps.Tasks.Create(dbc, []*types.TaskRun{newAssignmentTask(jobsdom.TaskExpireEmail, row.ID)}); err != nil {
			return err
		}

		out = domainagg.ExpireAssignmentResult{
			AssignmentID: row.ID,
			Expired:      true,
			State:        string(domassign.StateExpired),
			ClearedPII:   cleared,
		}
		return nil
	})
	if err != nil {
		return domainagg.ExpireAssignmentResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) Acknowledge(ctx context.Context, in domainagg.AcknowledgeAssignmentsInput) (domainagg.AcknowledgeAssignmentsResult, error) {
	const op = "Assignments.Assignment.Acknowledge"
	var out domainagg.AcknowledgeAssignmentsResult
	if in.ConfigurationID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing configuration_id", nil)
	}
	if in.LMSUserID <= 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing lms_user_id", nil)
	}
	ids := dedupeIDs(in.AssignmentIDs)
	if len(ids) == 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "no assignment ids", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.GetForConfiguration(dbc, in.ConfigurationID, ids)
		if err != nil {
			return err
		}
		var owned []*types.LearnerContentAssignment
		for _, row := range rows {
			if row.LMSUserID != nil && *row.LMSUserID == in.LMSUserID {
				owned = append(owned, row)
			}
		}
		if len(owned) == 0 {
			return domainagg.NewError(domainagg.CodeValidation, op, "no assignments found for learner in configuration", nil)
		}

		for _, row := range owned {
			var eventType, ackType domassign.ActionType
			switch row.State {
			case domassign.StateExpired:
				eventType, ackType = domassign.ActionExpired, domassign.ActionExpiredAcknowledged
			case domassign.StateCancelled:
				eventType, ackType = domassign.ActionCancelled, domassign.ActionCancelledAcknowledged
			default:
				a.deps.Base.Log.Error("acknowledgement for assignment in non-acknowledgeable state",
					"assignment_id", row.ID.String(), "state", string(row.State))
				out.Unacknowledged = append(out.Unacknowledged, row.ID)
				continue
			}

			lastEvent, err := a.deps.Actions.LastSuccessfulOfType(dbc, row.ID, string(eventType))
			if err != nil {
				return err
			}
			if lastEvent == nil {
				a.deps.Base.Log.Warn("assignment has no successful action explaining its state",
					"assignment_id", row.ID.String(), "state", string(row.State), "action_type", string(eventType))
				out.Unacknowledged = append(out.Unacknowledged, row.ID)
				continue
			}

			lastAck, err := a.deps.Actions.LastSuccessfulOfType(dbc, row.ID, string(ackType))
			if err != nil {
				return err
			}
			// A re-cancelled or re-expired assignment needs acknowledging
			// again, so an acknowledgement at the exact event instant does
			// not count as newer.
			if lastAck != nil && lastAck.CompletedAt.After(*lastEvent.CompletedAt) {
				out.AlreadyAcknowledged = append(out.AlreadyAcknowledged, row.ID)
				continue
			}
			if _, err := a.deps.Actions.Create(dbc, domassign.NewSuccessfulAction(row.ID, ackType, eventAt)); err != nil {
				return err
			}
			out.Acknowledged = append(out.Acknowledged, row.ID)
		}
		return nil
	})
	if err != nil {
		return domainagg.AcknowledgeAssignmentsResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) AddSuccessfulAction(ctx context.Context, in domainagg.RecordActionInput) (domainagg.RecordActionResult, error) {
	const op = "Assignments.Assignment.AddSuccessfulAction"
	var out domainagg.RecordActionResult
	if in.AssignmentID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing assignment_id", nil)
	}
	actionType := domassign.ActionType(strings.TrimSpace(in.ActionType))
	if !actionType.Valid() {
		return out, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown action type %q", in.ActionType), nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	completedAt := in.CompletedAt.UTC()
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		if _, err := a.deps.Assignments.GetByID(dbc, in.AssignmentID); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("assignment not found: %s", in.AssignmentID), nil)
			}
			return err
		}
		act := domassign.NewSuccessfulAction(in.AssignmentID, actionType, completedAt)
		if _, err := a.deps.Actions.Create(dbc, act); err != nil {
			return err
		}
		out = domainagg.RecordActionResult{
			ActionID:     act.ID,
			AssignmentID: in.AssignmentID,
			ActionType:   string(actionType),
			CompletedAt:  completedAt,
		}
		return nil
	})
	if err != nil {
		return domainagg.RecordActionResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) AddErroredAction(ctx context.Context, in domainagg.RecordErroredActionInput) (domainagg.RecordActionResult, error) {
	const op = "Assignments.Assignment.AddErroredAction"
	var out domainagg.RecordActionResult
	if in.AssignmentID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing assignment_id", nil)
	}
	actionType := domassign.ActionType(strings.TrimSpace(in.ActionType))
	if !actionType.Valid() {
		return out, domainagg.NewError(domainagg.CodeValidation, op, fmt.Sprintf("unknown action type %q", in.ActionType), nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	failedAt := in.FailedAt.UTC()
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.LockByIDs(dbc, []uuid.UUID{in.AssignmentID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("assignment not found: %s", in.AssignmentID), nil)
		}
		row := rows[0]

		act := domassign.NewErroredAction(in.AssignmentID, actionType, in.Traceback)
		if _, err := a.deps.Actions.Create(dbc, act); err != nil {
			return err
		}

		if in.SetErroredState {
			// A redeemed or reversed assignment is never downgraded by a
			// failed side effect; an already-errored row keeps its original
			// errored_at.
			ok, err := a.deps.Base.CASGuard.UpdateByState(dbc, assignmentTable, row.ID,
				[]string{
					string(domassign.StateAllocated),
					string(domassign.StateCancelled),
					string(domassign.StateExpired),
				}, map[string]any{
					"state":      string(domassign.StateErrored),
					"errored_at": failedAt,
					"updated_at": failedAt,
				})
			if err != nil {
				return err
			}
			if ok {
				row.State = domassign.StateErrored
				row.ErroredAt = &failedAt
				if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryChanged, failedAt)); err != nil {
					return err
				}
			} else {
				a.deps.Base.Log.Warn("assignment state moved before it could be errored",
					"assignment_id", row.ID.String(), "state", string(row.State))
			}
		}

		out = domainagg.RecordActionResult{
			ActionID:     act.ID,
			AssignmentID: in.AssignmentID,
			ActionType:   string(actionType),
			ErrorReason:  string(domassign.ErrorReasonFor(actionType)),
		}
		return nil
	})
	if err != nil {
		return domainagg.RecordActionResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) ClearPII(ctx context.Context, in domainagg.ClearPIIInput) (domainagg.ClearPIIResult, error) {
	const op = "Assignments.Assignment.ClearPII"
	var out domainagg.ClearPIIResult
	if in.AssignmentID == uuid.Nil {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing assignment_id", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.LockByIDs(dbc, []uuid.UUID{in.AssignmentID})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return domainagg.NewError(domainagg.CodeNotFound, op, fmt.Sprintf("assignment not found: %s", in.AssignmentID), nil)
		}
		row := rows[0]
		if row.PIIClearedAt != nil {
			out = domainagg.ClearPIIResult{
				AssignmentID: row.ID,
				RetiredEmail: row.LearnerEmail,
				ClearedAt:    *row.PIIClearedAt,
			}
			return nil
		}

		retired, rewritten, err := a.clearAssignmentPII(dbc, row, eventAt)
		if err != nil {
			return err
		}
		if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryPIICleared, eventAt)); err != nil {
			return err
		}

		out = domainagg.ClearPIIResult{
			AssignmentID:         row.ID,
			RetiredEmail:         retired,
			HistoryRowsRewritten: int(rewritten),
			ClearedAt:            eventAt,
		}
		return nil
	})
	if err != nil {
		return domainagg.ClearPIIResult{}, err
	}
	return out, nil
}

func (a *assignmentAggregate) LinkLearner(ctx context.Context, in domainagg.LinkLearnerInput) (domainagg.LinkLearnerResult, error) {
	const op = "Assignments.Assignment.LinkLearner"
	var out domainagg.LinkLearnerResult
	if in.LMSUserID <= 0 {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing lms_user_id", nil)
	}
	email := strings.TrimSpace(in.Email)
	if email == "" {
		return out, domainagg.NewError(domainagg.CodeValidation, op, "missing email", nil)
	}
	if !a.reposConfigured() {
		return out, domainagg.NewError(domainagg.CodeInternal, op, "assignment aggregate repos not configured", nil)
	}
	eventAt := in.EventAt.UTC()
	if eventAt.IsZero() {
		eventAt = time.Now().UTC()
	}

	err := executeWrite(ctx, a.deps.Base, op, func(dbc dbctx.Context) error {
		rows, err := a.deps.Assignments.ListUnlinkedByEmail(dbc, email)
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := a.deps.Assignments.UpdateFields(dbc, row.ID, map[string]interface{}{
				"lms_user_id": in.LMSUserID,
			}); err != nil {
				return err
			}
			if _, err := a.deps.Actions.Create(dbc, domassign.NewSuccessfulAction(row.ID, domassign.ActionLearnerLinked, eventAt)); err != nil {
				return err
			}
			lms := in.LMSUserID
			row.LMSUserID = &lms
			if err := a.deps.History.Append(dbc, domassign.Snapshot(row, domassign.HistoryChanged, eventAt)); err != nil {
				return err
			}
			out.LinkedAssignmentIDs = append(out.LinkedAssignmentIDs, row.ID)
		}
		return nil
	})
	if err != nil {
		return domainagg.LinkLearnerResult{}, err
	}
	return out, nil
}

// clearAssignmentPII replaces the learner email on the live row and every
// history row and stamps pii_cleared_at. The caller appends its own history
// snapshot afterward. lms_user_id survives: it is pseudonymous and keeps the
// acknowledgement endpoints working after retirement.
func (a *assignmentAggregate) clearAssignmentPII(dbc dbctx.Context, row *types.LearnerContentAssignment, eventAt time.Time) (string, int64, error) {
	retired := retiredEmailFor(row.ID)
	if err := a.deps.Assignments.UpdateFields(dbc, row.ID, map[string]interface{}{
		"learner_email":  retired,
		"pii_cleared_at": eventAt,
	}); err != nil {
		return "", 0, err
	}
	rewritten, err := a.deps.History.RewriteLearnerEmail(dbc, row.ID, retired)
	if err != nil {
		return "", 0, err
	}
	row.LearnerEmail = retired
	row.PIIClearedAt = &eventAt
	return retired, rewritten, nil
}

// retiredEmailFor derives a stable placeholder address from the assignment
// id, so re-running retirement produces the same value.
func retiredEmailFor(id uuid.UUID) string {
	sum := sha256.Sum256(id[:])
	return fmt.Sprintf("retired_user_%s@retired.invalid", hex.EncodeToString(sum[:8]))
}

func newAssignmentTask(jobType string, assignmentID uuid.UUID) *types.TaskRun {
	id := assignmentID
	payload, _ := json.Marshal(map[string]string{"assignment_id": id.String()})
	return &types.TaskRun{
		ID:         uuid.New(),
		JobType:    jobType,
		EntityType: jobsdom.TaskEntityAssignment,
		EntityID:   &id,
		Status:     jobsdom.TaskStatusQueued,
		Payload:    datatypes.JSON(payload),
	}
}

func normalizeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := strings.ToLower(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func applyReallocation(row *types.LearnerContentAssignment, in domainagg.AllocateAssignmentsInput, quantity int64, eventAt time.Time) {
	row.State = domassign.StateAllocated
	row.AllocatedAt = eventAt
	row.AcceptedAt = nil
	row.CancelledAt = nil
	row.ExpiredAt = nil
	row.ErroredAt = nil
	row.ReversedAt = nil
	row.ContentTitle = in.ContentTitle
	row.ContentQuantity = quantity
	row.ParentContentKey = in.ParentContentKey
	row.IsAssignedCourseRun = in.IsAssignedCourseRun
	row.PreferredCourseRunKey = in.PreferredCourseRunKey
	row.HasCreditRequest = in.HasCreditRequest
}
