package assignments

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// ActionRepo is insert-only: action rows record an outcome at the moment it
// happened and are never updated afterward.
type ActionRepo interface {
	Create(dbc dbctx.Context, action *types.LearnerContentAssignmentAction) (*types.LearnerContentAssignmentAction, error)
	ListByAssignment(dbc dbctx.Context, assignmentID uuid.UUID) ([]types.LearnerContentAssignmentAction, error)
	ListByAssignmentIDs(dbc dbctx.Context, assignmentIDs []uuid.UUID) ([]types.LearnerContentAssignmentAction, error)
	// LastSuccessfulOfType returns nil, nil when no successful row of the
	// type exists.
	LastSuccessfulOfType(dbc dbctx.Context, assignmentID uuid.UUID, actionType string) (*types.LearnerContentAssignmentAction, error)
	// AssignmentIDsWithSuccessfulAction filters ids down to those holding
	// at least one successful row of the type.
	AssignmentIDsWithSuccessfulAction(dbc dbctx.Context, assignmentIDs []uuid.UUID, actionType string) ([]uuid.UUID, error)
}

type actionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewActionRepo(db *gorm.DB, log *logger.Logger) ActionRepo {
	return &actionRepo{db: db, log: log.With("repo", "ActionRepo")}
}

func (r *actionRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *actionRepo) Create(dbc dbctx.Context, action *types.LearnerContentAssignmentAction) (*types.LearnerContentAssignmentAction, error) {
	if action == nil {
		return nil, fmt.Errorf("missing action")
	}
	if action.AssignmentID == uuid.Nil {
		return nil, fmt.Errorf("missing assignment id")
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(action).Error; err != nil {
		return nil, err
	}
	return action, nil
}

func (r *actionRepo) ListByAssignment(dbc dbctx.Context, assignmentID uuid.UUID) ([]types.LearnerContentAssignmentAction, error) {
	if assignmentID == uuid.Nil {
		return nil, fmt.Errorf("missing assignment id")
	}
	var out []types.LearnerContentAssignmentAction
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignmentAction{}).
		Where("assignment_id = ?", assignmentID).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *actionRepo) ListByAssignmentIDs(dbc dbctx.Context, assignmentIDs []uuid.UUID) ([]types.LearnerContentAssignmentAction, error) {
	if len(assignmentIDs) == 0 {
		return []types.LearnerContentAssignmentAction{}, nil
	}
	var out []types.LearnerContentAssignmentAction
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignmentAction{}).
		Where("assignment_id IN ?", assignmentIDs).
		Order("created_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *actionRepo) LastSuccessfulOfType(dbc dbctx.Context, assignmentID uuid.UUID, actionType string) (*types.LearnerContentAssignmentAction, error) {
	if assignmentID == uuid.Nil {
		return nil, fmt.Errorf("missing assignment id")
	}
	var out types.LearnerContentAssignmentAction
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("assignment_id = ? AND action_type = ? AND completed_at IS NOT NULL AND error_reason IS NULL", assignmentID, actionType).
		Order("completed_at DESC").
		First(&out).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *actionRepo) AssignmentIDsWithSuccessfulAction(dbc dbctx.Context, assignmentIDs []uuid.UUID, actionType string) ([]uuid.UUID, error) {
	if len(assignmentIDs) == 0 {
		return []uuid.UUID{}, nil
	}
	var out []uuid.UUID
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.LearnerContentAssignmentAction{}).
		Distinct("assignment_id").
		Where("assignment_id IN ? AND action_type = ? AND completed_at IS NOT NULL AND error_reason IS NULL", assignmentIDs, actionType).
		Pluck("assignment_id", &out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
