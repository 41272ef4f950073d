package assignments

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

type HistoryRepo interface {
	Append(dbc dbctx.Context, row *types.HistoricalLearnerContentAssignment) error
	ListByAssignment(dbc dbctx.Context, assignmentID uuid.UUID) ([]types.HistoricalLearnerContentAssignment, error)
	// RewriteLearnerEmail replaces the email on every history row of the
	// assignment and returns the number rewritten. PII clearing must reach
	// snapshots too, not just the live row.
	RewriteLearnerEmail(dbc dbctx.Context, assignmentID uuid.UUID, newEmail string) (int64, error)
}

type historyRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewHistoryRepo(db *gorm.DB, log *logger.Logger) HistoryRepo {
	return &historyRepo{db: db, log: log.With("repo", "HistoryRepo")}
}

func (r *historyRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *historyRepo) Append(dbc dbctx.Context, row *types.HistoricalLearnerContentAssignment) error {
	if row == nil {
		return fmt.Errorf("missing history row")
	}
	if row.AssignmentID == uuid.Nil {
		return fmt.Errorf("missing assignment id")
	}
	return r.handle(dbc).WithContext(dbc.Ctx).Create(row).Error
}

func (r *historyRepo) ListByAssignment(dbc dbctx.Context, assignmentID uuid.UUID) ([]types.HistoricalLearnerContentAssignment, error) {
	if assignmentID == uuid.Nil {
		return nil, fmt.Errorf("missing assignment id")
	}
	var out []types.HistoricalLearnerContentAssignment
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.HistoricalLearnerContentAssignment{}).
		Where("assignment_id = ?", assignmentID).
		Order("recorded_at ASC, id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *historyRepo) RewriteLearnerEmail(dbc dbctx.Context, assignmentID uuid.UUID, newEmail string) (int64, error) {
	if assignmentID == uuid.Nil {
		return 0, fmt.Errorf("missing assignment id")
	}
	if newEmail == "" {
		return 0, fmt.Errorf("missing replacement email")
	}
	res := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.HistoricalLearnerContentAssignment{}).
		Where("assignment_id = ?", assignmentID).
		Update("learner_email", newEmail)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
