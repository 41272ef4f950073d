package assignments

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

type AssignmentConfigurationRepo interface {
	Create(dbc dbctx.Context, rows []*types.AssignmentConfiguration) ([]*types.AssignmentConfiguration, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AssignmentConfiguration, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.AssignmentConfiguration, error)
	// ListActivePage pages active configurations in stable created_at,id
	// order for the sweep jobs.
	ListActivePage(dbc dbctx.Context, offset, limit int) ([]*types.AssignmentConfiguration, error)
	CountActive(dbc dbctx.Context) (int64, error)
	SetActive(dbc dbctx.Context, id uuid.UUID, active bool) error
}

type assignmentConfigurationRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewAssignmentConfigurationRepo(db *gorm.DB, log *logger.Logger) AssignmentConfigurationRepo {
	return &assignmentConfigurationRepo{db: db, log: log.With("repo", "AssignmentConfigurationRepo")}
}

func (r *assignmentConfigurationRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *assignmentConfigurationRepo) Create(dbc dbctx.Context, rows []*types.AssignmentConfiguration) ([]*types.AssignmentConfiguration, error) {
	if len(rows) == 0 {
		return []*types.AssignmentConfiguration{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *assignmentConfigurationRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AssignmentConfiguration, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("missing id")
	}
	var out types.AssignmentConfiguration
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Take(&out).Error; err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *assignmentConfigurationRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.AssignmentConfiguration, error) {
	if len(ids) == 0 {
		return []*types.AssignmentConfiguration{}, nil
	}
	var out []*types.AssignmentConfiguration
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.AssignmentConfiguration{}).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assignmentConfigurationRepo) ListActivePage(dbc dbctx.Context, offset, limit int) ([]*types.AssignmentConfiguration, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []*types.AssignmentConfiguration
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.AssignmentConfiguration{}).
		Where("active = ?", true).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *assignmentConfigurationRepo) CountActive(dbc dbctx.Context) (int64, error) {
	var n int64
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.AssignmentConfiguration{}).
		Where("active = ?", true).
		Count(&n).Error; err != nil {
		return 0, err
	}
	return n, nil
}

func (r *assignmentConfigurationRepo) SetActive(dbc dbctx.Context, id uuid.UUID, active bool) error {
	if id == uuid.Nil {
		return fmt.Errorf("missing id")
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.AssignmentConfiguration{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"active":     active,
			"updated_at": time.Now().UTC(),
		}).Error
}
