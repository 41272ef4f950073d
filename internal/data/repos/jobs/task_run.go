package jobs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

type TaskRunRepo interface {
	Create(dbc dbctx.Context, tasks []*types.TaskRun) ([]*types.TaskRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.TaskRun, error)
	GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.TaskRun, error)
	GetLatestByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, jobType string) (*types.TaskRun, error)
	// ClaimNextRunnable picks the oldest queued, retryable-failed, or
	// stale-running task and flips it to running in one transaction.
	ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.TaskRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
	Heartbeat(dbc dbctx.Context, id uuid.UUID) error
	HasRunnableForEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, jobType string) (bool, error)
	// HasRunnableOfType reports whether any task of the job type is queued or
	// running, regardless of entity. Sweep scheduling uses it to avoid
	// stacking passes.
	HasRunnableOfType(dbc dbctx.Context, jobType string) (bool, error)
}

type taskRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRunRepo(db *gorm.DB, baseLog *logger.Logger) TaskRunRepo {
	return &taskRunRepo{
		db:  db,
		log: baseLog.With("repo", "TaskRunRepo"),
	}
}

func (r *taskRunRepo) handle(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *taskRunRepo) Create(dbc dbctx.Context, tasks []*types.TaskRun) ([]*types.TaskRun, error) {
	if len(tasks) == 0 {
		return []*types.TaskRun{}, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.TaskRun, error) {
	if id == uuid.Nil {
		return nil, nil
	}
	var task types.TaskRun
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id = ?", id).
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRunRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.TaskRun, error) {
	var out []*types.TaskRun
	if len(ids) == 0 {
		return out, nil
	}
	if err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("id IN ?", ids).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRunRepo) GetLatestByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, jobType string) (*types.TaskRun, error) {
	if entityID == uuid.Nil || entityType == "" || jobType == "" {
		return nil, nil
	}
	var task types.TaskRun
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Where("entity_type = ? AND entity_id = ? AND job_type = ?", entityType, entityID, jobType).
		Order("created_at DESC").
		Limit(1).
		Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.ID == uuid.Nil {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRunRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.TaskRun, error) {
	now := time.Now()
	retryCutoff := now.Add(-retryDelay)
	staleCutoff := now.Add(-staleRunning)
	var claimed *types.TaskRun
	err := r.handle(dbc).WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var task types.TaskRun
		q := txx.Where(`
      (
        status = ?
        OR (
          status = ?
          AND attempts < ?
          AND (last_error_at IS NULL OR last_error_at < ?)
        )
        OR (
          status = ?
          AND heartbeat_at IS NOT NULL
          AND heartbeat_at < ?
        )
      )
    `, "queued", "failed", maxAttempts, retryCutoff, "running", staleCutoff).
			Order("created_at ASC")
		// sqlite has a single writer, so there is nothing to skip past.
		if txx.Dialector.Name() != "sqlite" {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		qErr := q.First(&task).Error
		if errors.Is(qErr, gorm.ErrRecordNotFound) {
			return nil
		}
		if qErr != nil {
			return qErr
		}
		uErr := txx.Model(&types.TaskRun{}).
			Where("id = ?", task.ID).
			Updates(map[string]interface{}{
				"status":       "running",
				"attempts":     gorm.Expr("attempts + 1"),
				"locked_at":    now,
				"heartbeat_at": now,
				"updated_at":   now,
			}).Error
		if uErr != nil {
			return uErr
		}
		// Mirror the claim on the returned row so callers see the attempt
		// they are executing, not the pre-claim count.
		task.Status = "running"
		task.Attempts++
		task.LockedAt = &now
		task.HeartbeatAt = &now
		task.UpdatedAt = now
		claimed = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *taskRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRun{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *taskRunRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return nil
	}
	now := time.Now()
	return r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRun{}).
		Where("id = ? AND status = ?", id, "running").
		Updates(map[string]interface{}{
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error
}

func (r *taskRunRepo) HasRunnableForEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, jobType string) (bool, error) {
	if entityID == uuid.Nil || entityType == "" || jobType == "" {
		return false, nil
	}
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRun{}).
		Where("entity_type = ? AND entity_id = ? AND job_type = ? AND status IN ?",
			entityType, entityID, jobType, []string{"queued", "running"},
		).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *taskRunRepo) HasRunnableOfType(dbc dbctx.Context, jobType string) (bool, error) {
	if jobType == "" {
		return false, nil
	}
	var count int64
	err := r.handle(dbc).WithContext(dbc.Ctx).
		Model(&types.TaskRun{}).
		Where("job_type = ? AND status IN ?", jobType, []string{"queued", "running"}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
