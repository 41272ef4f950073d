package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Task run lifecycle statuses. Failed runs stay claimable until the worker's
// attempt budget is spent; canceled runs are never overwritten.
const (
	TaskStatusQueued    = "queued"
	TaskStatusRunning   = "running"
	TaskStatusSucceeded = "succeeded"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// Task entity reference kinds.
const (
	TaskEntityAssignment    = "assignment"
	TaskEntityConfiguration = "assignment_configuration"
)

// Task job types handled by the worker pool. The email tasks record their
// outcome as assignment action rows on completion.
const (
	TaskLinkLearner   = "assignments.link_learner"
	TaskNotifyEmail   = "assignments.notify_email"
	TaskRemindEmail   = "assignments.remind_email"
	TaskCancelEmail   = "assignments.cancel_email"
	TaskExpireEmail   = "assignments.expire_email"
	TaskNudgeEmail    = "assignments.nudge_email"
	TaskExpireSweep   = "assignments.expire_sweep"
	TaskClearPIISweep = "assignments.clear_pii_sweep"
	TaskNudgeSweep    = "assignments.nudge_sweep"
)

// TaskRun is one durable unit of background work, usually a notification
// send or learner-linking call for a single assignment. Rows are enqueued in
// the same transaction as the state change that requires them and claimed by
// the worker pool after commit.
type TaskRun struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	JobType     string         `gorm:"column:job_type;not null;index" json:"job_type"`
	EntityType  string         `gorm:"column:entity_type;index" json:"entity_type,omitempty"`
	EntityID    *uuid.UUID     `gorm:"type:uuid;column:entity_id;index" json:"entity_id,omitempty"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Stage       string         `gorm:"column:stage;not null" json:"stage"`
	Progress    int            `gorm:"column:progress;not null;default:0" json:"progress"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	Message     string         `gorm:"column:message" json:"message,omitempty"`
	Error       string         `gorm:"column:error" json:"error,omitempty"`
	LockedAt    *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	LastErrorAt *time.Time     `gorm:"column:last_error_at;index" json:"last_error_at,omitempty"`
	Payload     datatypes.JSON `gorm:"column:payload;type:jsonb" json:"payload"`
	Result      datatypes.JSON `gorm:"column:result;type:jsonb" json:"result"`
	CreatedAt   time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (TaskRun) TableName() string { return "task_run" }
