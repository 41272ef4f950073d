package assignments

import (
	"time"

	"github.com/google/uuid"
)

// Action is one append-only record of a lifecycle side effect attempted for
// an assignment (notification send, learner linking, redemption, ...). Rows
// are written once at outcome time and never mutated or deleted: a success
// carries completed_at, a failure carries error_reason + traceback and a
// null completed_at. Retries append fresh rows.
type Action struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AssignmentID uuid.UUID `gorm:"type:uuid;not null;index" json:"assignment_id"`

	ActionType ActionType `gorm:"column:action_type;not null;index" json:"action_type"`

	CompletedAt *time.Time   `gorm:"column:completed_at" json:"completed_at,omitempty"`
	ErrorReason *ErrorReason `gorm:"column:error_reason" json:"error_reason,omitempty"`
	Traceback   *string      `gorm:"column:traceback" json:"traceback,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Action) TableName() string { return "learner_content_assignment_action" }

// Succeeded reports whether this action completed without error.
func (a *Action) Succeeded() bool {
	return a.CompletedAt != nil && a.ErrorReason == nil
}

// Failed reports whether this action recorded an error.
func (a *Action) Failed() bool {
	return a.ErrorReason != nil
}

// NewSuccessfulAction builds a completed action row. Calling twice for the
// same type is fine; "last successful" accessors take the newest.
func NewSuccessfulAction(assignmentID uuid.UUID, t ActionType, completedAt time.Time) *Action {
	return &Action{
		ID:           uuid.New(),
		AssignmentID: assignmentID,
		ActionType:   t,
		CompletedAt:  &completedAt,
	}
}

// NewErroredAction builds a failed action row with the error reason mapped
// from the action type. completed_at stays null on failures.
func NewErroredAction(assignmentID uuid.UUID, t ActionType, traceback string) *Action {
	reason := ErrorReasonFor(t)
	act := &Action{
		ID:           uuid.New(),
		AssignmentID: assignmentID,
		ActionType:   t,
		ErrorReason:  &reason,
	}
	if traceback != "" {
		act.Traceback = &traceback
	}
	return act
}
