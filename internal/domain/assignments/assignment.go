package assignments

import (
	"time"

	"github.com/google/uuid"
)

// LearnerContentAssignment pairs one learner with one content item under a
// configuration and carries the lifecycle state machine. ContentQuantity is
// the assigned cost in USD cents and is always <= 0 (a debit against the
// subsidy). The per-state timestamps record the most recent entry into that
// state; re-allocation resets allocated_at and clears the others.
type LearnerContentAssignment struct {
	ID                        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	AssignmentConfigurationID uuid.UUID `gorm:"type:uuid;not null;index" json:"assignment_configuration_id"`

	LearnerEmail string `gorm:"column:learner_email;not null;index" json:"learner_email"`
	// LMSUserID stays null until the learner registers; the user-registration
	// event handler is the only backfill path.
	LMSUserID *int64 `gorm:"column:lms_user_id;index" json:"lms_user_id,omitempty"`

	ContentKey            string  `gorm:"column:content_key;not null;index" json:"content_key"`
	ParentContentKey      *string `gorm:"column:parent_content_key" json:"parent_content_key,omitempty"`
	IsAssignedCourseRun   bool    `gorm:"column:is_assigned_course_run;not null;default:false" json:"is_assigned_course_run"`
	ContentTitle          string  `gorm:"column:content_title" json:"content_title"`
	ContentQuantity       int64   `gorm:"column:content_quantity;not null" json:"content_quantity"`
	PreferredCourseRunKey *string `gorm:"column:preferred_course_run_key" json:"preferred_course_run_key,omitempty"`

	// HasCreditRequest tags assignments that originated from the learner
	// Browse & Request flow; it selects the enrollment deadline strategy.
	HasCreditRequest bool `gorm:"column:has_credit_request;not null;default:false" json:"has_credit_request"`

	State State `gorm:"column:state;not null;default:'allocated';index" json:"state"`

	AllocatedAt time.Time  `gorm:"column:allocated_at;not null" json:"allocated_at"`
	AcceptedAt  *time.Time `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	CancelledAt *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `gorm:"column:expired_at" json:"expired_at,omitempty"`
	ErroredAt   *time.Time `gorm:"column:errored_at" json:"errored_at,omitempty"`
	ReversedAt  *time.Time `gorm:"column:reversed_at" json:"reversed_at,omitempty"`

	// TransactionUUID is the subsidy ledger transaction recorded on
	// acceptance; reversal events are matched against it.
	TransactionUUID *uuid.UUID `gorm:"type:uuid;column:transaction_uuid;index" json:"transaction_uuid,omitempty"`

	PIIClearedAt *time.Time `gorm:"column:pii_cleared_at" json:"pii_cleared_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (LearnerContentAssignment) TableName() string { return "learner_content_assignment" }

// AllocationTimeoutAt returns the instant the allocation times out given the
// configured window. Re-allocation resets the window because it resets
// allocated_at; reminders do not.
func (a *LearnerContentAssignment) AllocationTimeoutAt(window time.Duration) time.Time {
	return a.AllocatedAt.Add(window)
}

// ContentKeyForMetadata returns the key used to look this assignment up in a
// content metadata mapping: run-based assignments are keyed by their run.
func (a *LearnerContentAssignment) ContentKeyForMetadata() string {
	return a.ContentKey
}
