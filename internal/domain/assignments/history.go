package assignments

import (
	"time"

	"github.com/google/uuid"
)

// HistoryType classifies why a history row was recorded.
type HistoryType string

const (
	HistoryCreated    HistoryType = "created"
	HistoryChanged    HistoryType = "changed"
	HistoryPIICleared HistoryType = "pii_cleared"
)

// HistoricalLearnerContentAssignment is a shadow copy of an assignment row
// captured in the same transaction as each mutation. Columns mirror the
// business columns of the live row so retention tooling can rewrite PII in
// place across the whole history of one assignment.
type HistoricalLearnerContentAssignment struct {
	ID           uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	AssignmentID uuid.UUID   `gorm:"type:uuid;not null;index" json:"assignment_id"`
	HistoryType  HistoryType `gorm:"column:history_type;not null" json:"history_type"`
	RecordedAt   time.Time   `gorm:"column:recorded_at;not null;index" json:"recorded_at"`

	AssignmentConfigurationID uuid.UUID `gorm:"type:uuid;not null;index" json:"assignment_configuration_id"`
	LearnerEmail              string    `gorm:"column:learner_email;not null" json:"learner_email"`
	LMSUserID                 *int64    `gorm:"column:lms_user_id" json:"lms_user_id,omitempty"`
	ContentKey                string    `gorm:"column:content_key;not null" json:"content_key"`
	ParentContentKey          *string   `gorm:"column:parent_content_key" json:"parent_content_key,omitempty"`
	IsAssignedCourseRun       bool      `gorm:"column:is_assigned_course_run;not null;default:false" json:"is_assigned_course_run"`
	ContentTitle              string    `gorm:"column:content_title" json:"content_title"`
	ContentQuantity           int64     `gorm:"column:content_quantity;not null" json:"content_quantity"`
	PreferredCourseRunKey     *string   `gorm:"column:preferred_course_run_key" json:"preferred_course_run_key,omitempty"`
	HasCreditRequest          bool      `gorm:"column:has_credit_request;not null;default:false" json:"has_credit_request"`

	State       State      `gorm:"column:state;not null" json:"state"`
	AllocatedAt time.Time  `gorm:"column:allocated_at;not null" json:"allocated_at"`
	AcceptedAt  *time.Time `gorm:"column:accepted_at" json:"accepted_at,omitempty"`
	CancelledAt *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`
	ExpiredAt   *time.Time `gorm:"column:expired_at" json:"expired_at,omitempty"`
	ErroredAt   *time.Time `gorm:"column:errored_at" json:"errored_at,omitempty"`
	ReversedAt  *time.Time `gorm:"column:reversed_at" json:"reversed_at,omitempty"`

	TransactionUUID *uuid.UUID `gorm:"type:uuid;column:transaction_uuid" json:"transaction_uuid,omitempty"`
	PIIClearedAt    *time.Time `gorm:"column:pii_cleared_at" json:"pii_cleared_at,omitempty"`
}

func (HistoricalLearnerContentAssignment) TableName() string {
	return "historical_learner_content_assignment"
}

// Snapshot copies the current business state of an assignment into a new
// history row. Caller supplies the history type and the transaction clock.
func Snapshot(a *LearnerContentAssignment, ht HistoryType, at time.Time) *HistoricalLearnerContentAssignment {
	return &HistoricalLearnerContentAssignment{
		ID:           uuid.New(),
		AssignmentID: a.ID,
		HistoryType:  ht,
		RecordedAt:   at,

		AssignmentConfigurationID: a.AssignmentConfigurationID,
		LearnerEmail:              a.LearnerEmail,
		LMSUserID:                 a.LMSUserID,
		ContentKey:                a.ContentKey,
		ParentContentKey:          a.ParentContentKey,
		IsAssignedCourseRun:       a.IsAssignedCourseRun,
		ContentTitle:              a.ContentTitle,
		ContentQuantity:           a.ContentQuantity,
		PreferredCourseRunKey:     a.PreferredCourseRunKey,
		HasCreditRequest:          a.HasCreditRequest,

		State:       a.State,
		AllocatedAt: a.AllocatedAt,
		AcceptedAt:  a.AcceptedAt,
		CancelledAt: a.CancelledAt,
		ExpiredAt:   a.ExpiredAt,
		ErroredAt:   a.ErroredAt,
		ReversedAt:  a.ReversedAt,

		TransactionUUID: a.TransactionUUID,
		PIIClearedAt:    a.PIIClearedAt,
	}
}
