package assignments

import (
	"time"

	"github.com/google/uuid"
)

// AssignmentConfiguration groups the assignments for one enterprise customer
// and subsidy access policy. Deactivation is the delete: rows are never
// removed, and deactivating twice is a no-op.
type AssignmentConfiguration struct {
	ID                    uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	EnterpriseCustomerID  uuid.UUID  `gorm:"type:uuid;not null;index" json:"enterprise_customer_id"`
	SubsidyAccessPolicyID *uuid.UUID `gorm:"type:uuid;column:subsidy_access_policy_id;index" json:"subsidy_access_policy_id,omitempty"`
	Active                bool       `gorm:"column:active;not null;default:true;index" json:"active"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (AssignmentConfiguration) TableName() string { return "assignment_configuration" }
