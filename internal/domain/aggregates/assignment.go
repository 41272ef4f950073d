package aggregates

import (
	"context"
	"time"

	"github.com/google/uuid"
)

var AssignmentAggregateContract = Contract{
	Name:             "Assignments.AssignmentAggregate",
	WriteTxOwnership: WriteTxOwnedByAggregate,
	ReadPolicy:       ReadPolicyInvariantScoped,
	Notes:            "Owns atomic assignment/action/history consistency for lifecycle transition writes.",
}

// AssignmentAggregate owns the learner content assignment state machine.
// Every write commits the assignment row, its append-only action log entries,
// a history snapshot, and any follow-up task rows in one transaction.
//
// Write method failures return *aggregates.Error with codes:
// CodeValidation, CodeNotFound, CodeConflict, CodeInvariantViolation,
// CodePreconditionFailed, CodeRetryable, CodeInternal.
type AssignmentAggregate interface {
	Aggregate

	// Allocate creates or re-allocates one assignment per learner email and
	// partitions the batch into created, updated, and unchanged.
	Allocate(ctx context.Context, in AllocateAssignmentsInput) (AllocateAssignmentsResult, error)

	// Cancel transitions cancelable assignments to cancelled and enqueues
	// cancellation notices; the rest are reported back untouched.
	Cancel(ctx context.Context, in CancelAssignmentsInput) (CancelAssignmentsResult, error)

	// Remind enqueues reminder notices for assignments still in allocated.
	Remind(ctx context.Context, in RemindAssignmentsInput) (RemindAssignmentsResult, error)

	// Accept records a redemption: allocated -> accepted plus the ledger
	// transaction reference and a successful redeemed action.
	Accept(ctx context.Context, in AcceptAssignmentInput) (AcceptAssignmentResult, error)

	// Reverse handles a ledger transaction-reversed event. Unknown
	// transactions and non-accepted assignments are logged and skipped.
	Reverse(ctx context.Context, in ReverseAssignmentInput) (ReverseAssignmentResult, error)

	// Expire applies an automatic expiration to one assignment, clearing PII
	// in the same transaction when the reason is the allocation timeout.
	Expire(ctx context.Context, in ExpireAssignmentInput) (ExpireAssignmentResult, error)

	// Acknowledge records learner acknowledgement of cancelled/expired
	// assignments and partitions the batch three ways.
	Acknowledge(ctx context.Context, in AcknowledgeAssignmentsInput) (AcknowledgeAssignmentsResult, error)

	// AddSuccessfulAction appends a completed action with no error.
	AddSuccessfulAction(ctx context.Context, in RecordActionInput) (RecordActionResult, error)

	// AddErroredAction appends a failed action with the reason mapped from
	// its type, optionally transitioning the assignment to errored.
	AddErroredAction(ctx context.Context, in RecordErroredActionInput) (RecordActionResult, error)

	// ClearPII replaces the learner email with a retired placeholder on the
	// live row and across all history rows.
	ClearPII(ctx context.Context, in ClearPIIInput) (ClearPIIResult, error)

	// LinkLearner backfills lms_user_id onto assignments matching a newly
	// registered email. This is the only backfill path for lms_user_id.
	LinkLearner(ctx context.Context, in LinkLearnerInput) (LinkLearnerResult, error)
}

type AllocateAssignmentsInput struct {
	ConfigurationID       uuid.UUID
	LearnerEmails         []string
	ContentKey            string
	ContentTitle          string
	ContentPriceCents     int64
	ParentContentKey      *string
	IsAssignedCourseRun   bool
	PreferredCourseRunKey *string
	HasCreditRequest      bool
	EventAt               time.Time
}

type AllocateAssignmentsResult struct {
	Created  []uuid.UUID
	Updated  []uuid.UUID
	NoChange []uuid.UUID
}

type CancelAssignmentsInput struct {
	ConfigurationID uuid.UUID
	AssignmentIDs   []uuid.UUID
	EventAt         time.Time
}

type CancelAssignmentsResult struct {
	Cancelled     []uuid.UUID
	NonCancelable []uuid.UUID
}

type RemindAssignmentsInput struct {
	ConfigurationID uuid.UUID
	AssignmentIDs   []uuid.UUID
	EventAt         time.Time
}

type RemindAssignmentsResult struct {
	Reminded      []uuid.UUID
	NonRemindable []uuid.UUID
}

type AcceptAssignmentInput struct {
	AssignmentID    uuid.UUID
	TransactionUUID uuid.UUID
	EventAt         time.Time
}

type AcceptAssignmentResult struct {
	AssignmentID uuid.UUID
	State        string
	AcceptedAt   time.Time
}

type ReverseAssignmentInput struct {
	TransactionUUID uuid.UUID
	EventAt         time.Time
}

type ReverseAssignmentResult struct {
	// Reversed is false when the transaction is unknown or the assignment
	// was not in an accepted state; AssignmentID is nil for unknown.
	Reversed     bool
	AssignmentID *uuid.UUID
	State        string
}

type ExpireAssignmentInput struct {
	AssignmentID uuid.UUID
	Reason       string
	// Modify false runs the decision without committing anything.
	Modify  bool
	EventAt time.Time
}

type ExpireAssignmentResult struct {
	AssignmentID uuid.UUID
	Expired      bool
	State        string
	ClearedPII   bool
}

type AcknowledgeAssignmentsInput struct {
	ConfigurationID uuid.UUID
	LMSUserID       int64
	AssignmentIDs   []uuid.UUID
	EventAt         time.Time
}

type AcknowledgeAssignmentsResult struct {
	Acknowledged        []uuid.UUID
	AlreadyAcknowledged []uuid.UUID
	Unacknowledged      []uuid.UUID
}

type RecordActionInput struct {
	AssignmentID uuid.UUID
	ActionType   string
	CompletedAt  time.Time
}

type RecordErroredActionInput struct {
	AssignmentID uuid.UUID
	ActionType   string
	Traceback    string
	FailedAt     time.Time
	// SetErroredState also transitions the assignment to errored in the
	// same transaction; used when an attempt has exhausted its retries.
	SetErroredState bool
}

type RecordActionResult struct {
	ActionID     uuid.UUID
	AssignmentID uuid.UUID
	ActionType   string
	ErrorReason  string
	CompletedAt  time.Time
}

type ClearPIIInput struct {
	AssignmentID uuid.UUID
	EventAt      time.Time
}

type ClearPIIResult struct {
	AssignmentID         uuid.UUID
	RetiredEmail         string
	HistoryRowsRewritten int
	ClearedAt            time.Time
}

type LinkLearnerInput struct {
	LMSUserID int64
	Email     string
	EventAt   time.Time
}

type LinkLearnerResult struct {
	LinkedAssignmentIDs []uuid.UUID
}
