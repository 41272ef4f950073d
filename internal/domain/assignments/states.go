package assignments

// State is the persisted lifecycle state of a LearnerContentAssignment.
type State string

const (
	StateAllocated State = "allocated"
	StateAccepted  State = "accepted"
	StateCancelled State = "cancelled"
	StateErrored   State = "errored"
	StateExpired   State = "expired"
	StateReversed  State = "reversed"
)

// Transition sets. An assignment row is never deleted; it cycles back to
// allocated through re-allocation instead.
var (
	// ReallocatableStates may transition back to allocated when the same
	// learner+content pair is assigned again.
	ReallocatableStates = []State{StateCancelled, StateErrored, StateExpired, StateReversed}

	// CancelableStates may transition to cancelled.
	CancelableStates = []State{StateAllocated, StateErrored}

	// ExpirableStates are swept by the automatic expiration job.
	ExpirableStates = []State{StateAllocated, StateAccepted}

	// ReversibleStates may transition to reversed when a ledger transaction
	// is reversed.
	ReversibleStates = []State{StateAccepted}

	// AcceptableStates may transition to accepted on redemption.
	AcceptableStates = []State{StateAllocated}

	// RemindableStates may receive reminder notifications.
	RemindableStates = []State{StateAllocated}
)

func (s State) Valid() bool {
	switch s {
	case StateAllocated, StateAccepted, StateCancelled, StateErrored, StateExpired, StateReversed:
		return true
	}
	return false
}

func StateIn(s State, set []State) bool {
	for _, c := range set {
		if s == c {
			return true
		}
	}
	return false
}

func StateStrings(set []State) []string {
	out := make([]string, 0, len(set))
	for _, s := range set {
		out = append(out, string(s))
	}
	return out
}

// ActionType labels an attempted lifecycle side effect in the append-only
// action log.
type ActionType string

const (
	ActionLearnerLinked         ActionType = "learner_linked"
	ActionNotified              ActionType = "notified"
	ActionReminded              ActionType = "reminded"
	ActionRedeemed              ActionType = "redeemed"
	ActionCancelled             ActionType = "cancelled"
	ActionCancelledAcknowledged ActionType = "cancelled_acknowledged"
	ActionExpired               ActionType = "expired"
	ActionExpiredAcknowledged   ActionType = "expired_acknowledged"
	ActionReversed              ActionType = "reversed"
)

func (t ActionType) Valid() bool {
	switch t {
	case ActionLearnerLinked, ActionNotified, ActionReminded, ActionRedeemed,
		ActionCancelled, ActionCancelledAcknowledged, ActionExpired,
		ActionExpiredAcknowledged, ActionReversed:
		return true
	}
	return false
}

// ErrorReason classifies a failed action by the family of collaborator that
// failed, not by root cause; the traceback column carries the detail.
type ErrorReason string

const (
	ReasonEmailError       ErrorReason = "email_error"
	ReasonInternalAPIError ErrorReason = "internal_api_error"
	ReasonEnrollmentError  ErrorReason = "enrollment_error"
)

// ErrorReasonFor maps an action type to the error reason recorded when an
// attempt of that type fails. Linking hits internal platform APIs; redemption
// failures are enrollment failures; everything else is an email send.
func ErrorReasonFor(t ActionType) ErrorReason {
	switch t {
	case ActionLearnerLinked:
		return ReasonInternalAPIError
	case ActionRedeemed:
		return ReasonEnrollmentError
	default:
		return ReasonEmailError
	}
}

// ExpirationReason tags which of the three candidate dates drove an
// automatic expiration. The reason gates PII clearing downstream: only the
// ninety-day timeout scrubs learner email.
type ExpirationReason string

const (
	ReasonSubsidyExpired       ExpirationReason = "subsidy_expired"
	ReasonEnrollmentDatePassed ExpirationReason = "enrollment_date_passed"
	ReasonNinetyDaysPassed     ExpirationReason = "ninety_days_passed"
)
