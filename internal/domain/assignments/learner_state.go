package assignments

import "time"

// LearnerState is the admin-facing derived status projected from an
// assignment's state plus its action log. It is computed on every read and
// never stored; empty string means the assignment is intentionally not
// represented in admin views (accepted, cancelled, reversed).
type LearnerState string

const (
	LearnerStateNotifying LearnerState = "notifying"
	LearnerStateWaiting   LearnerState = "waiting"
	LearnerStateExpired   LearnerState = "expired"
	LearnerStateFailed    LearnerState = "failed"
)

// LearnerStateSortSentinel ranks after every real learner state.
const LearnerStateSortSentinel = 999

// SortOrder ranks learner states for admin list views: notifying first, then
// waiting, expired, failed. Anything else takes the sentinel.
func (s LearnerState) SortOrder() int {
	switch s {
	case LearnerStateNotifying:
		return 0
	case LearnerStateWaiting:
		return 1
	case LearnerStateExpired:
		return 2
	case LearnerStateFailed:
		return 3
	default:
		return LearnerStateSortSentinel
	}
}

// RecentAction labels the most recent administrative touch on an assignment.
type RecentAction string

const (
	RecentActionAssigned RecentAction = "assigned"
	RecentActionReminded RecentAction = "reminded"
)

// ActionFacts are the per-assignment action-log aggregates the derivation
// needs. They are produced either by the batched repo query or by
// FactsFromActions for rows already loaded in memory; both must agree.
type ActionFacts struct {
	HasSuccessfulNotified bool
	HasErroredNotified    bool
	// MostRecentReminder is max(completed_at) over successful reminded
	// actions, nil when the learner was never successfully reminded.
	MostRecentReminder *time.Time

	HasAcknowledgedExpired   bool
	HasAcknowledgedCancelled bool
}

// FactsFromActions reduces an assignment's loaded action rows to the
// aggregates used by Derive.
func FactsFromActions(actions []Action) ActionFacts {
	var facts ActionFacts
	for i := range actions {
		act := &actions[i]
		switch act.ActionType {
		case ActionNotified:
			if act.Succeeded() {
				facts.HasSuccessfulNotified = true
			} else if act.Failed() {
				facts.HasErroredNotified = true
			}
		case ActionReminded:
			if act.Succeeded() {
				if facts.MostRecentReminder == nil || act.CompletedAt.After(*facts.MostRecentReminder) {
					t := *act.CompletedAt
					facts.MostRecentReminder = &t
				}
			}
		case ActionExpiredAcknowledged:
			if act.Succeeded() {
				facts.HasAcknowledgedExpired = true
			}
		case ActionCancelledAcknowledged:
			if act.Succeeded() {
				facts.HasAcknowledgedCancelled = true
			}
		}
	}
	return facts
}

// Derived is the full set of query-time projected fields for one assignment.
type Derived struct {
	LearnerState     LearnerState
	SortOrder        int
	RecentAction     RecentAction
	RecentActionTime time.Time
	// LearnerAcknowledged is nil unless the assignment is expired or
	// cancelled, where acknowledgement is meaningful.
	LearnerAcknowledged *bool
}

// Derive computes the projected admin fields for one assignment from its
// action aggregates.
//
// recent_action compares allocated_at against the most recent successful
// reminder; the strictly later timestamp wins. Equal timestamps resolve to
// assigned, since a reminder sent in the same instant the assignment was
// (re)allocated cannot postdate the allocation.
func Derive(a *LearnerContentAssignment, facts ActionFacts) Derived {
	d := Derived{
		RecentAction:     RecentActionAssigned,
		RecentActionTime: a.AllocatedAt,
	}
	if facts.MostRecentReminder != nil && facts.MostRecentReminder.After(a.AllocatedAt) {
		d.RecentAction = RecentActionReminded
		d.RecentActionTime = *facts.MostRecentReminder
	}

	switch a.State {
	case StateAllocated:
		switch {
		case facts.HasSuccessfulNotified:
			d.LearnerState = LearnerStateWaiting
		case facts.HasErroredNotified:
			d.LearnerState = LearnerStateFailed
		default:
			d.LearnerState = LearnerStateNotifying
		}
	case StateExpired:
		ack := facts.HasAcknowledgedExpired
		d.LearnerState = LearnerStateExpired
		d.LearnerAcknowledged = &ack
	case StateErrored:
		d.LearnerState = LearnerStateFailed
	case StateCancelled:
		ack := facts.HasAcknowledgedCancelled
		d.LearnerAcknowledged = &ack
	}

	d.SortOrder = d.LearnerState.SortOrder()
	return d
}

// LearnerStateCount is one bucket of the aggregate frequency table exposed
// to admin list views. Assignments with an empty learner state are excluded
// from the table.
type LearnerStateCount struct {
	LearnerState LearnerState `json:"learner_state"`
	Count        int          `json:"count"`
}
