// Package sweeps provides the Temporal rendition of the scheduled assignment
// sweeps. Each workflow wraps one sweep service pass in an activity with a
// retry policy, so a flaky collaborator retries the whole pass instead of
// leaving it half-finished without a record.
package sweeps

// Workflow and activity registration names. Fixed workflow IDs derive from
// these so a sweep kind never runs concurrently with itself.
const (
	WorkflowExpire   = "assignments_expire_sweep"
	WorkflowNudge    = "assignments_nudge_sweep"
	WorkflowClearPII = "assignments_clear_pii_sweep"

	ActivityExpire   = "assignments_expire_sweep_run"
	ActivityNudge    = "assignments_nudge_sweep_run"
	ActivityClearPII = "assignments_clear_pii_sweep_run"
)

type ExpireInput struct {
	DryRun bool `json:"dry_run"`
}

type NudgeInput struct {
	DaysBeforeStart int  `json:"days_before_start"`
	DryRun          bool `json:"dry_run"`
}
