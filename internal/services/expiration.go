package services

import (
	"time"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// DefaultAllocationWindow is how long an allocated assignment stays
// redeemable before the timeout candidate expires it.
const DefaultAllocationWindow = 90 * 24 * time.Hour

// Expiration is the resolver's verdict for one assignment: the earliest
// candidate instant and the reason that produced it. The reason gates PII
// clearing downstream, so it is as load-bearing as the date.
type Expiration struct {
	Date   time.Time
	Reason assignments.ExpirationReason
}

// ExpirationDateResolver picks the earliest of three candidate expiration
// instants: the policy's subsidy expiration, the content's enrollment
// deadline, and the allocation timeout. The timeout candidate always exists,
// so the result is never empty; external data can only move it earlier.
type ExpirationDateResolver struct {
	log    *logger.Logger
	window time.Duration
}

func NewExpirationDateResolver(baseLog *logger.Logger, window time.Duration) *ExpirationDateResolver {
	if window <= 0 {
		window = DefaultAllocationWindow
	}
	return &ExpirationDateResolver{
		log:    baseLog.With("service", "ExpirationDateResolver"),
		window: window,
	}
}

func (r *ExpirationDateResolver) Window() time.Duration { return r.window }

// Resolve computes the expiration verdict for one assignment from
// pre-fetched collaborator data. Ties between equal candidate dates go to
// the earlier entry in subsidy < enrollment < timeout order.
func (r *ExpirationDateResolver) Resolve(a *types.LearnerContentAssignment, subsidyExpiration *time.Time, md *catalog.ContentMetadata, now time.Time) Expiration {
	timeout := a.AllocationTimeoutAt(r.window)
	enrollment := DeadlineStrategyFor(a).EnrollmentDeadline(a, md, now)

	candidates := []struct {
		reason assignments.ExpirationReason
		date   *time.Time
	}{
		{assignments.ReasonSubsidyExpired, normalizeUTC(subsidyExpiration)},
		{assignments.ReasonEnrollmentDatePassed, normalizeUTC(enrollment)},
		{assignments.ReasonNinetyDaysPassed, normalizeUTC(&timeout)},
	}

	var best Expiration
	var have bool
	for _, c := range candidates {
		r.log.Info("assignment expiration candidate",
			"assignment_id", a.ID,
			"reason", string(c.reason),
			"date", candidateString(c.date),
		)
		if c.date == nil {
			continue
		}
		if !have || c.date.Before(best.Date) {
			best = Expiration{Date: *c.date, Reason: c.reason}
			have = true
		}
	}
	return best
}

func normalizeUTC(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func candidateString(t *time.Time) string {
	if t == nil {
		return "none"
	}
	return t.Format(time.RFC3339)
}
