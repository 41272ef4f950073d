package services

import (
	"time"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	types "github.com/coursebridge/assignments-backend/internal/domain"
)

// DeadlineStrategy computes the enrollment deadline for one assignment from
// its content metadata. Implementations never error: missing or unusable
// metadata yields nil and the expiration resolver falls back to its other
// candidates.
type DeadlineStrategy interface {
	EnrollmentDeadline(a *types.LearnerContentAssignment, md *catalog.ContentMetadata, now time.Time) *time.Time
}

// DeadlineStrategyFor selects the strategy for an assignment. Credit-request
// assignments are course-level, so they stay redeemable while any run is
// still open; admin allocations are bound to their assigned run.
func DeadlineStrategyFor(a *types.LearnerContentAssignment) DeadlineStrategy {
	if a != nil && a.HasCreditRequest {
		return CreditRequestDeadlineStrategy{}
	}
	return DefaultDeadlineStrategy{}
}

// DefaultDeadlineStrategy reads the enroll-by date of the assignment's
// preferred course run, falling back to the advertised run's normalized
// metadata for legacy course-level assignments.
type DefaultDeadlineStrategy struct{}

func (DefaultDeadlineStrategy) EnrollmentDeadline(a *types.LearnerContentAssignment, md *catalog.ContentMetadata, _ time.Time) *time.Time {
	if a == nil || md == nil {
		return nil
	}
	if a.PreferredCourseRunKey != nil {
		if run, ok := md.NormalizedMetadataByRun[*a.PreferredCourseRunKey]; ok {
			return copyTime(run.EnrollByDate)
		}
	}
	return copyTime(md.NormalizedMetadata.EnrollByDate)
}

// CreditRequestDeadlineStrategy takes the latest enroll-by date across every
// run; if that is still in the future it wins, otherwise the default
// strategy's answer applies.
type CreditRequestDeadlineStrategy struct{}

func (CreditRequestDeadlineStrategy) EnrollmentDeadline(a *types.LearnerContentAssignment, md *catalog.ContentMetadata, now time.Time) *time.Time {
	if a == nil || md == nil {
		return nil
	}
	var latest *time.Time
	for _, run := range md.NormalizedMetadataByRun {
		if run.EnrollByDate == nil {
			continue
		}
		if latest == nil || run.EnrollByDate.After(*latest) {
			latest = run.EnrollByDate
		}
	}
	if latest != nil && latest.After(now) {
		return copyTime(latest)
	}
	return DefaultDeadlineStrategy{}.EnrollmentDeadline(a, md, now)
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
