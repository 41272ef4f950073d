package services

import (
	"testing"
	"time"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	types "github.com/coursebridge/assignments-backend/internal/domain"
)

func tp(t time.Time) *time.Time { return &t }

func sp(s string) *string { return &s }

func TestDefaultStrategyPrefersAssignedRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	runDeadline := now.AddDate(0, 0, 14)
	advertised := now.AddDate(0, 0, 60)

	a := &types.LearnerContentAssignment{PreferredCourseRunKey: sp("course-v1:edX+DemoX+1T2026")}
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(advertised)},
		NormalizedMetadataByRun: map[string]catalog.NormalizedMetadata{
			"course-v1:edX+DemoX+1T2026": {EnrollByDate: tp(runDeadline)},
			"course-v1:edX+DemoX+2T2026": {EnrollByDate: tp(advertised)},
		},
	}

	got := DefaultDeadlineStrategy{}.EnrollmentDeadline(a, md, now)
	if got == nil || !got.Equal(runDeadline) {
		t.Fatalf("deadline: want=%v got=%v", runDeadline, got)
	}
	if got == md.NormalizedMetadataByRun["course-v1:edX+DemoX+1T2026"].EnrollByDate {
		t.Fatalf("deadline must be a copy, not the metadata's pointer")
	}
}

func TestDefaultStrategyCourseLevelFallsBackToAdvertisedRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	advertised := now.AddDate(0, 0, 30)

	// Legacy course-level assignment: no run pinned.
	a := &types.LearnerContentAssignment{}
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(advertised)},
		NormalizedMetadataByRun: map[string]catalog.NormalizedMetadata{
			"course-v1:edX+DemoX+1T2026": {EnrollByDate: tp(now.AddDate(0, 0, 7))},
		},
	}

	got := DefaultDeadlineStrategy{}.EnrollmentDeadline(a, md, now)
	if got == nil || !got.Equal(advertised) {
		t.Fatalf("deadline: want=%v got=%v", advertised, got)
	}

	// A pinned run the catalog no longer reports also falls back.
	a.PreferredCourseRunKey = sp("course-v1:edX+DemoX+RetiredRun")
	got = DefaultDeadlineStrategy{}.EnrollmentDeadline(a, md, now)
	if got == nil || !got.Equal(advertised) {
		t.Fatalf("retired run fallback: want=%v got=%v", advertised, got)
	}
}

func TestDefaultStrategyMissingMetadata(t *testing.T) {
	now := time.Now().UTC()
	a := &types.LearnerContentAssignment{}

	if got := (DefaultDeadlineStrategy{}).EnrollmentDeadline(a, nil, now); got != nil {
		t.Fatalf("nil metadata: want=nil got=%v", got)
	}
	if got := (DefaultDeadlineStrategy{}).EnrollmentDeadline(a, &catalog.ContentMetadata{}, now); got != nil {
		t.Fatalf("empty metadata: want=nil got=%v", got)
	}
	if got := (DefaultDeadlineStrategy{}).EnrollmentDeadline(nil, &catalog.ContentMetadata{}, now); got != nil {
		t.Fatalf("nil assignment: want=nil got=%v", got)
	}
}

func TestCreditRequestStrategyPicksLatestOpenRun(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	latest := now.AddDate(0, 0, 90)

	a := &types.LearnerContentAssignment{HasCreditRequest: true}
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(now.AddDate(0, 0, -1))},
		NormalizedMetadataByRun: map[string]catalog.NormalizedMetadata{
			"run-past":    {EnrollByDate: tp(now.AddDate(0, 0, -1))},
			"run-soon":    {EnrollByDate: tp(now.AddDate(0, 0, 60))},
			"run-latest":  {EnrollByDate: tp(latest)},
			"run-no-date": {},
		},
	}

	got := CreditRequestDeadlineStrategy{}.EnrollmentDeadline(a, md, now)
	if got == nil || !got.Equal(latest) {
		t.Fatalf("deadline: want=%v got=%v", latest, got)
	}
}

func TestCreditRequestStrategyAllRunsClosedFallsBack(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	advertised := now.AddDate(0, 0, -3)

	a := &types.LearnerContentAssignment{HasCreditRequest: true}
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(advertised)},
		NormalizedMetadataByRun: map[string]catalog.NormalizedMetadata{
			"run-a": {EnrollByDate: tp(now.AddDate(0, 0, -10))},
			"run-b": {EnrollByDate: tp(now.AddDate(0, 0, -5))},
		},
	}

	// Every run has closed, so the default strategy's (also past) answer
	// stands; the caller treats a past deadline as expired.
	got := CreditRequestDeadlineStrategy{}.EnrollmentDeadline(a, md, now)
	if got == nil || !got.Equal(advertised) {
		t.Fatalf("deadline: want=%v got=%v", advertised, got)
	}

	if got := (CreditRequestDeadlineStrategy{}).EnrollmentDeadline(a, &catalog.ContentMetadata{}, now); got != nil {
		t.Fatalf("no dates anywhere: want=nil got=%v", got)
	}
}

func TestDeadlineStrategyFor(t *testing.T) {
	if _, ok := DeadlineStrategyFor(&types.LearnerContentAssignment{HasCreditRequest: true}).(CreditRequestDeadlineStrategy); !ok {
		t.Fatalf("credit-request assignment should select CreditRequestDeadlineStrategy")
	}
	if _, ok := DeadlineStrategyFor(&types.LearnerContentAssignment{}).(DefaultDeadlineStrategy); !ok {
		t.Fatalf("plain assignment should select DefaultDeadlineStrategy")
	}
	if _, ok := DeadlineStrategyFor(nil).(DefaultDeadlineStrategy); !ok {
		t.Fatalf("nil assignment should select DefaultDeadlineStrategy")
	}
}
