package services

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

func testLog(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return log
}

func newResolver(t *testing.T) *ExpirationDateResolver {
	t.Helper()
	return NewExpirationDateResolver(testLog(t), 0)
}

func allocatedAssignment(allocatedAt time.Time) *types.LearnerContentAssignment {
	return &types.LearnerContentAssignment{
		ID:          uuid.New(),
		State:       assignments.StateAllocated,
		AllocatedAt: allocatedAt,
	}
}

func TestResolveTimeoutBeatsLaterDeadlines(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	// Allocated 100 days ago: the timeout candidate is 10 days in the past
	// even though the enrollment deadline is still open.
	a := allocatedAssignment(now.AddDate(0, 0, -100))
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(now.AddDate(0, 0, 5))},
	}

	got := newResolver(t).Resolve(a, nil, md, now)
	if got.Reason != assignments.ReasonNinetyDaysPassed {
		t.Fatalf("reason: want=%s got=%s", assignments.ReasonNinetyDaysPassed, got.Reason)
	}
	want := a.AllocatedAt.Add(DefaultAllocationWindow)
	if !got.Date.Equal(want) {
		t.Fatalf("date: want=%v got=%v", want, got.Date)
	}
}

func TestResolveSubsidyExpirationWins(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now)
	subsidyEnd := now.AddDate(0, 0, 10)
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(now.AddDate(0, 0, 30))},
	}

	got := newResolver(t).Resolve(a, &subsidyEnd, md, now)
	if got.Reason != assignments.ReasonSubsidyExpired {
		t.Fatalf("reason: want=%s got=%s", assignments.ReasonSubsidyExpired, got.Reason)
	}
	if !got.Date.Equal(subsidyEnd) {
		t.Fatalf("date: want=%v got=%v", subsidyEnd, got.Date)
	}
}

func TestResolveEnrollmentDeadlineWins(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now)
	deadline := now.AddDate(0, 0, 7)
	subsidyEnd := now.AddDate(0, 0, 45)
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(deadline)},
	}

	got := newResolver(t).Resolve(a, &subsidyEnd, md, now)
	if got.Reason != assignments.ReasonEnrollmentDatePassed {
		t.Fatalf("reason: want=%s got=%s", assignments.ReasonEnrollmentDatePassed, got.Reason)
	}
	if !got.Date.Equal(deadline) {
		t.Fatalf("date: want=%v got=%v", deadline, got.Date)
	}
}

func TestResolveTimeoutAlwaysPresent(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now)

	// No subsidy, no metadata: the allocation timeout still yields a verdict.
	got := newResolver(t).Resolve(a, nil, nil, now)
	if got.Reason != assignments.ReasonNinetyDaysPassed {
		t.Fatalf("reason: want=%s got=%s", assignments.ReasonNinetyDaysPassed, got.Reason)
	}
	if !got.Date.Equal(a.AllocatedAt.Add(DefaultAllocationWindow)) {
		t.Fatalf("date: got=%v", got.Date)
	}
}

func TestResolveNeverLaterThanTimeout(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now.AddDate(0, 0, -10))
	ceiling := a.AllocatedAt.Add(DefaultAllocationWindow)

	// Both external candidates land past the timeout; neither can extend it.
	subsidyEnd := ceiling.AddDate(1, 0, 0)
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(ceiling.AddDate(0, 6, 0))},
	}

	got := newResolver(t).Resolve(a, &subsidyEnd, md, now)
	if got.Date.After(ceiling) {
		t.Fatalf("verdict %v exceeds allocation timeout %v", got.Date, ceiling)
	}
	if got.Reason != assignments.ReasonNinetyDaysPassed {
		t.Fatalf("reason: want=%s got=%s", assignments.ReasonNinetyDaysPassed, got.Reason)
	}
}

func TestResolveTieGoesToSubsidy(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now)
	same := a.AllocatedAt.Add(DefaultAllocationWindow)
	md := &catalog.ContentMetadata{
		NormalizedMetadata: catalog.NormalizedMetadata{EnrollByDate: tp(same)},
	}

	// All three candidates coincide: subsidy outranks enrollment outranks
	// timeout, and only subsidy keeps the learner email around.
	got := newResolver(t).Resolve(a, &same, md, now)
	if got.Reason != assignments.ReasonSubsidyExpired {
		t.Fatalf("tie reason: want=%s got=%s", assignments.ReasonSubsidyExpired, got.Reason)
	}

	got = newResolver(t).Resolve(a, nil, md, now)
	if got.Reason != assignments.ReasonEnrollmentDatePassed {
		t.Fatalf("tie reason without subsidy: want=%s got=%s", assignments.ReasonEnrollmentDatePassed, got.Reason)
	}
}

func TestResolveNormalizesToUTC(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now)
	loc := time.FixedZone("UTC+5", 5*3600)
	subsidyEnd := time.Date(2026, 6, 10, 5, 0, 0, 0, loc)

	got := newResolver(t).Resolve(a, &subsidyEnd, nil, now)
	if got.Date.Location() != time.UTC {
		t.Fatalf("verdict location: want=UTC got=%v", got.Date.Location())
	}
	if !got.Date.Equal(subsidyEnd) {
		t.Fatalf("date: want=%v got=%v", subsidyEnd, got.Date)
	}
}

func TestResolverWindowOverride(t *testing.T) {
	r := NewExpirationDateResolver(testLog(t), 30*24*time.Hour)
	if r.Window() != 30*24*time.Hour {
		t.Fatalf("window: got=%v", r.Window())
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	a := allocatedAssignment(now)
	got := r.Resolve(a, nil, nil, now)
	if !got.Date.Equal(a.AllocatedAt.Add(30 * 24 * time.Hour)) {
		t.Fatalf("short-window timeout: got=%v", got.Date)
	}
}
