package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dataagg "github.com/coursebridge/assignments-backend/internal/data/aggregates"
	assignrepos "github.com/coursebridge/assignments-backend/internal/data/repos/assignments"
	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	repotest "github.com/coursebridge/assignments-backend/internal/data/repos/testutil"
	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
)

func newAggregateForTest(tb testing.TB, tx *gorm.DB) domainagg.AssignmentAggregate {
	tb.Helper()
	log := repotest.Logger(tb)
	return dataagg.NewAssignmentAggregate(dataagg.AssignmentAggregateDeps{
		Base: dataagg.BaseDeps{
			DB:       tx,
			Log:      log,
			Runner:   dataagg.NewGormTxRunner(tx),
			CASGuard: dataagg.NewCASGuard(tx),
		},
		Configs:     assignrepos.NewAssignmentConfigurationRepo(tx, log),
		Assignments: assignrepos.NewLearnerContentAssignmentRepo(tx, log),
		Actions:     assignrepos.NewActionRepo(tx, log),
		History:     assignrepos.NewHistoryRepo(tx, log),
		Tasks:       jobrepos.NewTaskRunRepo(tx, log),
	})
}

func newEventServiceForTest(t *testing.T, tx *gorm.DB) AssignmentEventService {
	t.Helper()
	svc, err := NewAssignmentEventService(repotest.Logger(t), newAggregateForTest(t, tx))
	if err != nil {
		t.Fatalf("NewAssignmentEventService: %v", err)
	}
	return svc
}

func TestHandleLearnerRegisteredLinks(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	svc := newEventServiceForTest(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a1 := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "new-learner@example.com", "edX+DemoX", assignments.StateAllocated)
	a2 := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "NEW-LEARNER@example.com", "edX+OtherX", assignments.StateAllocated)
	repotest.SeedAssignment(t, ctx, tx, cfg.ID, "someone-else@example.com", "edX+DemoX", assignments.StateAllocated)

	res, err := svc.HandleLearnerRegistered(ctx, 4242, "new-learner@example.com", time.Now().UTC())
	if err != nil {
		t.Fatalf("HandleLearnerRegistered: %v", err)
	}
	if len(res.LinkedAssignmentIDs) != 2 {
		t.Fatalf("linked: want=2 got=%v", res.LinkedAssignmentIDs)
	}

	repo := assignrepos.NewLearnerContentAssignmentRepo(tx, repotest.Logger(t))
	for _, id := range []uuid.UUID{a1.ID, a2.ID} {
		row, err := repo.GetByID(dbctx.Context{Ctx: ctx}, id)
		if err != nil {
			t.Fatalf("reload %s: %v", id, err)
		}
		if row.LMSUserID == nil || *row.LMSUserID != 4242 {
			t.Fatalf("assignment %s not linked", id)
		}
	}

	// Delivery is at-least-once; a replay finds nothing left to link.
	res2, err := svc.HandleLearnerRegistered(ctx, 4242, "new-learner@example.com", time.Now().UTC())
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(res2.LinkedAssignmentIDs) != 0 {
		t.Fatalf("replay linked: want=0 got=%v", res2.LinkedAssignmentIDs)
	}
}

func TestHandleLearnerRegisteredValidation(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	svc := newEventServiceForTest(t, tx)

	if _, err := svc.HandleLearnerRegistered(context.Background(), 0, "a@example.com", time.Time{}); err == nil {
		t.Fatalf("zero lms user id should error")
	}
	if _, err := svc.HandleLearnerRegistered(context.Background(), 7, "   ", time.Time{}); err == nil {
		t.Fatalf("blank email should error")
	}
}

func TestHandleRedemptionCommittedAccepts(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	svc := newEventServiceForTest(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "a@example.com", "edX+DemoX", assignments.StateAllocated)
	txn := uuid.New()

	// Zero event time falls back to now.
	res, err := svc.HandleRedemptionCommitted(ctx, a.ID, txn, time.Time{})
	if err != nil {
		t.Fatalf("HandleRedemptionCommitted: %v", err)
	}
	if res.State != "accepted" {
		t.Fatalf("state: want=accepted got=%s", res.State)
	}

	if _, err := svc.HandleRedemptionCommitted(ctx, uuid.Nil, txn, time.Time{}); err == nil {
		t.Fatalf("nil assignment id should error")
	}
}

func TestHandleTransactionReversed(t *testing.T) {
	db := repotest.DB(t)
	tx := repotest.Tx(t, db)
	ctx := context.Background()
	svc := newEventServiceForTest(t, tx)

	cfg := repotest.SeedConfiguration(t, ctx, tx)
	a := repotest.SeedAssignment(t, ctx, tx, cfg.ID, "a@example.com", "edX+DemoX", assignments.StateAllocated)
	txn := uuid.New()
	if _, err := svc.HandleRedemptionCommitted(ctx, a.ID, txn, time.Now().UTC()); err != nil {
		t.Fatalf("accept: %v", err)
	}

	res, err := svc.HandleTransactionReversed(ctx, txn, time.Now().UTC())
	if err != nil {
		t.Fatalf("HandleTransactionReversed: %v", err)
	}
	if !res.Reversed || res.AssignmentID == nil || *res.AssignmentID != a.ID {
		t.Fatalf("result: %+v", res)
	}

	// Reversals for transactions that never landed on an assignment are
	// skipped quietly.
	res2, err := svc.HandleTransactionReversed(ctx, uuid.New(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unknown transaction: %v", err)
	}
	if res2.Reversed {
		t.Fatalf("unknown transaction should be a skip")
	}

	if _, err := svc.HandleTransactionReversed(ctx, uuid.Nil, time.Time{}); err == nil {
		t.Fatalf("nil transaction uuid should error")
	}
}
