package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/platform/pointers"
)

func SeedConfiguration(tb testing.TB, ctx context.Context, tx *gorm.DB) *types.AssignmentConfiguration {
	tb.Helper()
	cfg := &types.AssignmentConfiguration{
		ID:                   uuid.New(),
		EnterpriseCustomerID: uuid.New(),
		Active:               true,
	}
	if err := tx.WithContext(ctx).Create(cfg).Error; err != nil {
		tb.Fatalf("seed configuration: %v", err)
	}
	return cfg
}

func SeedAssignment(tb testing.TB, ctx context.Context, tx *gorm.DB, configID uuid.UUID, email, contentKey string, state assignments.State) *types.LearnerContentAssignment {
	tb.Helper()
	now := time.Now().UTC()
	a := &types.LearnerContentAssignment{
		ID:                        uuid.New(),
		AssignmentConfigurationID: configID,
		LearnerEmail:              email,
		ContentKey:                contentKey,
		ContentTitle:              "Intro to Something",
		ContentQuantity:           -9900,
		State:                     state,
		AllocatedAt:               now,
	}
	switch state {
	case assignments.StateAccepted:
		a.AcceptedAt = PtrTime(now)
	case assignments.StateCancelled:
		a.CancelledAt = PtrTime(now)
	case assignments.StateExpired:
		a.ExpiredAt = PtrTime(now)
	case assignments.StateErrored:
		a.ErroredAt = PtrTime(now)
	case assignments.StateReversed:
		a.ReversedAt = PtrTime(now)
	}
	if err := tx.WithContext(ctx).Create(a).Error; err != nil {
		tb.Fatalf("seed assignment: %v", err)
	}
	return a
}

func SeedSuccessfulAction(tb testing.TB, ctx context.Context, tx *gorm.DB, assignmentID uuid.UUID, actionType assignments.ActionType, completedAt time.Time) *types.LearnerContentAssignmentAction {
	tb.Helper()
	act := assignments.NewSuccessfulAction(assignmentID, actionType, completedAt)
	if err := tx.WithContext(ctx).Create(act).Error; err != nil {
		tb.Fatalf("seed action: %v", err)
	}
	return act
}

func SeedErroredAction(tb testing.TB, ctx context.Context, tx *gorm.DB, assignmentID uuid.UUID, actionType assignments.ActionType) *types.LearnerContentAssignmentAction {
	tb.Helper()
	act := assignments.NewErroredAction(assignmentID, actionType, "Traceback (most recent call last): send failed")
	if err := tx.WithContext(ctx).Create(act).Error; err != nil {
		tb.Fatalf("seed errored action: %v", err)
	}
	return act
}

func PtrUUID(v uuid.UUID) *uuid.UUID { return pointers.Ptr(v) }

func PtrTime(v time.Time) *time.Time { return pointers.Ptr(v) }

func PtrInt64(v int64) *int64 { return pointers.Ptr(v) }
