package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// AssignmentEventService consumes platform events that touch assignments:
// learner registration (the only lms_user_id backfill path), subsidy ledger
// reversals, and redemption commits. Delivery is at-least-once, so every
// handler tolerates replays.
type AssignmentEventService interface {
	HandleLearnerRegistered(ctx context.Context, lmsUserID int64, email string, occurredAt time.Time) (domainagg.LinkLearnerResult, error)
	HandleTransactionReversed(ctx context.Context, transactionUUID uuid.UUID, occurredAt time.Time) (domainagg.ReverseAssignmentResult, error)
	HandleRedemptionCommitted(ctx context.Context, assignmentID, transactionUUID uuid.UUID, occurredAt time.Time) (domainagg.AcceptAssignmentResult, error)
}

type assignmentEventService struct {
	log       *logger.Logger
	aggregate domainagg.AssignmentAggregate
}

func NewAssignmentEventService(baseLog *logger.Logger, aggregate domainagg.AssignmentAggregate) (AssignmentEventService, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if aggregate == nil {
		return nil, fmt.Errorf("missing assignment aggregate")
	}
	return &assignmentEventService{
		log:       baseLog.With("service", "AssignmentEventService"),
		aggregate: aggregate,
	}, nil
}

func (s *assignmentEventService) HandleLearnerRegistered(ctx context.Context, lmsUserID int64, email string, occurredAt time.Time) (domainagg.LinkLearnerResult, error) {
	if lmsUserID <= 0 {
		return domainagg.LinkLearnerResult{}, fmt.Errorf("missing lms user id")
	}
	if strings.TrimSpace(email) == "" {
		return domainagg.LinkLearnerResult{}, fmt.Errorf("missing email")
	}

	res, err := s.aggregate.LinkLearner(ctx, domainagg.LinkLearnerInput{
		LMSUserID: lmsUserID,
		Email:     email,
		EventAt:   eventTime(occurredAt),
	})
	if err != nil {
		return domainagg.LinkLearnerResult{}, err
	}
	if len(res.LinkedAssignmentIDs) > 0 {
		s.log.Info("linked learner to assignments",
			"lms_user_id", lmsUserID,
			"linked", len(res.LinkedAssignmentIDs),
		)
	}
	return res, nil
}

func (s *assignmentEventService) HandleTransactionReversed(ctx context.Context, transactionUUID uuid.UUID, occurredAt time.Time) (domainagg.ReverseAssignmentResult, error) {
	if transactionUUID == uuid.Nil {
		return domainagg.ReverseAssignmentResult{}, fmt.Errorf("missing transaction uuid")
	}

	res, err := s.aggregate.Reverse(ctx, domainagg.ReverseAssignmentInput{
		TransactionUUID: transactionUUID,
		EventAt:         eventTime(occurredAt),
	})
	if err != nil {
		return domainagg.ReverseAssignmentResult{}, err
	}
	if !res.Reversed {
		// Replays and reversals of never-assigned transactions land here.
		s.log.Info("reversal event did not change any assignment",
			"transaction_uuid", transactionUUID,
			"state", res.State,
		)
	}
	return res, nil
}

func (s *assignmentEventService) HandleRedemptionCommitted(ctx context.Context, assignmentID, transactionUUID uuid.UUID, occurredAt time.Time) (domainagg.AcceptAssignmentResult, error) {
	if assignmentID == uuid.Nil {
		return domainagg.AcceptAssignmentResult{}, fmt.Errorf("missing assignment id")
	}
	if transactionUUID == uuid.Nil {
		return domainagg.AcceptAssignmentResult{}, fmt.Errorf("missing transaction uuid")
	}

	return s.aggregate.Accept(ctx, domainagg.AcceptAssignmentInput{
		AssignmentID:    assignmentID,
		TransactionUUID: transactionUUID,
		EventAt:         eventTime(occurredAt),
	})
}

func eventTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
