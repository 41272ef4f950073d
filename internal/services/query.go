package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	assignrepos "github.com/coursebridge/assignments-backend/internal/data/repos/assignments"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

// AssignmentQueryService is the read surface for admin views: annotated
// assignment pages, the learner-state frequency table, and single-row loads
// with derived fields. It never writes, so it talks to repos directly
// instead of going through the aggregate.
type AssignmentQueryService interface {
	List(ctx context.Context, q assignrepos.ListQuery) ([]assignrepos.AnnotatedAssignment, int64, error)
	LearnerStateCounts(ctx context.Context, configurationID uuid.UUID) ([]types.LearnerStateCount, error)
	GetWithDerived(ctx context.Context, assignmentID uuid.UUID) (*assignrepos.AnnotatedAssignment, error)
}

type assignmentQueryService struct {
	db             *gorm.DB
	log            *logger.Logger
	assignmentRepo assignrepos.LearnerContentAssignmentRepo
}

func NewAssignmentQueryService(db *gorm.DB, baseLog *logger.Logger, assignmentRepo assignrepos.LearnerContentAssignmentRepo) (AssignmentQueryService, error) {
	if db == nil {
		return nil, fmt.Errorf("missing db")
	}
	if baseLog == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if assignmentRepo == nil {
		return nil, fmt.Errorf("missing assignment repo")
	}
	return &assignmentQueryService{
		db:             db,
		log:            baseLog.With("service", "AssignmentQueryService"),
		assignmentRepo: assignmentRepo,
	}, nil
}

func (s *assignmentQueryService) List(ctx context.Context, q assignrepos.ListQuery) ([]assignrepos.AnnotatedAssignment, int64, error) {
	if q.ConfigurationID == uuid.Nil {
		return nil, 0, fmt.Errorf("missing configuration id")
	}
	return s.assignmentRepo.ListAnnotated(dbctx.New(ctx), q)
}

func (s *assignmentQueryService) LearnerStateCounts(ctx context.Context, configurationID uuid.UUID) ([]types.LearnerStateCount, error) {
	if configurationID == uuid.Nil {
		return nil, fmt.Errorf("missing configuration id")
	}
	return s.assignmentRepo.LearnerStateCounts(dbctx.New(ctx), configurationID)
}

func (s *assignmentQueryService) GetWithDerived(ctx context.Context, assignmentID uuid.UUID) (*assignrepos.AnnotatedAssignment, error) {
	if assignmentID == uuid.Nil {
		return nil, fmt.Errorf("missing assignment id")
	}
	dbc := dbctx.New(ctx)

	a, err := s.assignmentRepo.GetByID(dbc, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("load assignment %s: %w", assignmentID, err)
	}

	factsByID, err := s.assignmentRepo.ActionFactsByAssignmentIDs(dbc, []uuid.UUID{assignmentID})
	if err != nil {
		return nil, fmt.Errorf("load action facts for %s: %w", assignmentID, err)
	}

	derived := assignments.Derive(a, factsByID[assignmentID])
	return &assignrepos.AnnotatedAssignment{
		Assignment:            a,
		RecentAction:          derived.RecentAction,
		RecentActionTime:      derived.RecentActionTime,
		LearnerState:          derived.LearnerState,
		LearnerStateSortOrder: derived.SortOrder,
		LearnerAcknowledged:   derived.LearnerAcknowledged,
	}, nil
}
