package repos

import (
	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/data/repos/assignments"
	"github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

type AssignmentConfigurationRepo = assignments.AssignmentConfigurationRepo
type LearnerContentAssignmentRepo = assignments.LearnerContentAssignmentRepo
type ActionRepo = assignments.ActionRepo
type HistoryRepo = assignments.HistoryRepo

type TaskRunRepo = jobs.TaskRunRepo

type ListQuery = assignments.ListQuery
type AnnotatedAssignment = assignments.AnnotatedAssignment

func NewAssignmentConfigurationRepo(db *gorm.DB, baseLog *logger.Logger) AssignmentConfigurationRepo {
	return assignments.NewAssignmentConfigurationRepo(db, baseLog)
}

func NewLearnerContentAssignmentRepo(db *gorm.DB, baseLog *logger.Logger) LearnerContentAssignmentRepo {
	return assignments.NewLearnerContentAssignmentRepo(db, baseLog)
}

func NewActionRepo(db *gorm.DB, baseLog *logger.Logger) ActionRepo {
	return assignments.NewActionRepo(db, baseLog)
}

func NewHistoryRepo(db *gorm.DB, baseLog *logger.Logger) HistoryRepo {
	return assignments.NewHistoryRepo(db, baseLog)
}

func NewTaskRunRepo(db *gorm.DB, baseLog *logger.Logger) TaskRunRepo {
	return jobs.NewTaskRunRepo(db, baseLog)
}
