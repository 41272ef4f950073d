package app

import (
	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/data/repos"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

type Repos struct {
	Configs     repos.AssignmentConfigurationRepo
	Assignments repos.LearnerContentAssignmentRepo
	Actions     repos.ActionRepo
	History     repos.HistoryRepo
	Tasks       repos.TaskRunRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		Configs:     repos.NewAssignmentConfigurationRepo(db, log),
		Assignments: repos.NewLearnerContentAssignmentRepo(db, log),
		Actions:     repos.NewActionRepo(db, log),
		History:     repos.NewHistoryRepo(db, log),
		Tasks:       repos.NewTaskRunRepo(db, log),
	}
}
