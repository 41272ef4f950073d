package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/coursebridge/assignments-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	if err := db.AutoMigrate(

		// =========================
		// Assignment lifecycle
		// =========================
		&types.AssignmentConfiguration{},
		&types.LearnerContentAssignment{},
		&types.LearnerContentAssignmentAction{},
		&types.HistoricalLearnerContentAssignment{},

		// =========================
		// Background work
		// =========================
		&types.TaskRun{},
	); err != nil {
		return fmt.Errorf("auto-migrate failed: %w", err)
	}

	return applyUniqueIndexes(db)
}

// applyUniqueIndexes creates the duplicate-allocation guards AutoMigrate
// cannot express: one expression index over the lowercased learner email and
// one partial index scoped to linked learners. Both dialects we run on
// support partial and expression indexes.
func applyUniqueIndexes(db *gorm.DB) error {
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_assignment_config_email_content
			ON learner_content_assignment (assignment_configuration_id, lower(learner_email), content_key)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS uniq_assignment_config_lms_user_content
			ON learner_content_assignment (assignment_configuration_id, lms_user_id, content_key)
			WHERE lms_user_id IS NOT NULL`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("create unique index failed: %w", err)
		}
	}
	return nil
}
