// Package domain re-exports the persisted model types from their subdomain
// packages so data-layer code can reference them through one import.
package domain

import (
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	"github.com/coursebridge/assignments-backend/internal/domain/jobs"
)

type AssignmentConfiguration = assignments.AssignmentConfiguration
type LearnerContentAssignment = assignments.LearnerContentAssignment
type LearnerContentAssignmentAction = assignments.Action
type HistoricalLearnerContentAssignment = assignments.HistoricalLearnerContentAssignment

type ActionFacts = assignments.ActionFacts
type LearnerState = assignments.LearnerState
type LearnerStateCount = assignments.LearnerStateCount
type RecentAction = assignments.RecentAction

type TaskRun = jobs.TaskRun
