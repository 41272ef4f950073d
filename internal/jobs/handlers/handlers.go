// Package handlers wires the assignment task types into the worker runtime.
// Every handler loads its assignment, performs one side effect, and records
// the outcome as an action row through the aggregate, so the action log stays
// the single source of truth for what was attempted.
package handlers

import (
	"fmt"

	assignrepos "github.com/coursebridge/assignments-backend/internal/data/repos/assignments"
	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/services"
)

type Deps struct {
	Log          *logger.Logger
	Assignments  assignrepos.LearnerContentAssignmentRepo
	Aggregate    domainagg.AssignmentAggregate
	Notification services.NotificationService
	Metadata     services.ContentMetadataService
	Sweeps       services.SweepService
	// NudgeDays is the fallback days-before-start for nudge sweep tasks whose
	// payload omits it.
	NudgeDays int
}

func (d Deps) validate() error {
	if d.Log == nil {
		return fmt.Errorf("missing logger")
	}
	if d.Assignments == nil {
		return fmt.Errorf("missing assignment repo")
	}
	if d.Aggregate == nil {
		return fmt.Errorf("missing assignment aggregate")
	}
	if d.Notification == nil {
		return fmt.Errorf("missing notification service")
	}
	if d.Metadata == nil {
		return fmt.Errorf("missing metadata service")
	}
	if d.Sweeps == nil {
		return fmt.Errorf("missing sweep service")
	}
	return nil
}

// Register installs every assignment task handler on the registry.
func Register(reg *runtime.Registry, d Deps) error {
	if reg == nil {
		return fmt.Errorf("missing registry")
	}
	if err := d.validate(); err != nil {
		return err
	}
	for _, task := range emailTasks {
		if err := reg.Register(newEmailHandler(d, task)); err != nil {
			return err
		}
	}
	for _, sweep := range sweepTasks {
		if err := reg.Register(newSweepHandler(d, sweep)); err != nil {
			return err
		}
	}
	return reg.Register(newLinkLearnerHandler(d))
}
