package app

import (
	"fmt"

	"gorm.io/gorm"

	dataagg "github.com/coursebridge/assignments-backend/internal/data/aggregates"
	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/jobs/handlers"
	"github.com/coursebridge/assignments-backend/internal/jobs/runtime"
	"github.com/coursebridge/assignments-backend/internal/jobs/worker"
	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/services"
)

type Services struct {
	Aggregate    domainagg.AssignmentAggregate
	Query        services.AssignmentQueryService
	Events       services.AssignmentEventService
	Metadata     services.ContentMetadataService
	Notification services.NotificationService
	Resolver     *services.ExpirationDateResolver
	Sweeps       services.SweepService

	Registry  *runtime.Registry
	JobWorker *worker.Worker
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, r Repos, c Clients, metrics *observability.Metrics) (Services, error) {
	log.Info("Wiring services...")

	aggregate := dataagg.NewAssignmentAggregate(dataagg.AssignmentAggregateDeps{
		Base: dataagg.BaseDeps{
			DB:    db,
			Log:   log,
			Hooks: dataagg.NewObservabilityHooks(metrics),
		},
		Configs:     r.Configs,
		Assignments: r.Assignments,
		Actions:     r.Actions,
		History:     r.History,
		Tasks:       r.Tasks,
	})

	resolver := services.NewExpirationDateResolver(log, cfg.AllocationWindow)

	metadata, err := services.NewContentMetadataService(log, c.Catalog, c.Redis, cfg.MetadataTTL)
	if err != nil {
		return Services{}, fmt.Errorf("init metadata service: %w", err)
	}

	notification, err := services.NewNotificationService(log, c.Mail)
	if err != nil {
		return Services{}, fmt.Errorf("init notification service: %w", err)
	}

	query, err := services.NewAssignmentQueryService(db, log, r.Assignments)
	if err != nil {
		return Services{}, fmt.Errorf("init query service: %w", err)
	}

	events, err := services.NewAssignmentEventService(log, aggregate)
	if err != nil {
		return Services{}, fmt.Errorf("init event service: %w", err)
	}

	sweeps, err := services.NewSweepService(services.SweepServiceDeps{
		DB:          db,
		Log:         log,
		Configs:     r.Configs,
		Assignments: r.Assignments,
		Actions:     r.Actions,
		Tasks:       r.Tasks,
		Aggregate:   aggregate,
		Metadata:    metadata,
		Subsidy:     c.Subsidy,
		Resolver:    resolver,
		Concurrency: cfg.SweepConcurrency,
	})
	if err != nil {
		return Services{}, fmt.Errorf("init sweep service: %w", err)
	}

	registry := runtime.NewRegistry()
	if err := handlers.Register(registry, handlers.Deps{
		Log:          log,
		Assignments:  r.Assignments,
		Aggregate:    aggregate,
		Notification: notification,
		Metadata:     metadata,
		Sweeps:       sweeps,
		NudgeDays:    cfg.NudgeDaysBeforeStart,
	}); err != nil {
		return Services{}, fmt.Errorf("register task handlers: %w", err)
	}

	jobWorker := worker.New(log, r.Tasks, registry, worker.ConfigFromEnv())

	return Services{
		Aggregate:    aggregate,
		Query:        query,
		Events:       events,
		Metadata:     metadata,
		Notification: notification,
		Resolver:     resolver,
		Sweeps:       sweeps,
		Registry:     registry,
		JobWorker:    jobWorker,
	}, nil
}
