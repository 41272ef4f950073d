package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	temporalsdkclient "go.temporal.io/sdk/client"
	"gorm.io/datatypes"

	"github.com/coursebridge/assignments-backend/internal/clients/redis"
	"github.com/coursebridge/assignments-backend/internal/data/repos"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
	"github.com/coursebridge/assignments-backend/internal/temporalx"
	"github.com/coursebridge/assignments-backend/internal/temporalx/sweeps"
)

// scheduler fires the three sweeps on their cron schedules. With a temporal
// client each tick starts a workflow (fixed IDs keep a sweep kind from
// overlapping itself); without one it enqueues a sweep task on the DB queue,
// deduped against runnable rows and guarded by a redis lock when available.
type scheduler struct {
	log       *logger.Logger
	cfg       Config
	tasks     repos.TaskRunRepo
	cache     redis.Cache
	temporal  temporalsdkclient.Client
	taskQueue string
	cron      *cron.Cron
}

func newScheduler(log *logger.Logger, cfg Config, tasks repos.TaskRunRepo, cache redis.Cache, temporal temporalsdkclient.Client) (*scheduler, error) {
	if tasks == nil {
		return nil, fmt.Errorf("missing task repo")
	}
	s := &scheduler{
		log:       log.With("component", "SweepScheduler"),
		cfg:       cfg,
		tasks:     tasks,
		cache:     cache,
		temporal:  temporal,
		taskQueue: temporalx.LoadConfig().TaskQueue,
		cron:      cron.New(),
	}

	entries := []struct {
		name string
		spec string
		fire func(ctx context.Context) error
	}{
		{"expire", cfg.ExpireCron, s.fireExpire},
		{"nudge", cfg.NudgeCron, s.fireNudge},
		{"clear_pii", cfg.ClearPIICron, s.fireClearPII},
	}
	for _, e := range entries {
		if _, err := s.cron.AddFunc(e.spec, func() { s.dispatch(e.name, e.fire) }); err != nil {
			return nil, fmt.Errorf("schedule %s sweep (%q): %w", e.name, e.spec, err)
		}
	}
	return s, nil
}

func (s *scheduler) Start() {
	mode := "task queue"
	if s.temporal != nil {
		mode = "temporal"
	}
	s.log.Info("sweep scheduler started",
		"mode", mode,
		"expire", s.cfg.ExpireCron,
		"nudge", s.cfg.NudgeCron,
		"clear_pii", s.cfg.ClearPIICron,
	)
	s.cron.Start()
}

// Stop waits for an in-flight dispatch to finish. Dispatches only enqueue or
// start workflows, so this returns quickly.
func (s *scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *scheduler) dispatch(name string, fire func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := fire(ctx); err != nil {
		s.log.Error("sweep dispatch failed", "sweep", name, "error", err)
	}
}

func (s *scheduler) fireExpire(ctx context.Context) error {
	if s.temporal != nil {
		return s.startWorkflow(ctx, "expire", func() error {
			return sweeps.StartExpire(ctx, s.temporal, s.taskQueue, sweeps.ExpireInput{})
		})
	}
	return s.enqueue(ctx, jobsdom.TaskExpireSweep, map[string]any{})
}

func (s *scheduler) fireNudge(ctx context.Context) error {
	if s.temporal != nil {
		return s.startWorkflow(ctx, "nudge", func() error {
			return sweeps.StartNudge(ctx, s.temporal, s.taskQueue, sweeps.NudgeInput{
				DaysBeforeStart: s.cfg.NudgeDaysBeforeStart,
			})
		})
	}
	return s.enqueue(ctx, jobsdom.TaskNudgeSweep, map[string]any{
		"days_before_start": s.cfg.NudgeDaysBeforeStart,
	})
}

func (s *scheduler) fireClearPII(ctx context.Context) error {
	if s.temporal != nil {
		return s.startWorkflow(ctx, "clear_pii", func() error {
			return sweeps.StartClearPII(ctx, s.temporal, s.taskQueue)
		})
	}
	return s.enqueue(ctx, jobsdom.TaskClearPIISweep, map[string]any{})
}

func (s *scheduler) startWorkflow(_ context.Context, name string, start func() error) error {
	err := start()
	if errors.Is(err, sweeps.ErrAlreadyRunning) {
		s.log.Info("sweep workflow already running, skipping", "sweep", name)
		return nil
	}
	return err
}

func (s *scheduler) enqueue(ctx context.Context, jobType string, payload map[string]any) error {
	if s.cache != nil {
		err := s.cache.WithLock(ctx, "sweep-cron:"+jobType, 30*time.Second, func(ctx context.Context) error {
			return s.enqueueOnce(ctx, jobType, payload)
		})
		if errors.Is(err, redis.ErrLockNotObtained) {
			s.log.Info("another instance holds the sweep lock, skipping", "job_type", jobType)
			return nil
		}
		return err
	}
	return s.enqueueOnce(ctx, jobType, payload)
}

func (s *scheduler) enqueueOnce(ctx context.Context, jobType string, payload map[string]any) error {
	dbc := dbctx.Context{Ctx: ctx}
	pending, err := s.tasks.HasRunnableOfType(dbc, jobType)
	if err != nil {
		return err
	}
	if pending {
		s.log.Info("sweep already queued, skipping", "job_type", jobType)
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := s.tasks.Create(dbc, []*types.TaskRun{{
		ID:      uuid.New(),
		JobType: jobType,
		Status:  jobsdom.TaskStatusQueued,
		Payload: datatypes.JSON(body),
	}}); err != nil {
		return err
	}
	s.log.Info("sweep enqueued", "job_type", jobType)
	return nil
}
