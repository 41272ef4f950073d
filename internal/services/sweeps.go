package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/coursebridge/assignments-backend/internal/clients/catalog"
	"github.com/coursebridge/assignments-backend/internal/clients/subsidy"
	assignrepos "github.com/coursebridge/assignments-backend/internal/data/repos/assignments"
	jobrepos "github.com/coursebridge/assignments-backend/internal/data/repos/jobs"
	types "github.com/coursebridge/assignments-backend/internal/domain"
	domainagg "github.com/coursebridge/assignments-backend/internal/domain/aggregates"
	"github.com/coursebridge/assignments-backend/internal/domain/assignments"
	jobsdom "github.com/coursebridge/assignments-backend/internal/domain/jobs"
	"github.com/coursebridge/assignments-backend/internal/observability"
	"github.com/coursebridge/assignments-backend/internal/platform/dbctx"
	"github.com/coursebridge/assignments-backend/internal/platform/logger"
)

const sweepPageSize = 100

var sweepTracer = otel.Tracer("assignments/sweeps")

// SweepService runs the scheduled batch passes over assignments: automatic
// expiration, exec-ed start-date nudges, and PII retirement. All three page
// configurations and assignments in stable created_at,id order; one bad
// assignment never aborts its page.
type SweepService interface {
	// ExpireAssignments applies the expiration resolver to every assignment
	// in an expirable state. dryRun logs the verdicts without committing.
	ExpireAssignments(ctx context.Context, dryRun bool) (ExpireSweepResult, error)

	// NudgeAssignments enqueues a nudge email for accepted exec-ed
	// assignments whose course starts exactly daysBeforeStart days from now.
	NudgeAssignments(ctx context.Context, daysBeforeStart int, dryRun bool) (NudgeSweepResult, error)

	// ClearExpiredPII retires learner email on assignments expired past the
	// allocation window whose expiration notice already went out.
	ClearExpiredPII(ctx context.Context) (ClearPIISweepResult, error)
}

type ExpireSweepResult struct {
	Configurations int
	Scanned        int
	Expired        int
	PIICleared     int
	Failed         int
}

type NudgeSweepResult struct {
	Configurations int
	Scanned        int
	Nudged         int
	Failed         int
}

type ClearPIISweepResult struct {
	Scanned int
	Cleared int
	Failed  int
}

type SweepServiceDeps struct {
	DB          *gorm.DB
	Log         *logger.Logger
	Configs     assignrepos.AssignmentConfigurationRepo
	Assignments assignrepos.LearnerContentAssignmentRepo
	Actions     assignrepos.ActionRepo
	Tasks       jobrepos.TaskRunRepo
	Aggregate   domainagg.AssignmentAggregate
	Metadata    ContentMetadataService
	// Subsidy may be nil; the subsidy expiration candidate is then skipped
	// and the resolver works from the remaining two.
	Subsidy     subsidy.Client
	Resolver    *ExpirationDateResolver
	Concurrency int
}

type sweepService struct {
	deps SweepServiceDeps
	log  *logger.Logger
}

func NewSweepService(deps SweepServiceDeps) (SweepService, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("missing db")
	}
	if deps.Log == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if deps.Configs == nil || deps.Assignments == nil || deps.Actions == nil || deps.Tasks == nil {
		return nil, fmt.Errorf("missing repos")
	}
	if deps.Aggregate == nil {
		return nil, fmt.Errorf("missing assignment aggregate")
	}
	if deps.Metadata == nil {
		return nil, fmt.Errorf("missing metadata service")
	}
	if deps.Resolver == nil {
		return nil, fmt.Errorf("missing expiration resolver")
	}
	if deps.Concurrency <= 0 {
		deps.Concurrency = 8
	}
	return &sweepService{
		deps: deps,
		log:  deps.Log.With("service", "SweepService"),
	}, nil
}

// ---------------------------------------------------------------------------
// expire sweep

func (s *sweepService) ExpireAssignments(ctx context.Context, dryRun bool) (ExpireSweepResult, error) {
	var res ExpireSweepResult
	ctx, span := sweepTracer.Start(ctx, "sweep.expire", oteltrace.WithAttributes(attribute.Bool("dry_run", dryRun)))
	defer span.End()
	now := time.Now().UTC()
	started := time.Now()

	err := s.eachActiveConfiguration(ctx, func(cfg *types.AssignmentConfiguration) error {
		counts, err := s.expireConfiguration(ctx, cfg, now, dryRun)
		res.Configurations++
		res.Scanned += counts.Scanned
		res.Expired += counts.Expired
		res.PIICleared += counts.PIICleared
		res.Failed += counts.Failed
		return err
	})
	observeSweep("expire", started, err, res.Scanned, res.Expired)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	s.log.Info("expire sweep finished",
		"dry_run", dryRun,
		"configurations", res.Configurations,
		"scanned", res.Scanned,
		"expired", res.Expired,
		"pii_cleared", res.PIICleared,
		"failed", res.Failed,
	)
	return res, nil
}

func (s *sweepService) expireConfiguration(ctx context.Context, cfg *types.AssignmentConfiguration, now time.Time, dryRun bool) (ExpireSweepResult, error) {
	var out ExpireSweepResult
	subsidyExpiration := s.subsidyExpirationFor(ctx, cfg)
	states := assignments.StateStrings(assignments.ExpirableStates)

	for offset := 0; ; offset += sweepPageSize {
		page, err := s.deps.Assignments.ListStatePage(dbctx.New(ctx), cfg.ID, states, offset, sweepPageSize)
		if err != nil {
			return out, fmt.Errorf("list expirable assignments for %s: %w", cfg.ID, err)
		}
		if len(page) == 0 {
			break
		}

		mdByKey := s.metadataForPage(ctx, page)

		var scanned, expired, cleared, failed int32
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.deps.Concurrency)
		for _, a := range page {
			a := a
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				atomic.AddInt32(&scanned, 1)

				verdict := s.deps.Resolver.Resolve(a, subsidyExpiration, mdByKey[a.ContentKeyForMetadata()], now)
				if verdict.Date.After(now) {
					return nil
				}
				res, err := s.deps.Aggregate.Expire(gctx, domainagg.ExpireAssignmentInput{
					AssignmentID: a.ID,
					Reason:       string(verdict.Reason),
					Modify:       !dryRun,
					EventAt:      now,
				})
				if err != nil {
					atomic.AddInt32(&failed, 1)
					s.log.Error("expire sweep: assignment failed",
						"assignment_id", a.ID, "reason", string(verdict.Reason), "error", err)
					return nil
				}
				if res.Expired {
					atomic.AddInt32(&expired, 1)
					if res.ClearedPII {
						atomic.AddInt32(&cleared, 1)
					}
					s.log.Info("assignment expired",
						"assignment_id", a.ID,
						"reason", string(verdict.Reason),
						"date", verdict.Date.Format(time.RFC3339),
						"dry_run", dryRun,
					)
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return out, err
		}
		out.Scanned += int(scanned)
		out.Expired += int(expired)
		out.PIICleared += int(cleared)
		out.Failed += int(failed)

		if len(page) < sweepPageSize {
			break
		}
	}
	return out, nil
}

func (s *sweepService) subsidyExpirationFor(ctx context.Context, cfg *types.AssignmentConfiguration) *time.Time {
	if s.deps.Subsidy == nil || cfg.SubsidyAccessPolicyID == nil {
		return nil
	}
	exp, err := s.deps.Subsidy.SubsidyExpiration(ctx, *cfg.SubsidyAccessPolicyID)
	if err != nil {
		// Degrade to the remaining candidates; the timeout still bounds it.
		s.log.Warn("subsidy expiration lookup failed",
			"configuration_id", cfg.ID,
			"policy_id", *cfg.SubsidyAccessPolicyID,
			"error", err,
		)
		return nil
	}
	return exp
}

func (s *sweepService) metadataForPage(ctx context.Context, page []*types.LearnerContentAssignment) map[string]*catalog.ContentMetadata {
	keys := make([]string, 0, len(page))
	for _, a := range page {
		keys = append(keys, a.ContentKeyForMetadata())
	}
	mdByKey, err := s.deps.Metadata.ContentMetadata(ctx, keys)
	if err != nil {
		s.log.Warn("content metadata fetch failed for sweep page", "keys", len(keys), "error", err)
		return map[string]*catalog.ContentMetadata{}
	}
	return mdByKey
}

// ---------------------------------------------------------------------------
// nudge sweep

func (s *sweepService) NudgeAssignments(ctx context.Context, daysBeforeStart int, dryRun bool) (NudgeSweepResult, error) {
	var res NudgeSweepResult
	if daysBeforeStart <= 0 {
		return res, fmt.Errorf("daysBeforeStart must be positive, got %d", daysBeforeStart)
	}
	ctx, span := sweepTracer.Start(ctx, "sweep.nudge", oteltrace.WithAttributes(
		attribute.Int("days_before_start", daysBeforeStart),
		attribute.Bool("dry_run", dryRun),
	))
	defer span.End()
	now := time.Now().UTC()
	targetDay := now.AddDate(0, 0, daysBeforeStart)
	started := time.Now()

	err := s.eachActiveConfiguration(ctx, func(cfg *types.AssignmentConfiguration) error {
		counts, err := s.nudgeConfiguration(ctx, cfg, targetDay, dryRun)
		res.Configurations++
		res.Scanned += counts.Scanned
		res.Nudged += counts.Nudged
		res.Failed += counts.Failed
		return err
	})
	observeSweep("nudge", started, err, res.Scanned, res.Nudged)
	if err != nil {
		span.RecordError(err)
		return res, err
	}

	s.log.Info("nudge sweep finished",
		"dry_run", dryRun,
		"days_before_start", daysBeforeStart,
		"configurations", res.Configurations,
		"scanned", res.Scanned,
		"nudged", res.Nudged,
		"failed", res.Failed,
	)
	return res, nil
}

func (s *sweepService) nudgeConfiguration(ctx context.Context, cfg *types.AssignmentConfiguration, targetDay time.Time, dryRun bool) (NudgeSweepResult, error) {
	var out NudgeSweepResult
	states := []string{string(assignments.StateAccepted)}

	for offset := 0; ; offset += sweepPageSize {
		page, err := s.deps.Assignments.ListStatePage(dbctx.New(ctx), cfg.ID, states, offset, sweepPageSize)
		if err != nil {
			return out, fmt.Errorf("list accepted assignments for %s: %w", cfg.ID, err)
		}
		if len(page) == 0 {
			break
		}

		mdByKey := s.metadataForPage(ctx, page)

		for _, a := range page {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			out.Scanned++

			md := mdByKey[a.ContentKeyForMetadata()]
			if md == nil || md.CourseType != catalog.CourseTypeExecEd {
				continue
			}
			start := startDateFor(a, md)
			if start == nil || !sameDay(*start, targetDay) {
				continue
			}

			if dryRun {
				out.Nudged++
				s.log.Info("nudge sweep: would enqueue nudge",
					"assignment_id", a.ID, "start_date", start.Format(time.RFC3339))
				continue
			}
			queued, err := s.enqueueNudge(ctx, a.ID)
			if err != nil {
				out.Failed++
				s.log.Error("nudge sweep: enqueue failed", "assignment_id", a.ID, "error", err)
				continue
			}
			if queued {
				out.Nudged++
			}
		}

		if len(page) < sweepPageSize {
			break
		}
	}
	return out, nil
}

func startDateFor(a *types.LearnerContentAssignment, md *catalog.ContentMetadata) *time.Time {
	norm := md.NormalizedMetadata
	if a.PreferredCourseRunKey != nil {
		if run, ok := md.NormalizedMetadataByRun[*a.PreferredCourseRunKey]; ok {
			norm = run
		}
	}
	return norm.StartDate
}

func sameDay(a, b time.Time) bool {
	au, bu := a.UTC(), b.UTC()
	return au.Year() == bu.Year() && au.Month() == bu.Month() && au.Day() == bu.Day()
}

func (s *sweepService) enqueueNudge(ctx context.Context, assignmentID uuid.UUID) (bool, error) {
	dbc := dbctx.New(ctx)
	pending, err := s.deps.Tasks.HasRunnableForEntity(dbc, jobsdom.TaskEntityAssignment, assignmentID, jobsdom.TaskNudgeEmail)
	if err != nil {
		return false, err
	}
	if pending {
		return false, nil
	}

	id := assignmentID
	payload, _ := json.Marshal(map[string]string{"assignment_id": id.String()})
	_, err = s.deps.Tasks.Create(dbc, []*types.TaskRun{{
		ID:         uuid.New(),
		JobType:    jobsdom.TaskNudgeEmail,
		EntityType: jobsdom.TaskEntityAssignment,
		EntityID:   &id,
		Status:     jobsdom.TaskStatusQueued,
		Payload:    datatypes.JSON(payload),
	}})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---------------------------------------------------------------------------
// pii sweep

func (s *sweepService) ClearExpiredPII(ctx context.Context) (ClearPIISweepResult, error) {
	ctx, span := sweepTracer.Start(ctx, "sweep.clear_pii")
	defer span.End()
	started := time.Now()
	res, err := s.clearExpiredPII(ctx)
	observeSweep("clear_pii", started, err, res.Scanned, res.Cleared)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (s *sweepService) clearExpiredPII(ctx context.Context) (ClearPIISweepResult, error) {
	var res ClearPIISweepResult
	now := time.Now().UTC()
	cutoff := now.Add(-s.deps.Resolver.Window())

	// Candidates shrink as PII gets cleared, so each iteration re-reads the
	// first page instead of advancing an offset.
	for {
		page, err := s.deps.Assignments.ListPIIClearCandidates(dbctx.New(ctx), cutoff, 0, sweepPageSize)
		if err != nil {
			return res, fmt.Errorf("list pii clear candidates: %w", err)
		}
		if len(page) == 0 {
			break
		}

		ids := make([]uuid.UUID, 0, len(page))
		for _, a := range page {
			ids = append(ids, a.ID)
		}
		// Only assignments whose expiration notice went out get scrubbed;
		// the rest stay until the expire-email task lands.
		notified, err := s.deps.Actions.AssignmentIDsWithSuccessfulAction(dbctx.New(ctx), ids, string(assignments.ActionExpired))
		if err != nil {
			return res, fmt.Errorf("filter notified candidates: %w", err)
		}
		notifiedSet := make(map[uuid.UUID]bool, len(notified))
		for _, id := range notified {
			notifiedSet[id] = true
		}

		cleared := 0
		for _, a := range page {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Scanned++
			if !notifiedSet[a.ID] {
				continue
			}
			if _, err := s.deps.Aggregate.ClearPII(ctx, domainagg.ClearPIIInput{
				AssignmentID: a.ID,
				EventAt:      now,
			}); err != nil {
				res.Failed++
				s.log.Error("pii sweep: clear failed", "assignment_id", a.ID, "error", err)
				continue
			}
			cleared++
			res.Cleared++
		}

		// Nothing in this page was eligible, so re-reading would loop
		// forever; stop and let the next scheduled run retry.
		if cleared == 0 {
			break
		}
	}

	s.log.Info("pii sweep finished",
		"scanned", res.Scanned,
		"cleared", res.Cleared,
		"failed", res.Failed,
	)
	return res, nil
}

// ---------------------------------------------------------------------------

func observeSweep(name string, started time.Time, err error, examined, transitioned int) {
	metrics := observability.Current()
	if metrics == nil {
		return
	}
	status := "completed"
	if err != nil {
		status = "failed"
	}
	metrics.ObserveSweep(name, status, time.Since(started), examined, transitioned)
}

func (s *sweepService) eachActiveConfiguration(ctx context.Context, fn func(cfg *types.AssignmentConfiguration) error) error {
	for offset := 0; ; offset += sweepPageSize {
		configs, err := s.deps.Configs.ListActivePage(dbctx.New(ctx), offset, sweepPageSize)
		if err != nil {
			return fmt.Errorf("list active configurations: %w", err)
		}
		if len(configs) == 0 {
			return nil
		}
		for _, cfg := range configs {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := fn(cfg); err != nil {
				return err
			}
		}
		if len(configs) < sweepPageSize {
			return nil
		}
	}
}
