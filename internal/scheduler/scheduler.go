// Package scheduler owns the dispatch pipeline: it polls for due jobs,
// bounds concurrency, drives the connector lifecycle, routes results to the
// reconciler or the two-way engine, and appends run records.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/elderhq/elder/internal/cache"
	"github.com/elderhq/elder/internal/config"
	"github.com/elderhq/elder/internal/connector"
	"github.com/elderhq/elder/internal/credentials"
	"github.com/elderhq/elder/internal/reconcile"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/internal/twoway"
	"github.com/elderhq/elder/pkg/models"
)

var (
	// ErrAlreadyRunning is returned when a trigger arrives while a run for
	// the same job is still in flight.
	ErrAlreadyRunning = errors.New("job already has a run in flight")
	// ErrJobDisabled is returned when a disabled job is triggered.
	ErrJobDisabled = errors.New("job is disabled")
)

// runStatusTTL bounds how long a cached run status outlives its job going quiet.
const runStatusTTL = 24 * time.Hour

// Scheduler polls the store for due jobs and executes them. One instance per
// deployment; the RunningJobRegistry it owns is the single source of truth
// for in-flight runs.
type Scheduler struct {
	store      store.Store
	registry   *connector.Registry
	resolver   credentials.Resolver
	reconciler *reconcile.Reconciler
	engine     *twoway.Engine
	cache      cache.Cache
	cfg        config.SchedulerConfig
	policy     RetryPolicy
	running    *RunningJobRegistry
	sem        *semaphore.Weighted
	logger     *slog.Logger

	limiterMu sync.Mutex
	limiters  map[models.Provider]*rate.Limiter

	nowFn   func() time.Time
	baseCtx context.Context
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a Scheduler. The cache is optional; when nil, run status is
// only observable through the history endpoint.
func New(st store.Store, registry *connector.Registry, resolver credentials.Resolver,
	reconciler *reconcile.Reconciler, engine *twoway.Engine, c cache.Cache,
	cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:      st,
		registry:   registry,
		resolver:   resolver,
		reconciler: reconciler,
		engine:     engine,
		cache:      c,
		cfg:        cfg,
		policy: RetryPolicy{
			Initial:    cfg.RetryInitial,
			Max:        cfg.RetryMax,
			MaxRetries: cfg.MaxRetries,
		},
		running:  NewRunningJobRegistry(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		limiters: make(map[models.Provider]*rate.Limiter),
		logger:   logger,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
}

// Start launches the tick loop. It returns immediately; Stop blocks until
// the loop and all in-flight runs have drained.
func (s *Scheduler) Start(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.baseCtx = loopCtx

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.TickInterval)
		defer ticker.Stop()

		s.logger.Info("scheduler started",
			"tick_interval", s.cfg.TickInterval,
			"max_concurrent", s.cfg.MaxConcurrent)

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				s.tick(loopCtx)
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// tick picks every due job and dispatches each one asynchronously. Jobs with
// a run already in flight are skipped, not queued: they will be picked again
// on a later tick if still due.
func (s *Scheduler) tick(ctx context.Context) {
	jobs, err := s.store.ListDueJobs(ctx, s.nowFn())
	if err != nil {
		s.logger.Error("list due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		s.dispatchAsync(job, uuid.New())
	}
}

// TriggerNow requests an immediate run of a job and returns a correlation ID
// the caller can match against the run record later. The run itself happens
// asynchronously, detached from the caller's context: the trigger is
// accepted, not awaited.
func (s *Scheduler) TriggerNow(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return uuid.Nil, err
	}
	if !job.Enabled {
		return uuid.Nil, ErrJobDisabled
	}
	if !s.running.TryAcquire(job.ID) {
		return uuid.Nil, ErrAlreadyRunning
	}
	// The due mark is persisted before dispatch: an accepted trigger that
	// dies with the process is picked up by the tick loop after restart.
	if err := s.store.MarkJobDue(ctx, jobID, s.nowFn()); err != nil {
		s.running.Release(job.ID)
		return uuid.Nil, fmt.Errorf("mark job due: %w", err)
	}
	correlationID := uuid.New()
	s.spawn(job, correlationID)
	return correlationID, nil
}

// RunJobNow executes a job synchronously and returns its run record. Only
// the deprecated inline trigger path uses it; everything else goes through
// the async pipeline.
func (s *Scheduler) RunJobNow(ctx context.Context, jobID uuid.UUID) (*models.Run, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Enabled {
		return nil, ErrJobDisabled
	}
	if !s.running.TryAcquire(job.ID) {
		return nil, ErrAlreadyRunning
	}
	defer s.running.Release(job.ID)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire worker slot: %w", err)
	}
	defer s.sem.Release(1)

	run, transient := s.execute(ctx, job, uuid.New())
	s.finishRun(job, run, transient)
	return run, nil
}

// dispatchAsync reserves the job's in-flight slot and hands execution to a
// worker goroutine. Returns false if the job was already in flight.
func (s *Scheduler) dispatchAsync(job *models.Job, correlationID uuid.UUID) bool {
	if !s.running.TryAcquire(job.ID) {
		return false
	}
	s.spawn(job, correlationID)
	return true
}

// spawn runs one dispatch on a worker goroutine. The caller must already
// hold the job's in-flight slot. Workers execute under the scheduler's
// lifecycle context, never the trigger's: an HTTP trigger returns 202 and
// its request context dies immediately, but the accepted run has to finish
// and leave a run record.
func (s *Scheduler) spawn(job *models.Job, correlationID uuid.UUID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.running.Release(job.ID)

		ctx := s.workerContext()
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer s.sem.Release(1)

		if err := s.limiterFor(job.Provider).Wait(ctx); err != nil {
			return
		}

		run, transient := s.execute(ctx, job, correlationID)
		s.finishRun(job, run, transient)
	}()
}

func (s *Scheduler) workerContext() context.Context {
	if s.baseCtx != nil {
		return s.baseCtx
	}
	return context.Background()
}

// limiterFor returns the shared per-provider rate limiter, creating it on
// first use.
func (s *Scheduler) limiterFor(p models.Provider) *rate.Limiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	l, ok := s.limiters[p]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.ProviderRPS), 1)
		s.limiters[p] = l
	}
	return l
}

// execute drives one complete run attempt through the connector lifecycle
// and returns the run record plus whether a failure was transient. It never
// returns nil and never writes to the store; finishRun owns persistence.
func (s *Scheduler) execute(ctx context.Context, job *models.Job, correlationID uuid.UUID) (*models.Run, bool) {
	startedAt := s.nowFn()
	s.publishStatus(ctx, job.ID, "running")

	log := s.logger.With(
		"job_id", job.ID,
		"job_name", job.Name,
		"provider", job.Provider,
		"correlation_id", correlationID)
	log.Info("run started")

	runCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	conn, err := s.registry.Get(job.Provider)
	if err != nil {
		return s.failedRun(job, correlationID, startedAt, err), false
	}

	cred, err := s.resolver.Resolve(runCtx, job.Credential)
	if err != nil {
		return s.failedRun(job, correlationID, startedAt,
			connector.NewConfigError("resolve credential", err)), false
	}

	session, err := conn.Connect(runCtx, job.Config, cred)
	if err != nil {
		return s.failedRun(job, correlationID, startedAt, err), connector.IsTransient(err)
	}
	defer func() {
		// Disconnect gets its own deadline so a sync timeout cannot leak
		// the session.
		dctx, dcancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer dcancel()
		if err := session.Disconnect(dctx); err != nil {
			log.Warn("disconnect failed", "error", err)
		}
	}()

	if !session.HealthCheck(runCtx) {
		return s.failedRun(job, correlationID, startedAt,
			connector.NewTransientError("health check", errors.New("provider unhealthy"))), true
	}

	result, err := session.Sync(runCtx)
	if err != nil {
		return s.failedRun(job, correlationID, startedAt, err), connector.IsTransient(err)
	}

	synced, failures, err := s.applyResult(runCtx, job, session, result, startedAt)
	if err != nil {
		return s.failedRun(job, correlationID, startedAt, err), connector.IsTransient(err)
	}

	run := &models.Run{
		ID:            uuid.New(),
		JobID:         job.ID,
		CorrelationID: correlationID,
		Status:        models.RunStatusSuccess,
		ItemsSynced:   synced,
		ItemsFailed:   len(failures),
		StartedAt:     startedAt,
		CreatedAt:     s.nowFn(),
	}
	if len(failures) > 0 {
		run.Status = models.RunStatusPartial
		for _, f := range failures {
			run.FailedItems = append(run.FailedItems, fmt.Sprintf("%s: %s", f.ItemRef, f.Reason))
		}
	}
	completedAt := s.nowFn()
	run.CompletedAt = &completedAt

	log.Info("run completed",
		"status", run.Status,
		"items_synced", run.ItemsSynced,
		"items_failed", run.ItemsFailed,
		"duration", completedAt.Sub(startedAt))
	return run, false
}

// applyResult routes a sync result to the right consumer: project-management
// jobs go through the two-way engine, everything else through the one-way
// reconciler.
func (s *Scheduler) applyResult(ctx context.Context, job *models.Job, session connector.Session,
	result *models.SyncResult, observedAt time.Time) (int, []models.ItemFailure, error) {
	if job.Provider == models.ProviderPMTool {
		writer, _ := session.(twoway.ExternalWriter)
		outcome, err := s.engine.ProcessResult(ctx, job.Provider, result, writer, observedAt)
		if err != nil {
			return 0, nil, err
		}
		return outcome.Synced, outcome.Failures, nil
	}
	outcome, err := s.reconciler.Apply(ctx, job.Provider, result, observedAt)
	if err != nil {
		return 0, nil, err
	}
	return outcome.Synced(), outcome.Failures, nil
}

func (s *Scheduler) failedRun(job *models.Job, correlationID uuid.UUID, startedAt time.Time, cause error) *models.Run {
	detail := cause.Error()
	completedAt := s.nowFn()
	s.logger.Error("run failed",
		"job_id", job.ID,
		"provider", job.Provider,
		"correlation_id", correlationID,
		"transient", connector.IsTransient(cause),
		"error", cause)
	return &models.Run{
		ID:            uuid.New(),
		JobID:         job.ID,
		CorrelationID: correlationID,
		Status:        models.RunStatusFailure,
		ErrorDetail:   &detail,
		StartedAt:     startedAt,
		CompletedAt:   &completedAt,
		CreatedAt:     completedAt,
	}
}

// finishRun persists the run record and advances the job's watermark. The
// watermark rules:
//   - success or partial: last_run_at advances, retry count resets, the next
//     run lands one interval out (or never, for one-shot jobs)
//   - transient failure with retry budget left: schedule shifts to the
//     backoff delay, retry count increments, last_run_at is untouched
//   - permanent failure or exhausted retries: retry count resets and the job
//     falls back to its natural schedule
//
// Persistence runs on its own deadline: the dispatch context may already be
// canceled by shutdown, but the run record and watermark still have to land.
func (s *Scheduler) finishRun(job *models.Job, run *models.Run, transient bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.store.CreateRun(ctx, run); err != nil {
		s.logger.Error("persist run", "job_id", job.ID, "error", err)
	}
	s.publishStatus(ctx, job.ID, run.Status)

	now := s.nowFn()
	var lastRunAt, nextRunAt *time.Time
	retryCount := 0

	switch run.Status {
	case models.RunStatusSuccess, models.RunStatusPartial:
		lastRunAt = &run.StartedAt
		if !job.OneShot() {
			// Anchored at the run start so the watermark stays strictly
			// last_run_at + interval regardless of run duration.
			next := run.StartedAt.Add(job.Interval())
			nextRunAt = &next
		}
	default:
		retry := job.RetryCount + 1
		if transient && !s.policy.Exhausted(retry) {
			next := now.Add(s.policy.Delay(retry))
			nextRunAt = &next
			retryCount = retry
		} else {
			// Permanent error or retry budget spent: the attempt is
			// terminal. One-shot jobs go dormant; recurring jobs wait for
			// their natural schedule.
			if !job.OneShot() {
				next := now.Add(job.Interval())
				nextRunAt = &next
			}
		}
	}

	if err := s.store.AdvanceJobWatermark(ctx, job.ID, lastRunAt, nextRunAt, retryCount); err != nil {
		s.logger.Error("advance watermark", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) publishStatus(ctx context.Context, jobID uuid.UUID, status string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetRunStatus(ctx, jobID, status, runStatusTTL); err != nil {
		s.logger.Warn("publish run status", "job_id", jobID, "error", err)
	}
}
