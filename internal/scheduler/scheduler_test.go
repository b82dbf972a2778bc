package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderhq/elder/internal/config"
	"github.com/elderhq/elder/internal/connector"
	"github.com/elderhq/elder/internal/connector/mock"
	"github.com/elderhq/elder/internal/credentials"
	"github.com/elderhq/elder/internal/reconcile"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/internal/twoway"
	"github.com/elderhq/elder/pkg/models"
)

func testConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		TickInterval:  time.Second,
		MaxConcurrent: 4,
		JobTimeout:    time.Minute,
		MaxRetries:    3,
		RetryInitial:  30 * time.Second,
		RetryMax:      15 * time.Minute,
		ProviderRPS:   1000, // effectively unthrottled in tests
	}
}

func testScheduler(t *testing.T, st store.Store, conns ...connector.Connector) *Scheduler {
	t.Helper()
	reg := connector.NewRegistry()
	for _, c := range conns {
		require.NoError(t, reg.Register(c))
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := twoway.NewEngine(st, twoway.NewResolver(models.StrategyManual), logger)
	return New(st, reg, credentials.NewEnvResolver(), reconcile.New(st), engine, nil, testConfig(), logger)
}

func seedJob(t *testing.T, st store.Store, provider models.Provider, intervalSeconds int) *models.Job {
	t.Helper()
	now := time.Now().UTC()
	due := now.Add(-time.Minute)
	job := &models.Job{
		ID:               uuid.New(),
		Name:             "test job",
		Provider:         provider,
		Config:           []byte(`{}`),
		Credential:       models.CredentialRef{Type: "builtin"},
		Enabled:          true,
		ScheduleInterval: intervalSeconds,
		NextRunAt:        &due,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, st.CreateJob(context.Background(), job))
	return job
}

func observations(keys ...string) *models.SyncResult {
	result := &models.SyncResult{}
	for _, k := range keys {
		result.Observations = append(result.Observations, models.Observation{
			ProviderKey: k,
			Kind:        "host",
			Name:        k,
		})
	}
	return result
}

func TestRunJobNow_Success(t *testing.T) {
	st := store.NewMemoryStore()
	conn := mock.NewWithResult(observations("web-1", "web-2"))
	s := testScheduler(t, st, conn)
	job := seedJob(t, st, models.ProviderMock, 300)

	run, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)
	assert.Equal(t, 2, run.ItemsSynced)
	assert.Equal(t, 0, run.ItemsFailed)
	require.NotNil(t, run.CompletedAt)
	assert.Equal(t, int64(1), conn.DisconnectCalls.Load())

	runs, err := st.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(4*time.Minute)), "next run one interval out")
	assert.Equal(t, 0, got.RetryCount)
}

func TestRunJobNow_PartialFailures(t *testing.T) {
	st := store.NewMemoryStore()
	result := observations("web-1")
	result.PartialFailures = []models.ItemFailure{{ItemRef: "web-2", Reason: "malformed record"}}
	s := testScheduler(t, st, mock.NewWithResult(result))
	job := seedJob(t, st, models.ProviderMock, 300)

	run, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, run.Status)
	assert.Equal(t, 1, run.ItemsSynced)
	assert.Equal(t, 1, run.ItemsFailed)
	require.Len(t, run.FailedItems, 1)
	assert.Contains(t, run.FailedItems[0], "web-2")

	// A partial run still advances the watermark and resets the retry count.
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.LastRunAt)
	assert.Equal(t, 0, got.RetryCount)
}

func TestRunJobNow_TransientFailureSchedulesBackoff(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, mock.NewFailing(
		connector.NewTransientError("sync", errors.New("connection reset"))))
	job := seedJob(t, st, models.ProviderMock, 300)

	run, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)
	require.NotNil(t, run.ErrorDetail)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.LastRunAt, "failures do not advance the watermark")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()), "retry scheduled in the future")
	assert.True(t, got.NextRunAt.Before(time.Now().UTC().Add(time.Minute)),
		"first retry well inside the first backoff window")
}

func TestRunJobNow_PermanentFailureKeepsNaturalSchedule(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, mock.NewConnectFailing(
		connector.NewAuthError("connect", errors.New("invalid token"))))
	job := seedJob(t, st, models.ProviderMock, 300)

	run, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount, "permanent failures never enter the retry loop")
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(4*time.Minute)),
		"next attempt waits for the natural schedule")
}

func TestRunJobNow_RetryExhaustionResetsCount(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, mock.NewFailing(
		connector.NewTransientError("sync", errors.New("timeout"))))
	job := seedJob(t, st, models.ProviderMock, 300)
	// Simulate a job that already burned its retry budget.
	require.NoError(t, st.AdvanceJobWatermark(context.Background(), job.ID, nil, job.NextRunAt, testConfig().MaxRetries))

	_, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(4*time.Minute)),
		"exhausted job falls back to its natural schedule")
}

func TestRunJobNow_OneShotGoesDormant(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, mock.NewWithResult(observations("db-1")))
	job := seedJob(t, st, models.ProviderMock, 0)

	run, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, run.Status)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt, "one-shot job has no next run after a terminal run")
	assert.NotNil(t, got.LastRunAt)

	// History stays queryable after the job goes dormant.
	runs, err := st.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRunJobNow_OneShotPermanentFailureGoesDormant(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, mock.NewConnectFailing(
		connector.NewConfigError("connect", errors.New("missing base_url"))))
	job := seedJob(t, st, models.ProviderMock, 0)

	_, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)

	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
}

func TestRunJobNow_HealthCheckShortCircuitsSync(t *testing.T) {
	st := store.NewMemoryStore()
	conn := &mock.Connector{
		HealthCheckFunc: func(context.Context) bool { return false },
	}
	s := testScheduler(t, st, conn)
	job := seedJob(t, st, models.ProviderMock, 300)

	run, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailure, run.Status)
	assert.Equal(t, int64(0), conn.SyncCalls.Load(), "sync never attempted")
	assert.Equal(t, int64(1), conn.DisconnectCalls.Load(), "session still released")

	// An unhealthy provider is a transient condition.
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRunJobNow_DisconnectCalledAfterSyncFailure(t *testing.T) {
	st := store.NewMemoryStore()
	conn := mock.NewFailing(connector.NewTransientError("sync", errors.New("boom")))
	s := testScheduler(t, st, conn)
	job := seedJob(t, st, models.ProviderMock, 300)

	_, err := s.RunJobNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), conn.DisconnectCalls.Load())
}

func TestRunJobNow_DisabledJob(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, &mock.Connector{})
	job := seedJob(t, st, models.ProviderMock, 300)
	_, err := st.UpdateJob(context.Background(), job.ID, store.WithJobEnabled(false))
	require.NoError(t, err)

	_, err = s.RunJobNow(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobDisabled)
}

func TestTriggerNow_AtMostOneInFlight(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	conn := &mock.Connector{
		SyncFunc: func(ctx context.Context) (*models.SyncResult, error) {
			<-release
			return &models.SyncResult{}, nil
		},
	}
	s := testScheduler(t, st, conn)
	job := seedJob(t, st, models.ProviderMock, 300)

	correlationID, err := s.TriggerNow(context.Background(), job.ID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, correlationID)

	// The first run holds the in-flight slot until released.
	_, err = s.TriggerNow(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	close(release)
	s.wg.Wait()

	runs, err := st.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, correlationID, runs[0].CorrelationID)

	// Slot is free again after completion.
	_, err = s.TriggerNow(context.Background(), job.ID)
	require.NoError(t, err)
	s.wg.Wait()
}

func TestTriggerNow_PersistsDueMark(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	conn := &mock.Connector{
		SyncFunc: func(ctx context.Context) (*models.SyncResult, error) {
			<-release
			return &models.SyncResult{}, nil
		},
	}
	s := testScheduler(t, st, conn)
	job := seedJob(t, st, models.ProviderMock, 300)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.AdvanceJobWatermark(context.Background(), job.ID, nil, &future, 0))

	_, err := s.TriggerNow(context.Background(), job.ID)
	require.NoError(t, err)

	// The due mark lands before the run finishes, so an accepted trigger
	// that dies with the process is picked up again after restart.
	got, err := st.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRunAt)
	assert.False(t, got.NextRunAt.After(time.Now().UTC()), "trigger marks the job due immediately")

	close(release)
	s.wg.Wait()
}

// captureStore records the context state CreateRun is called with.
type captureStore struct {
	store.Store
	mu               sync.Mutex
	createRunCtxErrs []error
}

func (c *captureStore) CreateRun(ctx context.Context, run *models.Run) error {
	c.mu.Lock()
	c.createRunCtxErrs = append(c.createRunCtxErrs, ctx.Err())
	c.mu.Unlock()
	return c.Store.CreateRun(ctx, run)
}

func TestStop_PersistsInterruptedRun(t *testing.T) {
	mem := store.NewMemoryStore()
	cs := &captureStore{Store: mem}
	started := make(chan struct{})
	conn := &mock.Connector{
		SyncFunc: func(ctx context.Context) (*models.SyncResult, error) {
			close(started)
			<-ctx.Done()
			return nil, connector.NewTransientError("sync", ctx.Err())
		},
	}
	s := testScheduler(t, cs, conn)
	job := seedJob(t, cs, models.ProviderMock, 300)

	s.Start(context.Background())
	_, err := s.TriggerNow(context.Background(), job.ID)
	require.NoError(t, err)
	<-started
	s.Stop()

	// The interrupted run still leaves a failure record, persisted on a
	// live context even though the dispatch context is gone.
	runs, err := mem.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailure, runs[0].Status)

	cs.mu.Lock()
	defer cs.mu.Unlock()
	require.Len(t, cs.createRunCtxErrs, 1)
	assert.NoError(t, cs.createRunCtxErrs[0])

	got, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount, "shutdown mid-run counts as a transient failure")
}

func TestTriggerNow_UnknownJob(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, &mock.Connector{})

	_, err := s.TriggerNow(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestTick_DispatchesOnlyDueJobs(t *testing.T) {
	st := store.NewMemoryStore()
	s := testScheduler(t, st, mock.NewWithResult(observations("app-1")))

	due := seedJob(t, st, models.ProviderMock, 300)
	notDue := seedJob(t, st, models.ProviderMock, 300)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, st.AdvanceJobWatermark(context.Background(), notDue.ID, nil, &future, 0))

	s.tick(context.Background())
	s.wg.Wait()

	dueRuns, err := st.ListRuns(context.Background(), due.ID)
	require.NoError(t, err)
	assert.Len(t, dueRuns, 1)

	idleRuns, err := st.ListRuns(context.Background(), notDue.ID)
	require.NoError(t, err)
	assert.Empty(t, idleRuns)
}

func TestTick_SkipsInFlightJob(t *testing.T) {
	st := store.NewMemoryStore()
	release := make(chan struct{})
	conn := &mock.Connector{
		SyncFunc: func(ctx context.Context) (*models.SyncResult, error) {
			<-release
			return &models.SyncResult{}, nil
		},
	}
	s := testScheduler(t, st, conn)
	job := seedJob(t, st, models.ProviderMock, 300)

	s.tick(context.Background())
	require.True(t, s.running.Running(job.ID))

	// A second tick while the run is still going must not double-dispatch.
	s.tick(context.Background())

	close(release)
	s.wg.Wait()

	runs, err := st.ListRuns(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestRegistry_TryAcquireRelease(t *testing.T) {
	r := NewRunningJobRegistry()
	id := uuid.New()

	assert.True(t, r.TryAcquire(id))
	assert.False(t, r.TryAcquire(id))
	assert.True(t, r.Running(id))
	assert.Equal(t, 1, r.Len())

	r.Release(id)
	assert.False(t, r.Running(id))
	assert.True(t, r.TryAcquire(id))
}
