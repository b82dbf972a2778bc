package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/elderhq/elder/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, name, provider, config, credential_type, credential_ref, enabled,
	 schedule_interval, last_run_at, next_run_at, retry_count, deleted_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Name, &j.Provider, &j.Config, &j.Credential.Type, &j.Credential.Ref,
		&j.Enabled, &j.ScheduleInterval, &j.LastRunAt, &j.NextRunAt, &j.RetryCount,
		&j.DeletedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, name, provider, config, credential_type, credential_ref, enabled,
		   schedule_interval, last_run_at, next_run_at, retry_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID, job.Name, job.Provider, job.Config, job.Credential.Type, job.Credential.Ref,
		job.Enabled, job.ScheduleInterval, job.LastRunAt, job.NextRunAt, job.RetryCount,
		job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1 AND deleted_at IS NULL`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	conditions := []string{"deleted_at IS NULL"}
	var args []any
	argIdx := 1

	if filter.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("provider = $%d", argIdx))
		args = append(args, filter.Provider)
		argIdx++
	}
	if filter.Enabled != nil {
		conditions = append(conditions, fmt.Sprintf("enabled = $%d", argIdx))
		args = append(args, *filter.Enabled)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM jobs WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit, offset := normalizePagination(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT `+jobColumns+` FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, total, rows.Err()
}

func (s *PostgresStore) ListDueJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE enabled = TRUE AND deleted_at IS NULL AND next_run_at IS NOT NULL AND next_run_at <= $1
		 ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	query := `UPDATE jobs SET updated_at = NOW()`
	args := []any{id}
	argIdx := 2

	if params.Name != nil {
		query += fmt.Sprintf(", name = $%d", argIdx)
		args = append(args, *params.Name)
		argIdx++
	}
	if params.Enabled != nil {
		query += fmt.Sprintf(", enabled = $%d", argIdx)
		args = append(args, *params.Enabled)
		argIdx++
	}
	if params.Config != nil {
		query += fmt.Sprintf(", config = $%d", argIdx)
		args = append(args, *params.Config)
		argIdx++
	}
	if params.Credential != nil {
		query += fmt.Sprintf(", credential_type = $%d, credential_ref = $%d", argIdx, argIdx+1)
		args = append(args, params.Credential.Type, params.Credential.Ref)
		argIdx += 2
	}
	if params.ScheduleInterval != nil {
		query += fmt.Sprintf(", schedule_interval = $%d", argIdx)
		args = append(args, *params.ScheduleInterval)
		argIdx++
	}

	query += " WHERE id = $1 AND deleted_at IS NULL RETURNING " + jobColumns

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) AdvanceJobWatermark(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time, retryCount int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET last_run_at = COALESCE($2, last_run_at), next_run_at = $3,
		   retry_count = $4, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`,
		id, lastRunAt, nextRunAt, retryCount)
	if err != nil {
		return fmt.Errorf("advance job watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkJobDue(ctx context.Context, id uuid.UUID, now time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET next_run_at = $2, updated_at = NOW() WHERE id = $1 AND deleted_at IS NULL`,
		id, now)
	if err != nil {
		return fmt.Errorf("mark job due: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SoftDeleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET deleted_at = NOW(), enabled = FALSE, updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("soft delete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Runs ---

func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_runs (id, job_id, correlation_id, status, items_synced, items_failed,
		   error_detail, failed_items, started_at, completed_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		run.ID, run.JobID, run.CorrelationID, run.Status, run.ItemsSynced, run.ItemsFailed,
		run.ErrorDetail, run.FailedItems, run.StartedAt, run.CompletedAt, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, jobID uuid.UUID) ([]*models.Run, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, correlation_id, status, items_synced, items_failed,
		   error_detail, failed_items, started_at, completed_at, created_at
		 FROM job_runs WHERE job_id = $1 ORDER BY started_at ASC, created_at ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		var r models.Run
		if err := rows.Scan(&r.ID, &r.JobID, &r.CorrelationID, &r.Status, &r.ItemsSynced,
			&r.ItemsFailed, &r.ErrorDetail, &r.FailedItems, &r.StartedAt, &r.CompletedAt,
			&r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, rows.Err()
}

// --- Entities ---

func (s *PostgresStore) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	var e models.Entity
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, provider_key, kind, name, attributes, first_seen_at, last_observed_at, created_at, updated_at
		 FROM entities WHERE id = $1`, id,
	).Scan(&e.ID, &e.Provider, &e.ProviderKey, &e.Kind, &e.Name, &e.Attributes,
		&e.FirstSeenAt, &e.LastObservedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) GetEntityByProviderKey(ctx context.Context, provider models.Provider, key string) (*models.Entity, error) {
	var e models.Entity
	err := s.pool.QueryRow(ctx,
		`SELECT id, provider, provider_key, kind, name, attributes, first_seen_at, last_observed_at, created_at, updated_at
		 FROM entities WHERE provider = $1 AND provider_key = $2`, provider, key,
	).Scan(&e.ID, &e.Provider, &e.ProviderKey, &e.Kind, &e.Name, &e.Attributes,
		&e.FirstSeenAt, &e.LastObservedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity by provider key: %w", err)
	}
	return &e, nil
}

func (s *PostgresStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, provider, provider_key, kind, name, attributes,
		   first_seen_at, last_observed_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.Provider, e.ProviderKey, e.Kind, e.Name, e.Attributes,
		e.FirstSeenAt, e.LastObservedAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create entity: %w", err)
	}
	return nil
}

// UpdateEntityObservation stamps updated_at from the observation time, not
// the write time, so a pull applied by the sync engine does not read as a
// local edit on the following pass.
func (s *PostgresStore) UpdateEntityObservation(ctx context.Context, id uuid.UUID, name string, attrs map[string]string, observedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entities SET name = $2, attributes = $3, last_observed_at = $4, updated_at = $4
		 WHERE id = $1`, id, name, attrs, observedAt)
	if err != nil {
		return fmt.Errorf("update entity observation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter EntityFilter) ([]*models.Entity, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Provider != "" {
		conditions = append(conditions, fmt.Sprintf("provider = $%d", argIdx))
		args = append(args, filter.Provider)
		argIdx++
	}
	if filter.Kind != "" {
		conditions = append(conditions, fmt.Sprintf("kind = $%d", argIdx))
		args = append(args, filter.Kind)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM entities WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count entities: %w", err)
	}

	limit, offset := normalizePagination(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT id, provider, provider_key, kind, name, attributes, first_seen_at, last_observed_at, created_at, updated_at
		 FROM entities WHERE %s ORDER BY last_observed_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list entities: %w", err)
	}
	defer rows.Close()

	var entities []*models.Entity
	for rows.Next() {
		var e models.Entity
		if err := rows.Scan(&e.ID, &e.Provider, &e.ProviderKey, &e.Kind, &e.Name, &e.Attributes,
			&e.FirstSeenAt, &e.LastObservedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan entity: %w", err)
		}
		entities = append(entities, &e)
	}
	return entities, total, rows.Err()
}

func (s *PostgresStore) UpsertEntityEdge(ctx context.Context, sourceID, targetID uuid.UUID, relation string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entity_edges (id, source_id, target_id, relation, created_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (source_id, target_id, relation) DO NOTHING`,
		uuid.New(), sourceID, targetID, relation)
	if err != nil {
		return fmt.Errorf("upsert entity edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEntityEdges(ctx context.Context, sourceID uuid.UUID) ([]*models.EntityEdge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, source_id, target_id, relation, created_at
		 FROM entity_edges WHERE source_id = $1 ORDER BY created_at ASC`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("list entity edges: %w", err)
	}
	defer rows.Close()

	var edges []*models.EntityEdge
	for rows.Next() {
		var e models.EntityEdge
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &e.Relation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan entity edge: %w", err)
		}
		edges = append(edges, &e)
	}
	return edges, rows.Err()
}

// --- Sync Mappings ---

func (s *PostgresStore) CreateSyncMapping(ctx context.Context, m *models.SyncMapping) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sync_mappings (id, entity_id, provider, external_id, sync_status, strategy,
		   local_updated_at, external_updated_at, last_synced_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		m.ID, m.EntityID, m.Provider, m.ExternalID, m.SyncStatus, m.Strategy,
		m.LocalUpdatedAt, m.ExternalUpdatedAt, m.LastSyncedAt, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create sync mapping: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSyncMappingByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.SyncMapping, error) {
	var m models.SyncMapping
	err := s.pool.QueryRow(ctx,
		`SELECT id, entity_id, provider, external_id, sync_status, strategy,
		   local_updated_at, external_updated_at, last_synced_at, created_at, updated_at
		 FROM sync_mappings WHERE provider = $1 AND external_id = $2`, provider, externalID,
	).Scan(&m.ID, &m.EntityID, &m.Provider, &m.ExternalID, &m.SyncStatus, &m.Strategy,
		&m.LocalUpdatedAt, &m.ExternalUpdatedAt, &m.LastSyncedAt, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync mapping: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) UpdateSyncMappingState(ctx context.Context, id uuid.UUID, status string, localUpdatedAt, externalUpdatedAt, lastSyncedAt *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_mappings SET sync_status = $2,
		   local_updated_at = COALESCE($3, local_updated_at),
		   external_updated_at = COALESCE($4, external_updated_at),
		   last_synced_at = COALESCE($5, last_synced_at),
		   updated_at = NOW()
		 WHERE id = $1`,
		id, status, localUpdatedAt, externalUpdatedAt, lastSyncedAt)
	if err != nil {
		return fmt.Errorf("update sync mapping state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Conflicts ---

func (s *PostgresStore) CreateConflict(ctx context.Context, c *models.Conflict) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conflicts (id, mapping_id, subtype, local_payload, external_payload,
		   strategy, status, outcome, resolved_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.MappingID, c.Subtype, c.LocalPayload, c.ExternalPayload,
		c.Strategy, c.Status, c.Outcome, c.ResolvedAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create conflict: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetConflict(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	var c models.Conflict
	err := s.pool.QueryRow(ctx,
		`SELECT id, mapping_id, subtype, local_payload, external_payload, strategy, status, outcome, resolved_at, created_at
		 FROM conflicts WHERE id = $1`, id,
	).Scan(&c.ID, &c.MappingID, &c.Subtype, &c.LocalPayload, &c.ExternalPayload,
		&c.Strategy, &c.Status, &c.Outcome, &c.ResolvedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conflict: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetOpenConflict(ctx context.Context, mappingID uuid.UUID, subtype string) (*models.Conflict, error) {
	var c models.Conflict
	err := s.pool.QueryRow(ctx,
		`SELECT id, mapping_id, subtype, local_payload, external_payload, strategy, status, outcome, resolved_at, created_at
		 FROM conflicts WHERE mapping_id = $1 AND subtype = $2 AND status = 'open'
		 ORDER BY created_at DESC LIMIT 1`, mappingID, subtype,
	).Scan(&c.ID, &c.MappingID, &c.Subtype, &c.LocalPayload, &c.ExternalPayload,
		&c.Strategy, &c.Status, &c.Outcome, &c.ResolvedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get open conflict: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) GetLatestResolvedConflict(ctx context.Context, mappingID uuid.UUID, subtype string) (*models.Conflict, error) {
	var c models.Conflict
	err := s.pool.QueryRow(ctx,
		`SELECT id, mapping_id, subtype, local_payload, external_payload, strategy, status, outcome, resolved_at, created_at
		 FROM conflicts WHERE mapping_id = $1 AND subtype = $2 AND status = 'resolved'
		 ORDER BY resolved_at DESC LIMIT 1`, mappingID, subtype,
	).Scan(&c.ID, &c.MappingID, &c.Subtype, &c.LocalPayload, &c.ExternalPayload,
		&c.Strategy, &c.Status, &c.Outcome, &c.ResolvedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest resolved conflict: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]*models.Conflict, int, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM conflicts WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conflicts: %w", err)
	}

	limit, offset := normalizePagination(filter.Page, filter.Limit)

	dataQuery := fmt.Sprintf(
		`SELECT id, mapping_id, subtype, local_payload, external_payload, strategy, status, outcome, resolved_at, created_at
		 FROM conflicts WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var conflicts []*models.Conflict
	for rows.Next() {
		var c models.Conflict
		if err := rows.Scan(&c.ID, &c.MappingID, &c.Subtype, &c.LocalPayload, &c.ExternalPayload,
			&c.Strategy, &c.Status, &c.Outcome, &c.ResolvedAt, &c.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan conflict: %w", err)
		}
		conflicts = append(conflicts, &c)
	}
	return conflicts, total, rows.Err()
}

func (s *PostgresStore) ResolveConflict(ctx context.Context, id uuid.UUID, outcome string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conflicts SET status = 'resolved', outcome = $2, resolved_at = NOW()
		 WHERE id = $1 AND status = 'open'`, id, outcome)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// normalizePagination clamps page/limit to sane bounds and returns limit + offset.
func normalizePagination(page, limit int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if page <= 0 {
		page = 1
	}
	return limit, (page - 1) * limit
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
