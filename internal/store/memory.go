package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elderhq/elder/pkg/models"
)

// MemoryStore is an in-memory Store implementation used by unit tests and
// local development. Safe for concurrent use.
type MemoryStore struct {
	mu sync.RWMutex

	apiKeys   map[uuid.UUID]*models.APIKey
	jobs      map[uuid.UUID]*models.Job
	runs      map[uuid.UUID][]*models.Run
	entities  map[uuid.UUID]*models.Entity
	edges     map[uuid.UUID]*models.EntityEdge
	mappings  map[uuid.UUID]*models.SyncMapping
	conflicts map[uuid.UUID]*models.Conflict
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apiKeys:   make(map[uuid.UUID]*models.APIKey),
		jobs:      make(map[uuid.UUID]*models.Job),
		runs:      make(map[uuid.UUID][]*models.Run),
		entities:  make(map[uuid.UUID]*models.Entity),
		edges:     make(map[uuid.UUID]*models.EntityEdge),
		mappings:  make(map[uuid.UUID]*models.SyncMapping),
		conflicts: make(map[uuid.UUID]*models.Conflict),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// --- API Keys ---

func (s *MemoryStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			kc := *k
			keys = append(keys, &kc)
		}
	}
	return keys, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.apiKeys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apiKeys[key.ID]; exists {
		return ErrDuplicateKey
	}
	kc := *key
	s.apiKeys[key.ID] = &kc
	return nil
}

func (s *MemoryStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []*models.APIKey
	for _, k := range s.apiKeys {
		if k.DeletedAt == nil {
			kc := *k
			keys = append(keys, &kc)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *MemoryStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[id]
	if !ok || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

// --- Jobs ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return ErrDuplicateKey
	}
	jc := *job
	s.jobs[job.ID] = &jc
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return nil, ErrNotFound
	}
	jc := *j
	return &jc, nil
}

func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*models.Job
	for _, j := range s.jobs {
		if j.DeletedAt != nil {
			continue
		}
		if filter.Provider != "" && j.Provider != filter.Provider {
			continue
		}
		if filter.Enabled != nil && j.Enabled != *filter.Enabled {
			continue
		}
		jc := *j
		jobs = append(jobs, &jc)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	total := len(jobs)

	limit, offset := normalizePagination(filter.Page, filter.Limit)
	if offset >= len(jobs) {
		return []*models.Job{}, total, nil
	}
	end := offset + limit
	if end > len(jobs) {
		end = len(jobs)
	}
	return jobs[offset:end], total, nil
}

func (s *MemoryStore) ListDueJobs(ctx context.Context, now time.Time) ([]*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*models.Job
	for _, j := range s.jobs {
		if !j.Enabled || j.DeletedAt != nil || j.NextRunAt == nil {
			continue
		}
		if j.NextRunAt.After(now) {
			continue
		}
		jc := *j
		due = append(due, &jc)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRunAt.Before(*due[j].NextRunAt) })
	return due, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error) {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return nil, ErrNotFound
	}

	if params.Name != nil {
		j.Name = *params.Name
	}
	if params.Enabled != nil {
		j.Enabled = *params.Enabled
	}
	if params.Config != nil {
		j.Config = *params.Config
	}
	if params.Credential != nil {
		j.Credential = *params.Credential
	}
	if params.ScheduleInterval != nil {
		j.ScheduleInterval = *params.ScheduleInterval
	}
	j.UpdatedAt = time.Now().UTC()

	jc := *j
	return &jc, nil
}

func (s *MemoryStore) AdvanceJobWatermark(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time, retryCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return ErrNotFound
	}
	if lastRunAt != nil {
		j.LastRunAt = lastRunAt
	}
	j.NextRunAt = nextRunAt
	j.RetryCount = retryCount
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkJobDue(ctx context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return ErrNotFound
	}
	due := now
	j.NextRunAt = &due
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SoftDeleteJob(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.DeletedAt != nil {
		return ErrNotFound
	}
	now := time.Now().UTC()
	j.DeletedAt = &now
	j.Enabled = false
	j.UpdatedAt = now
	return nil
}

// --- Runs ---

func (s *MemoryStore) CreateRun(ctx context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rc := *run
	s.runs[run.JobID] = append(s.runs[run.JobID], &rc)
	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, jobID uuid.UUID) ([]*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var runs []*models.Run
	for _, r := range s.runs[jobID] {
		rc := *r
		runs = append(runs, &rc)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.Before(runs[j].StartedAt) })
	return runs, nil
}

// --- Entities ---

func (s *MemoryStore) GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, ErrNotFound
	}
	ec := *e
	return &ec, nil
}

func (s *MemoryStore) GetEntityByProviderKey(ctx context.Context, provider models.Provider, key string) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entities {
		if e.Provider == provider && e.ProviderKey == key {
			ec := *e
			return &ec, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateEntity(ctx context.Context, e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.entities {
		if existing.Provider == e.Provider && existing.ProviderKey == e.ProviderKey {
			return ErrDuplicateKey
		}
	}
	ec := *e
	s.entities[e.ID] = &ec
	return nil
}

func (s *MemoryStore) UpdateEntityObservation(ctx context.Context, id uuid.UUID, name string, attrs map[string]string, observedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return ErrNotFound
	}
	e.Name = name
	e.Attributes = attrs
	e.LastObservedAt = observedAt
	// updated_at tracks the observation time so the sync engine's own pulls
	// do not read as local edits on the following pass.
	e.UpdatedAt = observedAt
	return nil
}

func (s *MemoryStore) ListEntities(ctx context.Context, filter EntityFilter) ([]*models.Entity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entities []*models.Entity
	for _, e := range s.entities {
		if filter.Provider != "" && e.Provider != filter.Provider {
			continue
		}
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		ec := *e
		entities = append(entities, &ec)
	}
	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LastObservedAt.After(entities[j].LastObservedAt)
	})
	total := len(entities)

	limit, offset := normalizePagination(filter.Page, filter.Limit)
	if offset >= len(entities) {
		return []*models.Entity{}, total, nil
	}
	end := offset + limit
	if end > len(entities) {
		end = len(entities)
	}
	return entities[offset:end], total, nil
}

func (s *MemoryStore) UpsertEntityEdge(ctx context.Context, sourceID, targetID uuid.UUID, relation string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.edges {
		if e.SourceID == sourceID && e.TargetID == targetID && e.Relation == relation {
			return nil
		}
	}
	id := uuid.New()
	s.edges[id] = &models.EntityEdge{
		ID:        id,
		SourceID:  sourceID,
		TargetID:  targetID,
		Relation:  relation,
		CreatedAt: time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) ListEntityEdges(ctx context.Context, sourceID uuid.UUID) ([]*models.EntityEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var edges []*models.EntityEdge
	for _, e := range s.edges {
		if e.SourceID == sourceID {
			ec := *e
			edges = append(edges, &ec)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].CreatedAt.Before(edges[j].CreatedAt) })
	return edges, nil
}

// --- Sync Mappings ---

func (s *MemoryStore) CreateSyncMapping(ctx context.Context, m *models.SyncMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.mappings {
		if existing.Provider == m.Provider && existing.ExternalID == m.ExternalID {
			return ErrDuplicateKey
		}
	}
	mc := *m
	s.mappings[m.ID] = &mc
	return nil
}

func (s *MemoryStore) GetSyncMappingByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.SyncMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.mappings {
		if m.Provider == provider && m.ExternalID == externalID {
			mc := *m
			return &mc, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) UpdateSyncMappingState(ctx context.Context, id uuid.UUID, status string, localUpdatedAt, externalUpdatedAt, lastSyncedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[id]
	if !ok {
		return ErrNotFound
	}
	m.SyncStatus = status
	if localUpdatedAt != nil {
		m.LocalUpdatedAt = localUpdatedAt
	}
	if externalUpdatedAt != nil {
		m.ExternalUpdatedAt = externalUpdatedAt
	}
	if lastSyncedAt != nil {
		m.LastSyncedAt = lastSyncedAt
	}
	m.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Conflicts ---

func (s *MemoryStore) CreateConflict(ctx context.Context, c *models.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc := *c
	s.conflicts[c.ID] = &cc
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id uuid.UUID) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *MemoryStore) GetOpenConflict(ctx context.Context, mappingID uuid.UUID, subtype string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Conflict
	for _, c := range s.conflicts {
		if c.MappingID != mappingID || c.Subtype != subtype || c.Status != models.ConflictStatusOpen {
			continue
		}
		if latest == nil || c.CreatedAt.After(latest.CreatedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cc := *latest
	return &cc, nil
}

func (s *MemoryStore) GetLatestResolvedConflict(ctx context.Context, mappingID uuid.UUID, subtype string) (*models.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.Conflict
	for _, c := range s.conflicts {
		if c.MappingID != mappingID || c.Subtype != subtype || c.Status != models.ConflictStatusResolved {
			continue
		}
		if c.ResolvedAt == nil {
			continue
		}
		if latest == nil || c.ResolvedAt.After(*latest.ResolvedAt) {
			latest = c
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cc := *latest
	return &cc, nil
}

func (s *MemoryStore) ListConflicts(ctx context.Context, filter ConflictFilter) ([]*models.Conflict, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var conflicts []*models.Conflict
	for _, c := range s.conflicts {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		cc := *c
		conflicts = append(conflicts, &cc)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].CreatedAt.After(conflicts[j].CreatedAt) })
	total := len(conflicts)

	limit, offset := normalizePagination(filter.Page, filter.Limit)
	if offset >= len(conflicts) {
		return []*models.Conflict{}, total, nil
	}
	end := offset + limit
	if end > len(conflicts) {
		end = len(conflicts)
	}
	return conflicts[offset:end], total, nil
}

func (s *MemoryStore) ResolveConflict(ctx context.Context, id uuid.UUID, outcome string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok || c.Status != models.ConflictStatusOpen {
		return ErrNotFound
	}
	now := time.Now().UTC()
	c.Status = models.ConflictStatusResolved
	c.Outcome = &outcome
	c.ResolvedAt = &now
	return nil
}

// Compile-time check that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
