package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/elderhq/elder/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, int, error)
	ListDueJobs(ctx context.Context, now time.Time) ([]*models.Job, error)
	UpdateJob(ctx context.Context, id uuid.UUID, opts ...JobUpdateOption) (*models.Job, error)
	AdvanceJobWatermark(ctx context.Context, id uuid.UUID, lastRunAt, nextRunAt *time.Time, retryCount int) error
	MarkJobDue(ctx context.Context, id uuid.UUID, now time.Time) error
	SoftDeleteJob(ctx context.Context, id uuid.UUID) error

	CreateRun(ctx context.Context, run *models.Run) error
	ListRuns(ctx context.Context, jobID uuid.UUID) ([]*models.Run, error)

	GetEntity(ctx context.Context, id uuid.UUID) (*models.Entity, error)
	GetEntityByProviderKey(ctx context.Context, provider models.Provider, key string) (*models.Entity, error)
	CreateEntity(ctx context.Context, e *models.Entity) error
	UpdateEntityObservation(ctx context.Context, id uuid.UUID, name string, attrs map[string]string, observedAt time.Time) error
	ListEntities(ctx context.Context, filter EntityFilter) ([]*models.Entity, int, error)
	UpsertEntityEdge(ctx context.Context, sourceID, targetID uuid.UUID, relation string) error
	ListEntityEdges(ctx context.Context, sourceID uuid.UUID) ([]*models.EntityEdge, error)

	CreateSyncMapping(ctx context.Context, m *models.SyncMapping) error
	GetSyncMappingByExternalID(ctx context.Context, provider models.Provider, externalID string) (*models.SyncMapping, error)
	UpdateSyncMappingState(ctx context.Context, id uuid.UUID, status string, localUpdatedAt, externalUpdatedAt, lastSyncedAt *time.Time) error

	CreateConflict(ctx context.Context, c *models.Conflict) error
	GetConflict(ctx context.Context, id uuid.UUID) (*models.Conflict, error)
	GetOpenConflict(ctx context.Context, mappingID uuid.UUID, subtype string) (*models.Conflict, error)
	GetLatestResolvedConflict(ctx context.Context, mappingID uuid.UUID, subtype string) (*models.Conflict, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]*models.Conflict, int, error)
	ResolveConflict(ctx context.Context, id uuid.UUID, outcome string) error
}

// JobFilter narrows ListJobs results.
type JobFilter struct {
	Provider models.Provider
	Enabled  *bool
	Page     int
	Limit    int
}

// EntityFilter narrows ListEntities results.
type EntityFilter struct {
	Provider models.Provider
	Kind     string
	Page     int
	Limit    int
}

// ConflictFilter narrows ListConflicts results.
type ConflictFilter struct {
	Status string
	Page   int
	Limit  int
}

type jobUpdateParams struct {
	Name             *string
	Enabled          *bool
	Config           *json.RawMessage
	Credential       *models.CredentialRef
	ScheduleInterval *int
}

type JobUpdateOption func(*jobUpdateParams)

func WithJobName(name string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Name = &name
	}
}

func WithJobEnabled(enabled bool) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Enabled = &enabled
	}
}

func WithJobConfig(config json.RawMessage) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Config = &config
	}
}

func WithJobCredential(ref models.CredentialRef) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.Credential = &ref
	}
}

func WithJobScheduleInterval(seconds int) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ScheduleInterval = &seconds
	}
}
