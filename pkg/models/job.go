// Package models contains shared data models used across the Elder codebase.
package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Provider identifies the kind of external system a job discovers against.
// The set is closed: connectors are registered for these values at startup,
// and job creation rejects anything else.
type Provider string

const (
	ProviderAWS     Provider = "aws"
	ProviderGCP     Provider = "gcp"
	ProviderLDAP    Provider = "ldap"
	ProviderOkta    Provider = "okta"
	ProviderNetScan Provider = "netscan"
	ProviderHTTPInv Provider = "httpinv"
	ProviderPMTool  Provider = "pmtool"
	ProviderMock    Provider = "mock"
)

// Providers lists every valid provider value.
func Providers() []Provider {
	return []Provider{
		ProviderAWS, ProviderGCP, ProviderLDAP, ProviderOkta,
		ProviderNetScan, ProviderHTTPInv, ProviderPMTool, ProviderMock,
	}
}

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	for _, known := range Providers() {
		if p == known {
			return true
		}
	}
	return false
}

// CredentialRef is an opaque pointer to provider credentials. The actual
// secret is resolved at dispatch time by a credentials.Resolver and is never
// stored alongside the job.
type CredentialRef struct {
	Type string `json:"type"` // secret, key, builtin, static
	Ref  string `json:"ref"`
}

// Job is one configured recurring or one-shot discovery/sync task.
// ScheduleInterval of 0 means one-shot: after a single terminal run,
// NextRunAt is cleared and the job goes dormant (history stays queryable).
type Job struct {
	ID               uuid.UUID       `db:"id"                json:"id"`
	Name             string          `db:"name"              json:"name"`
	Provider         Provider        `db:"provider"          json:"provider"`
	Config           json.RawMessage `db:"config"            json:"config"`
	Credential       CredentialRef   `db:"credential"        json:"credential"`
	Enabled          bool            `db:"enabled"           json:"enabled"`
	ScheduleInterval int             `db:"schedule_interval" json:"schedule_interval"` // seconds
	LastRunAt        *time.Time      `db:"last_run_at"       json:"last_run_at,omitempty"`
	NextRunAt        *time.Time      `db:"next_run_at"       json:"next_run_at,omitempty"`
	RetryCount       int             `db:"retry_count"       json:"retry_count"`
	DeletedAt        *time.Time      `db:"deleted_at"        json:"-"`
	CreatedAt        time.Time       `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"        json:"updated_at"`
}

// OneShot reports whether the job runs once and then goes dormant.
func (j *Job) OneShot() bool {
	return j.ScheduleInterval == 0
}

// Interval returns the schedule interval as a duration.
func (j *Job) Interval() time.Duration {
	return time.Duration(j.ScheduleInterval) * time.Second
}
