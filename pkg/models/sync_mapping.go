package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	SyncStatusPending  = "pending"
	SyncStatusSynced   = "synced"
	SyncStatusConflict = "conflict"
	SyncStatusError    = "error"
)

// Strategy selects how a dual-change conflict is resolved for a mapping.
type Strategy string

const (
	StrategyLastModifiedWins Strategy = "last_modified_wins"
	StrategyLocalWins        Strategy = "local_wins"
	StrategyExternalWins     Strategy = "external_wins"
	StrategyFieldMerge       Strategy = "field_merge"
	StrategyManual           Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLastModifiedWins, StrategyLocalWins, StrategyExternalWins,
		StrategyFieldMerge, StrategyManual:
		return true
	}
	return false
}

// SyncMapping joins an internal entity to its external counterpart for
// two-way sync. Both sides' last-known-modified timestamps plus
// LastSyncedAt are the resolver's inputs: a change on only one side since
// LastSyncedAt is a directional propagation, a change on both is a conflict.
type SyncMapping struct {
	ID                uuid.UUID  `db:"id"                  json:"id"`
	EntityID          uuid.UUID  `db:"entity_id"           json:"entity_id"`
	Provider          Provider   `db:"provider"            json:"provider"`
	ExternalID        string     `db:"external_id"         json:"external_id"`
	SyncStatus        string     `db:"sync_status"         json:"sync_status"`
	Strategy          Strategy   `db:"strategy"            json:"strategy"`
	LocalUpdatedAt    *time.Time `db:"local_updated_at"    json:"local_updated_at,omitempty"`
	ExternalUpdatedAt *time.Time `db:"external_updated_at" json:"external_updated_at,omitempty"`
	LastSyncedAt      *time.Time `db:"last_synced_at"      json:"last_synced_at,omitempty"`
	CreatedAt         time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"          json:"updated_at"`
}
