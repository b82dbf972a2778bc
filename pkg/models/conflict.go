package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Conflict subtypes. Deletion subtypes are never auto-resolved: a record
// deleted on one side but modified on the other always goes to a human,
// regardless of the mapping's configured strategy.
const (
	ConflictDualChange    = "dual_change"
	ConflictDeletedRemote = "deleted_remote"
	ConflictDeletedLocal  = "deleted_local"
)

const (
	ConflictStatusOpen     = "open"
	ConflictStatusResolved = "resolved"
)

// Conflict materializes a disagreement between the internal and external
// versions of a mapped record. Both payloads are captured at detection time
// so the record can be reviewed and resolved after either side moves on.
type Conflict struct {
	ID              uuid.UUID       `db:"id"               json:"id"`
	MappingID       uuid.UUID       `db:"mapping_id"       json:"mapping_id"`
	Subtype         string          `db:"subtype"          json:"subtype"`
	LocalPayload    json.RawMessage `db:"local_payload"    json:"local_payload,omitempty"`
	ExternalPayload json.RawMessage `db:"external_payload" json:"external_payload,omitempty"`
	Strategy        Strategy        `db:"strategy"         json:"strategy"`
	Status          string          `db:"status"           json:"status"`
	Outcome         *string         `db:"outcome"          json:"outcome,omitempty"`
	ResolvedAt      *time.Time      `db:"resolved_at"      json:"resolved_at,omitempty"`
	CreatedAt       time.Time       `db:"created_at"       json:"created_at"`
}
