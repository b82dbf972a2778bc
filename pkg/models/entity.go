package models

import (
	"time"

	"github.com/google/uuid"
)

// Entity is one reconciled inventory row: a cloud resource, identity,
// certificate, or software installation observed through a connector.
// Created on first observation of a provider key, updated in place on
// subsequent observations. Never deleted by reconciliation — disappearance
// from a batch only leaves LastObservedAt stale, so a partial or empty
// connector batch cannot destroy live inventory.
type Entity struct {
	ID             uuid.UUID         `db:"id"               json:"id"`
	Provider       Provider          `db:"provider"         json:"provider"`
	ProviderKey    string            `db:"provider_key"     json:"provider_key"`
	Kind           string            `db:"kind"             json:"kind"`
	Name           string            `db:"name"             json:"name"`
	Attributes     map[string]string `db:"attributes"       json:"attributes"`
	FirstSeenAt    time.Time         `db:"first_seen_at"    json:"first_seen_at"`
	LastObservedAt time.Time         `db:"last_observed_at" json:"last_observed_at"`
	CreatedAt      time.Time         `db:"created_at"       json:"created_at"`
	UpdatedAt      time.Time         `db:"updated_at"       json:"updated_at"`
}

// EntityEdge is a relationship between two inventoried entities, e.g. a
// Lambda function and its execution role. Edges are deduplicated on
// (source, target, relation): re-observing an existing edge is a no-op.
type EntityEdge struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	SourceID  uuid.UUID `db:"source_id"  json:"source_id"`
	TargetID  uuid.UUID `db:"target_id"  json:"target_id"`
	Relation  string    `db:"relation"   json:"relation"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
