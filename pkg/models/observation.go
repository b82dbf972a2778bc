package models

import (
	"encoding/json"
	"time"
)

// Relationship declares a dependency edge from the observed resource to
// another resource identified by its provider-stable key.
type Relationship struct {
	TargetKey string `json:"target_key"`
	Relation  string `json:"relation"`
}

// Observation is one normalized external resource returned by a connector
// within one run. ProviderKey must be derived from an immutable external
// identifier (an ARN, a directory GUID), never a display name: it is the
// sole join key the reconciler uses.
//
// ExternalUpdatedAt, Payload and Deleted are only populated by two-way sync
// providers (PM tools), where the external side can mutate and delete
// records independently.
type Observation struct {
	ProviderKey   string            `json:"provider_key"`
	Kind          string            `json:"kind"`
	Name          string            `json:"name"`
	Attributes    map[string]string `json:"attributes"`
	Relationships []Relationship    `json:"relationships,omitempty"`

	ExternalUpdatedAt *time.Time      `json:"external_updated_at,omitempty"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Deleted           bool            `json:"deleted,omitempty"`
}

// ItemFailure records one item that failed inside an otherwise-progressing
// batch, either connector-side (fetch/translate) or reconciler-side (storage).
type ItemFailure struct {
	ItemRef string `json:"item_ref"`
	Reason  string `json:"reason"`
}

// SyncResult is the complete batch a connector returns for one run. Item
// failures ride alongside successes instead of aborting the batch, so a run
// degrades to a partial outcome rather than all-or-nothing.
type SyncResult struct {
	Observations    []Observation `json:"observations"`
	PartialFailures []ItemFailure `json:"partial_failures,omitempty"`
}
