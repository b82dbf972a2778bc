package twoway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/elderhq/elder/pkg/models"
)

// Action is the outcome of comparing the two sides of a mapping.
type Action string

const (
	// ActionNone means neither side changed since the last sync.
	ActionNone Action = "none"
	// ActionPush propagates the local record to the external system.
	ActionPush Action = "push"
	// ActionPull propagates the external record to the local entity.
	ActionPull Action = "pull"
	// ActionMerge writes a field-level merge of both records to both sides.
	ActionMerge Action = "merge"
	// ActionConflict materializes a conflict for manual review.
	ActionConflict Action = "conflict"
)

// RecordVersion is one side's view of a mapped record at sync time.
type RecordVersion struct {
	Payload        json.RawMessage
	UpdatedAt      *time.Time
	FieldUpdatedAt map[string]time.Time
	Deleted        bool
}

// Decision tells the engine what to do with one mapping.
type Decision struct {
	Action  Action
	Merged  json.RawMessage // set when Action is ActionMerge
	Subtype string
}

// Resolver holds the pure decision logic for two-way sync. It never
// touches storage; the engine applies its decisions.
type Resolver struct {
	defaultStrategy models.Strategy
}

func NewResolver(defaultStrategy models.Strategy) *Resolver {
	return &Resolver{defaultStrategy: defaultStrategy}
}

// Resolve compares both sides of a mapping against its last-synced point
// and decides how to reconcile them. Deletions are never propagated or
// auto-resolved: a record deleted on one side while still present on the
// other always becomes a conflict, regardless of strategy.
func (r *Resolver) Resolve(mapping *models.SyncMapping, local, external RecordVersion) Decision {
	if local.Deleted && external.Deleted {
		return Decision{Action: ActionNone}
	}
	if external.Deleted {
		return Decision{Action: ActionConflict, Subtype: models.ConflictDeletedRemote}
	}
	if local.Deleted {
		return Decision{Action: ActionConflict, Subtype: models.ConflictDeletedLocal}
	}

	localChanged := changedSince(local.UpdatedAt, mapping.LastSyncedAt)
	externalChanged := changedSince(external.UpdatedAt, mapping.LastSyncedAt)

	switch {
	case !localChanged && !externalChanged:
		return Decision{Action: ActionNone}
	case localChanged && !externalChanged:
		return Decision{Action: ActionPush}
	case externalChanged && !localChanged:
		return Decision{Action: ActionPull}
	}

	// Both sides changed since the last sync.
	switch r.strategyFor(mapping) {
	case models.StrategyLocalWins:
		return Decision{Action: ActionPush}
	case models.StrategyExternalWins:
		return Decision{Action: ActionPull}
	case models.StrategyLastModifiedWins:
		return lastModifiedDecision(local, external)
	case models.StrategyFieldMerge:
		merged, err := mergeFields(local, external)
		if err != nil {
			// Payloads that cannot be merged field-by-field fall back
			// to record-level timestamps.
			return lastModifiedDecision(local, external)
		}
		return Decision{Action: ActionMerge, Merged: merged}
	default: // models.StrategyManual
		return Decision{Action: ActionConflict, Subtype: models.ConflictDualChange}
	}
}

func (r *Resolver) strategyFor(mapping *models.SyncMapping) models.Strategy {
	if mapping.Strategy.Valid() {
		return mapping.Strategy
	}
	if r.defaultStrategy.Valid() {
		return r.defaultStrategy
	}
	return models.StrategyManual
}

func changedSince(updatedAt, lastSyncedAt *time.Time) bool {
	if updatedAt == nil {
		return false
	}
	if lastSyncedAt == nil {
		return true
	}
	return updatedAt.After(*lastSyncedAt)
}

func lastModifiedDecision(local, external RecordVersion) Decision {
	if local.UpdatedAt != nil && external.UpdatedAt != nil && local.UpdatedAt.After(*external.UpdatedAt) {
		return Decision{Action: ActionPush}
	}
	// External wins ties and missing timestamps: the external system is
	// the side we cannot re-derive from our own history.
	return Decision{Action: ActionPull}
}

// mergeFields builds a field-level union of both payloads. For each field
// present on both sides the newer field timestamp wins; fields without a
// timestamp on either side fall back to the record-level winner.
func mergeFields(local, external RecordVersion) (json.RawMessage, error) {
	if local.FieldUpdatedAt == nil && external.FieldUpdatedAt == nil {
		return nil, fmt.Errorf("no field timestamps on either side")
	}
	var localFields, externalFields map[string]json.RawMessage
	if err := json.Unmarshal(local.Payload, &localFields); err != nil {
		return nil, fmt.Errorf("unmarshal local payload: %w", err)
	}
	if err := json.Unmarshal(external.Payload, &externalFields); err != nil {
		return nil, fmt.Errorf("unmarshal external payload: %w", err)
	}

	recordWinner := lastModifiedDecision(local, external)

	merged := make(map[string]json.RawMessage, len(localFields)+len(externalFields))
	for field, value := range localFields {
		merged[field] = value
	}
	for field, externalValue := range externalFields {
		localValue, inBoth := localFields[field]
		if !inBoth {
			merged[field] = externalValue
			continue
		}
		merged[field] = pickField(field, local, external, externalValue, localValue, recordWinner)
	}
	return json.Marshal(merged)
}

func pickField(field string, local, external RecordVersion, externalValue, localValue json.RawMessage, recordWinner Decision) json.RawMessage {
	localTS, hasLocal := local.FieldUpdatedAt[field]
	externalTS, hasExternal := external.FieldUpdatedAt[field]
	switch {
	case hasLocal && hasExternal:
		if localTS.After(externalTS) {
			return localValue
		}
		return externalValue
	case hasLocal:
		return localValue
	case hasExternal:
		return externalValue
	}
	if recordWinner.Action == ActionPush {
		return localValue
	}
	return externalValue
}
