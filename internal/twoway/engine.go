package twoway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

// ExternalWriter pushes local state back to the external system. Sessions
// of two-way capable connectors implement it alongside the read side; the
// engine receives it per sync so a read-only session degrades gracefully.
type ExternalWriter interface {
	UpdateExternal(ctx context.Context, externalID string, payload json.RawMessage) error
}

// Outcome summarizes one two-way pass for the run record.
type Outcome struct {
	Synced    int
	Conflicts int
	Failures  []models.ItemFailure
}

// Engine applies resolver decisions against the store and the external
// system. It owns mapping state transitions and conflict materialization;
// the comparison logic itself lives in Resolver.
type Engine struct {
	store    store.Store
	resolver *Resolver
	logger   *slog.Logger
}

func NewEngine(st store.Store, resolver *Resolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, resolver: resolver, logger: logger}
}

// ProcessResult runs one two-way pass over a sync result from an external
// project-management tool. Items the connector already failed on are carried
// into the outcome untouched. The pass is idempotent: re-processing the same
// result against unchanged state produces no new writes and no duplicate
// conflicts.
func (e *Engine) ProcessResult(ctx context.Context, provider models.Provider, result *models.SyncResult, writer ExternalWriter, now time.Time) (*Outcome, error) {
	outcome := &Outcome{Failures: append([]models.ItemFailure(nil), result.PartialFailures...)}

	for _, obs := range result.Observations {
		if obs.ProviderKey == "" {
			outcome.Failures = append(outcome.Failures, models.ItemFailure{
				ItemRef: obs.Name, Reason: "missing external id",
			})
			continue
		}
		if err := e.processObservation(ctx, provider, obs, writer, now, outcome); err != nil {
			outcome.Failures = append(outcome.Failures, models.ItemFailure{
				ItemRef: obs.ProviderKey, Reason: err.Error(),
			})
		}
	}

	if len(outcome.Failures) > 0 {
		e.logger.Warn("two-way sync completed with failures",
			"provider", provider,
			"synced", outcome.Synced,
			"conflicts", outcome.Conflicts,
			"failed", len(outcome.Failures))
	}
	return outcome, nil
}

func (e *Engine) processObservation(ctx context.Context, provider models.Provider, obs models.Observation, writer ExternalWriter, now time.Time, outcome *Outcome) error {
	mapping, err := e.store.GetSyncMappingByExternalID(ctx, provider, obs.ProviderKey)
	if errors.Is(err, store.ErrNotFound) {
		if obs.Deleted {
			// Never mapped locally; nothing to reconcile.
			return nil
		}
		if err := e.adoptExternal(ctx, provider, obs, now); err != nil {
			return err
		}
		outcome.Synced++
		return nil
	}
	if err != nil {
		return fmt.Errorf("load mapping: %w", err)
	}

	entity, err := e.store.GetEntity(ctx, mapping.EntityID)
	if err != nil {
		return fmt.Errorf("load mapped entity: %w", err)
	}

	local, err := localVersion(entity)
	if err != nil {
		return err
	}
	external := externalVersion(obs)

	decision := e.resolver.Resolve(mapping, local, external)
	return e.apply(ctx, mapping, entity, obs, local, external, decision, writer, now, outcome)
}

func (e *Engine) apply(ctx context.Context, mapping *models.SyncMapping, entity *models.Entity, obs models.Observation, local, external RecordVersion, decision Decision, writer ExternalWriter, now time.Time, outcome *Outcome) error {
	switch decision.Action {
	case ActionNone:
		return nil

	case ActionPush:
		if err := e.pushExternal(ctx, writer, mapping, local.Payload); err != nil {
			return err
		}
		outcome.Synced++
		return e.store.UpdateSyncMappingState(ctx, mapping.ID, models.SyncStatusSynced,
			local.UpdatedAt, mapping.ExternalUpdatedAt, &now)

	case ActionPull:
		if err := e.pullLocal(ctx, entity, obs, now); err != nil {
			return err
		}
		outcome.Synced++
		return e.store.UpdateSyncMappingState(ctx, mapping.ID, models.SyncStatusSynced,
			&now, external.UpdatedAt, &now)

	case ActionMerge:
		if err := e.pushExternal(ctx, writer, mapping, decision.Merged); err != nil {
			return err
		}
		merged := obs
		if attrs, err := attributesFromPayload(decision.Merged); err == nil {
			merged.Attributes = attrs
		}
		if err := e.pullLocal(ctx, entity, merged, now); err != nil {
			return err
		}
		outcome.Synced++
		return e.store.UpdateSyncMappingState(ctx, mapping.ID, models.SyncStatusSynced,
			&now, external.UpdatedAt, &now)

	case ActionConflict:
		applied, err := e.applyResolution(ctx, mapping, entity, obs, local, external, decision.Subtype, writer, now, outcome)
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		created, err := e.materializeConflict(ctx, mapping, local, external, decision.Subtype)
		if err != nil {
			return err
		}
		if created {
			outcome.Conflicts++
		}
		return nil
	}
	return fmt.Errorf("unknown decision action %q", decision.Action)
}

// applyResolution carries out a human verdict recorded against this mapping.
// A resolved conflict whose inputs have not moved since the decision is
// applied exactly once: the chosen side propagates, the mapping returns to
// synced, and later passes with the same inputs are no-ops. Either side
// changing after the decision voids it, and a fresh conflict is materialized
// by the caller.
func (e *Engine) applyResolution(ctx context.Context, mapping *models.SyncMapping, entity *models.Entity, obs models.Observation, local, external RecordVersion, subtype string, writer ExternalWriter, now time.Time, outcome *Outcome) (bool, error) {
	conflict, err := e.store.GetLatestResolvedConflict(ctx, mapping.ID, subtype)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load resolved conflict: %w", err)
	}
	if conflict.Outcome == nil || conflict.ResolvedAt == nil {
		return false, nil
	}
	if changedSince(local.UpdatedAt, conflict.ResolvedAt) || changedSince(external.UpdatedAt, conflict.ResolvedAt) {
		return false, nil
	}
	if mapping.LastSyncedAt != nil && !conflict.ResolvedAt.After(*mapping.LastSyncedAt) {
		// Verdict already applied on an earlier pass.
		return true, nil
	}

	localUpdatedAt := local.UpdatedAt
	switch *conflict.Outcome {
	case "keep_local":
		if err := e.pushExternal(ctx, writer, mapping, local.Payload); err != nil {
			return false, err
		}
		outcome.Synced++
	case "keep_external":
		// A remote tombstone has nothing to pull; the entity stays as-is
		// because deletions never propagate into the inventory.
		if !external.Deleted {
			if err := e.pullLocal(ctx, entity, obs, now); err != nil {
				return false, err
			}
			localUpdatedAt = &now
			outcome.Synced++
		}
	default:
		// keep_both and discard accept the current state of both sides.
	}

	e.logger.Info("conflict resolution applied",
		"mapping_id", mapping.ID,
		"conflict_id", conflict.ID,
		"outcome", *conflict.Outcome)
	return true, e.store.UpdateSyncMappingState(ctx, mapping.ID, models.SyncStatusSynced,
		localUpdatedAt, external.UpdatedAt, &now)
}

// adoptExternal creates a local entity and a synced mapping for an external
// record seen for the first time.
func (e *Engine) adoptExternal(ctx context.Context, provider models.Provider, obs models.Observation, now time.Time) error {
	entity := &models.Entity{
		ID:             uuid.New(),
		Provider:       provider,
		ProviderKey:    obs.ProviderKey,
		Kind:           obs.Kind,
		Name:           obs.Name,
		Attributes:     obs.Attributes,
		FirstSeenAt:    now,
		LastObservedAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.CreateEntity(ctx, entity); err != nil {
		if !errors.Is(err, store.ErrDuplicateKey) {
			return fmt.Errorf("create entity: %w", err)
		}
		existing, err := e.store.GetEntityByProviderKey(ctx, provider, obs.ProviderKey)
		if err != nil {
			return fmt.Errorf("load entity after create race: %w", err)
		}
		entity = existing
	}
	mapping := &models.SyncMapping{
		ID:                uuid.New(),
		EntityID:          entity.ID,
		Provider:          provider,
		ExternalID:        obs.ProviderKey,
		SyncStatus:        models.SyncStatusSynced,
		Strategy:          e.resolver.defaultStrategy,
		LocalUpdatedAt:    &now,
		ExternalUpdatedAt: obs.ExternalUpdatedAt,
		LastSyncedAt:      &now,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateSyncMapping(ctx, mapping); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
		return fmt.Errorf("create mapping: %w", err)
	}
	return nil
}

func (e *Engine) pushExternal(ctx context.Context, writer ExternalWriter, mapping *models.SyncMapping, payload json.RawMessage) error {
	if writer == nil {
		return fmt.Errorf("provider session does not support external writes")
	}
	if err := writer.UpdateExternal(ctx, mapping.ExternalID, payload); err != nil {
		if stateErr := e.store.UpdateSyncMappingState(ctx, mapping.ID, models.SyncStatusError,
			mapping.LocalUpdatedAt, mapping.ExternalUpdatedAt, mapping.LastSyncedAt); stateErr != nil {
			e.logger.Error("mark mapping errored", "mapping_id", mapping.ID, "error", stateErr)
		}
		return fmt.Errorf("push to external: %w", err)
	}
	return nil
}

func (e *Engine) pullLocal(ctx context.Context, entity *models.Entity, obs models.Observation, now time.Time) error {
	name := obs.Name
	if name == "" {
		name = entity.Name
	}
	attrs := obs.Attributes
	if attrs == nil {
		attrs = entity.Attributes
	}
	if err := e.store.UpdateEntityObservation(ctx, entity.ID, name, attrs, now); err != nil {
		return fmt.Errorf("pull into entity: %w", err)
	}
	return nil
}

// materializeConflict records a conflict exactly once per open
// (mapping, subtype) pair and flags the mapping. Returns whether a new
// conflict row was created.
func (e *Engine) materializeConflict(ctx context.Context, mapping *models.SyncMapping, local, external RecordVersion, subtype string) (bool, error) {
	if _, err := e.store.GetOpenConflict(ctx, mapping.ID, subtype); err == nil {
		return false, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return false, fmt.Errorf("check open conflict: %w", err)
	}

	// Deletion conflicts are always manual: the mapping's configured
	// strategy never auto-resolves a one-sided delete.
	strategy := e.resolver.strategyFor(mapping)
	if subtype != models.ConflictDualChange {
		strategy = models.StrategyManual
	}

	conflict := &models.Conflict{
		ID:              uuid.New(),
		MappingID:       mapping.ID,
		Subtype:         subtype,
		LocalPayload:    local.Payload,
		ExternalPayload: external.Payload,
		Strategy:        strategy,
		Status:          models.ConflictStatusOpen,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.store.CreateConflict(ctx, conflict); err != nil {
		return false, fmt.Errorf("create conflict: %w", err)
	}
	if err := e.store.UpdateSyncMappingState(ctx, mapping.ID, models.SyncStatusConflict,
		mapping.LocalUpdatedAt, external.UpdatedAt, mapping.LastSyncedAt); err != nil {
		return true, fmt.Errorf("flag mapping conflicted: %w", err)
	}
	e.logger.Info("conflict materialized",
		"mapping_id", mapping.ID,
		"subtype", subtype)
	return true, nil
}

func localVersion(entity *models.Entity) (RecordVersion, error) {
	payload, err := json.Marshal(entity.Attributes)
	if err != nil {
		return RecordVersion{}, fmt.Errorf("marshal entity attributes: %w", err)
	}
	updatedAt := entity.UpdatedAt
	return RecordVersion{Payload: payload, UpdatedAt: &updatedAt}, nil
}

func externalVersion(obs models.Observation) RecordVersion {
	payload := obs.Payload
	if len(payload) == 0 {
		payload, _ = json.Marshal(obs.Attributes)
	}
	return RecordVersion{
		Payload:   payload,
		UpdatedAt: obs.ExternalUpdatedAt,
		Deleted:   obs.Deleted,
	}
}

func attributesFromPayload(payload json.RawMessage) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}
	attrs := make(map[string]string, len(raw))
	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			attrs[k] = s
			continue
		}
		attrs[k] = string(v)
	}
	return attrs, nil
}
