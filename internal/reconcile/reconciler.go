// Package reconcile converts connector sync results into inventory
// mutations with create/update-only semantics.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

// Outcome summarizes one reconciliation pass. Failures carry both the
// connector's partial failures and per-item reconciliation failures; the
// scheduler maps a non-empty Failures with non-zero progress to a partial
// run.
type Outcome struct {
	Created  int
	Updated  int
	Failures []models.ItemFailure
}

// Synced returns the number of observations applied successfully.
func (o *Outcome) Synced() int {
	return o.Created + o.Updated
}

// Reconciler applies observation batches to the inventory. Entities are
// matched by (provider, provider key); rows are created on first sight and
// updated in place afterwards. Rows absent from a batch are left alone:
// deletion is a deliberate policy decision made elsewhere, never a side
// effect of a possibly-partial batch.
type Reconciler struct {
	store store.Store
}

// New creates a Reconciler.
func New(s store.Store) *Reconciler {
	return &Reconciler{store: s}
}

// Apply processes one SyncResult. Each observation is applied independently:
// a malformed item or failed write is recorded as an item failure and the
// batch keeps going. Relationship edges are applied in a second pass so
// edges can reference entities created earlier in the same batch.
func (r *Reconciler) Apply(ctx context.Context, provider models.Provider, result *models.SyncResult, observedAt time.Time) (*Outcome, error) {
	outcome := &Outcome{}
	outcome.Failures = append(outcome.Failures, result.PartialFailures...)

	// First pass: entities. Track provider key -> entity id for edge
	// resolution within this batch.
	applied := make(map[string]uuid.UUID, len(result.Observations))
	for _, obs := range result.Observations {
		id, created, err := r.applyObservation(ctx, provider, obs, observedAt)
		if err != nil {
			outcome.Failures = append(outcome.Failures, models.ItemFailure{
				ItemRef: obs.ProviderKey,
				Reason:  err.Error(),
			})
			continue
		}
		if created {
			outcome.Created++
		} else {
			outcome.Updated++
		}
		applied[obs.ProviderKey] = id
	}

	// Second pass: relationship edges, deduplicated by (source, target,
	// relation) in the store.
	for _, obs := range result.Observations {
		sourceID, ok := applied[obs.ProviderKey]
		if !ok {
			continue
		}
		for _, rel := range obs.Relationships {
			if err := r.applyEdge(ctx, provider, sourceID, rel, applied); err != nil {
				outcome.Failures = append(outcome.Failures, models.ItemFailure{
					ItemRef: fmt.Sprintf("%s->%s", obs.ProviderKey, rel.TargetKey),
					Reason:  err.Error(),
				})
			}
		}
	}

	if len(outcome.Failures) > 0 {
		slog.Warn("reconciliation finished with item failures",
			"provider", provider,
			"created", outcome.Created,
			"updated", outcome.Updated,
			"failed", len(outcome.Failures))
	}
	return outcome, nil
}

// applyObservation creates or updates a single inventory row. The row's id
// and first_seen_at never change after creation; only attributes, name, and
// the observation watermark move.
func (r *Reconciler) applyObservation(ctx context.Context, provider models.Provider, obs models.Observation, observedAt time.Time) (uuid.UUID, bool, error) {
	if obs.ProviderKey == "" {
		return uuid.Nil, false, fmt.Errorf("observation has no provider key")
	}
	if obs.Kind == "" {
		return uuid.Nil, false, fmt.Errorf("observation %q has no kind", obs.ProviderKey)
	}

	existing, err := r.store.GetEntityByProviderKey(ctx, provider, obs.ProviderKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return uuid.Nil, false, fmt.Errorf("lookup entity: %w", err)
	}

	if existing != nil {
		if err := r.store.UpdateEntityObservation(ctx, existing.ID, obs.Name, obs.Attributes, observedAt); err != nil {
			return uuid.Nil, false, fmt.Errorf("update entity: %w", err)
		}
		return existing.ID, false, nil
	}

	now := time.Now().UTC()
	entity := &models.Entity{
		ID:             uuid.New(),
		Provider:       provider,
		ProviderKey:    obs.ProviderKey,
		Kind:           obs.Kind,
		Name:           obs.Name,
		Attributes:     obs.Attributes,
		FirstSeenAt:    observedAt,
		LastObservedAt: observedAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := r.store.CreateEntity(ctx, entity); err != nil {
		// A concurrent create on the same key loses the race; fall back to
		// an update so the observation still lands.
		if errors.Is(err, store.ErrDuplicateKey) {
			won, lookupErr := r.store.GetEntityByProviderKey(ctx, provider, obs.ProviderKey)
			if lookupErr != nil {
				return uuid.Nil, false, fmt.Errorf("lookup entity after duplicate: %w", lookupErr)
			}
			if err := r.store.UpdateEntityObservation(ctx, won.ID, obs.Name, obs.Attributes, observedAt); err != nil {
				return uuid.Nil, false, fmt.Errorf("update entity: %w", err)
			}
			return won.ID, false, nil
		}
		return uuid.Nil, false, fmt.Errorf("create entity: %w", err)
	}
	return entity.ID, true, nil
}

func (r *Reconciler) applyEdge(ctx context.Context, provider models.Provider, sourceID uuid.UUID, rel models.Relationship, applied map[string]uuid.UUID) error {
	if rel.TargetKey == "" || rel.Relation == "" {
		return fmt.Errorf("relationship missing target key or relation")
	}

	targetID, ok := applied[rel.TargetKey]
	if !ok {
		target, err := r.store.GetEntityByProviderKey(ctx, provider, rel.TargetKey)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("relationship target %q not in inventory", rel.TargetKey)
		}
		if err != nil {
			return fmt.Errorf("lookup relationship target: %w", err)
		}
		targetID = target.ID
	}

	if err := r.store.UpsertEntityEdge(ctx, sourceID, targetID, rel.Relation); err != nil {
		return fmt.Errorf("upsert edge: %w", err)
	}
	return nil
}
