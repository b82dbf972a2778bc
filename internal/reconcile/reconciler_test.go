package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderhq/elder/internal/reconcile"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

func obs(key, kind, name string, attrs map[string]string) models.Observation {
	return models.Observation{ProviderKey: key, Kind: kind, Name: name, Attributes: attrs}
}

func TestApply_CreatesNewEntities(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)
	now := time.Now().UTC()

	result := &models.SyncResult{Observations: []models.Observation{
		obs("i-001", "host", "web-1", map[string]string{"region": "eu-west-1"}),
		obs("i-002", "host", "web-2", nil),
	}}
	outcome, err := r.Apply(context.Background(), models.ProviderAWS, result, now)
	require.NoError(t, err)
	assert.Equal(t, 2, outcome.Created)
	assert.Equal(t, 0, outcome.Updated)
	assert.Empty(t, outcome.Failures)

	e, err := st.GetEntityByProviderKey(context.Background(), models.ProviderAWS, "i-001")
	require.NoError(t, err)
	assert.Equal(t, "web-1", e.Name)
	assert.Equal(t, "eu-west-1", e.Attributes["region"])
	assert.Equal(t, now, e.FirstSeenAt)
}

func TestApply_SecondPassUpdatesInPlace(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)
	first := time.Now().UTC().Add(-time.Hour)

	result := &models.SyncResult{Observations: []models.Observation{
		obs("i-001", "host", "web-1", map[string]string{"state": "running"}),
	}}
	_, err := r.Apply(context.Background(), models.ProviderAWS, result, first)
	require.NoError(t, err)

	second := time.Now().UTC()
	result.Observations[0].Attributes = map[string]string{"state": "stopped"}
	outcome, err := r.Apply(context.Background(), models.ProviderAWS, result, second)
	require.NoError(t, err)
	assert.Equal(t, 0, outcome.Created)
	assert.Equal(t, 1, outcome.Updated)

	e, err := st.GetEntityByProviderKey(context.Background(), models.ProviderAWS, "i-001")
	require.NoError(t, err)
	assert.Equal(t, "stopped", e.Attributes["state"])
	assert.Equal(t, first, e.FirstSeenAt, "first_seen_at never moves")
	assert.Equal(t, second, e.LastObservedAt)
}

func TestApply_AbsentEntitiesAreNeverDeleted(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)
	now := time.Now().UTC()

	full := &models.SyncResult{Observations: []models.Observation{
		obs("i-001", "host", "web-1", nil),
		obs("i-002", "host", "web-2", nil),
	}}
	_, err := r.Apply(context.Background(), models.ProviderAWS, full, now)
	require.NoError(t, err)

	// Next batch only sees one of the two. The other must survive.
	partial := &models.SyncResult{Observations: []models.Observation{
		obs("i-001", "host", "web-1", nil),
	}}
	_, err = r.Apply(context.Background(), models.ProviderAWS, partial, now.Add(time.Minute))
	require.NoError(t, err)

	_, err = st.GetEntityByProviderKey(context.Background(), models.ProviderAWS, "i-002")
	assert.NoError(t, err)
}

func TestApply_EdgesWithinBatch(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)

	vm := obs("vm-1", "host", "vm-1", nil)
	vm.Relationships = []models.Relationship{{TargetKey: "net-1", Relation: "attached_to"}}
	result := &models.SyncResult{Observations: []models.Observation{
		vm,
		obs("net-1", "network", "prod-net", nil),
	}}

	outcome, err := r.Apply(context.Background(), models.ProviderGCP, result, time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, outcome.Failures)

	source, err := st.GetEntityByProviderKey(context.Background(), models.ProviderGCP, "vm-1")
	require.NoError(t, err)
	edges, err := st.ListEntityEdges(context.Background(), source.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "attached_to", edges[0].Relation)
}

func TestApply_EdgesDeduplicatedAcrossRuns(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)

	vm := obs("vm-1", "host", "vm-1", nil)
	vm.Relationships = []models.Relationship{{TargetKey: "net-1", Relation: "attached_to"}}
	result := &models.SyncResult{Observations: []models.Observation{
		vm, obs("net-1", "network", "prod-net", nil),
	}}

	for i := 0; i < 3; i++ {
		_, err := r.Apply(context.Background(), models.ProviderGCP, result, time.Now().UTC())
		require.NoError(t, err)
	}

	source, err := st.GetEntityByProviderKey(context.Background(), models.ProviderGCP, "vm-1")
	require.NoError(t, err)
	edges, err := st.ListEntityEdges(context.Background(), source.ID)
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestApply_EdgeToUnknownTargetFails(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)

	vm := obs("vm-1", "host", "vm-1", nil)
	vm.Relationships = []models.Relationship{{TargetKey: "ghost", Relation: "attached_to"}}
	result := &models.SyncResult{Observations: []models.Observation{vm}}

	outcome, err := r.Apply(context.Background(), models.ProviderGCP, result, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created, "the entity itself still lands")
	require.Len(t, outcome.Failures, 1)
	assert.Contains(t, outcome.Failures[0].ItemRef, "ghost")
}

func TestApply_MalformedItemsIsolated(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)

	result := &models.SyncResult{Observations: []models.Observation{
		obs("", "host", "nameless", nil),
		obs("i-ok", "", "kindless", nil),
		obs("i-good", "host", "web-1", nil),
	}}
	outcome, err := r.Apply(context.Background(), models.ProviderAWS, result, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Created)
	assert.Len(t, outcome.Failures, 2)
	assert.Equal(t, 1, outcome.Synced())
}

func TestApply_CarriesConnectorPartialFailures(t *testing.T) {
	st := store.NewMemoryStore()
	r := reconcile.New(st)

	result := &models.SyncResult{
		Observations:    []models.Observation{obs("i-1", "host", "a", nil)},
		PartialFailures: []models.ItemFailure{{ItemRef: "i-2", Reason: "missing id"}},
	}
	outcome, err := r.Apply(context.Background(), models.ProviderAWS, result, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, outcome.Failures, 1)
	assert.Equal(t, "i-2", outcome.Failures[0].ItemRef)
}
