package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderhq/elder/internal/api/handler"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

func seedConflict(t *testing.T, st store.Store) (*models.Conflict, *models.SyncMapping) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	mapping := &models.SyncMapping{
		ID:         uuid.New(),
		EntityID:   uuid.New(),
		Provider:   models.ProviderPMTool,
		ExternalID: "TICKET-42",
		SyncStatus: models.SyncStatusConflict,
		Strategy:   models.StrategyManual,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, st.CreateSyncMapping(ctx, mapping))

	conflict := &models.Conflict{
		ID:              uuid.New(),
		MappingID:       mapping.ID,
		Subtype:         models.ConflictDualChange,
		LocalPayload:    []byte(`{"status":"open"}`),
		ExternalPayload: []byte(`{"status":"closed"}`),
		Strategy:        models.StrategyManual,
		Status:          models.ConflictStatusOpen,
		CreatedAt:       now,
	}
	require.NoError(t, st.CreateConflict(ctx, conflict))
	return conflict, mapping
}

func TestListConflicts_FilterByStatus(t *testing.T) {
	st := store.NewMemoryStore()
	seedConflict(t, st)
	h := handler.NewListConflictsHandler(st)

	rec := do(h, http.MethodGet, "/api/v1/conflicts?status=open", "/api/v1/conflicts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []*models.Conflict `json:"data"`
		Meta struct {
			Total int `json:"total"`
		} `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Meta.Total)

	rec = do(h, http.MethodGet, "/api/v1/conflicts?status=resolved", "/api/v1/conflicts", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Meta.Total)
}

func TestResolveConflict_RecordsOutcomeAndReopensMapping(t *testing.T) {
	st := store.NewMemoryStore()
	conflict, mapping := seedConflict(t, st)
	h := handler.NewResolveConflictHandler(st)

	rec := do(h, http.MethodPost,
		"/api/v1/conflicts/"+conflict.ID.String()+"/resolve",
		"/api/v1/conflicts/{conflictID}/resolve",
		[]byte(`{"outcome":"keep_local"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	got, err := st.GetConflict(context.Background(), conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ConflictStatusResolved, got.Status)
	require.NotNil(t, got.Outcome)
	assert.Equal(t, "keep_local", *got.Outcome)
	assert.NotNil(t, got.ResolvedAt)

	m, err := st.GetSyncMappingByExternalID(context.Background(), mapping.Provider, mapping.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusPending, m.SyncStatus)
}

func TestResolveConflict_Idempotent(t *testing.T) {
	st := store.NewMemoryStore()
	conflict, _ := seedConflict(t, st)
	h := handler.NewResolveConflictHandler(st)

	body := []byte(`{"outcome":"keep_external"}`)
	path := "/api/v1/conflicts/" + conflict.ID.String() + "/resolve"
	pattern := "/api/v1/conflicts/{conflictID}/resolve"

	rec := do(h, http.MethodPost, path, pattern, body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same outcome again is a no-op.
	rec = do(h, http.MethodPost, path, pattern, body)
	assert.Equal(t, http.StatusOK, rec.Code)

	// A different outcome after resolution is a conflict.
	rec = do(h, http.MethodPost, path, pattern, []byte(`{"outcome":"keep_local"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveConflict_InvalidOutcome(t *testing.T) {
	st := store.NewMemoryStore()
	conflict, _ := seedConflict(t, st)
	h := handler.NewResolveConflictHandler(st)

	rec := do(h, http.MethodPost,
		"/api/v1/conflicts/"+conflict.ID.String()+"/resolve",
		"/api/v1/conflicts/{conflictID}/resolve",
		[]byte(`{"outcome":"flip-a-coin"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveConflict_NotFound(t *testing.T) {
	st := store.NewMemoryStore()
	h := handler.NewResolveConflictHandler(st)

	rec := do(h, http.MethodPost,
		"/api/v1/conflicts/"+uuid.NewString()+"/resolve",
		"/api/v1/conflicts/{conflictID}/resolve",
		[]byte(`{"outcome":"keep_local"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
