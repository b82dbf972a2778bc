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

func TestJobHistory_OrderedOldestFirst(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedStoredJob(t, st)
	h := handler.NewJobHistoryHandler(st, nil)

	base := time.Now().UTC().Add(-time.Hour)
	// Insert newest first to prove ordering comes from the store, not
	// insertion order.
	for _, offset := range []time.Duration{40 * time.Minute, 20 * time.Minute, 0} {
		started := base.Add(offset)
		completed := started.Add(time.Minute)
		require.NoError(t, st.CreateRun(context.Background(), &models.Run{
			ID:            uuid.New(),
			JobID:         job.ID,
			CorrelationID: uuid.New(),
			Status:        models.RunStatusSuccess,
			StartedAt:     started,
			CompletedAt:   &completed,
			CreatedAt:     completed,
		}))
	}

	rec := do(h, http.MethodGet,
		"/api/v1/jobs/"+job.ID.String()+"/history", "/api/v1/jobs/{jobID}/history", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			JobID string        `json:"job_id"`
			Runs  []*models.Run `json:"runs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data.Runs, 3)
	assert.True(t, resp.Data.Runs[0].StartedAt.Before(resp.Data.Runs[1].StartedAt))
	assert.True(t, resp.Data.Runs[1].StartedAt.Before(resp.Data.Runs[2].StartedAt))
}

func TestJobHistory_EmptyForNewJob(t *testing.T) {
	st := store.NewMemoryStore()
	job := seedStoredJob(t, st)
	h := handler.NewJobHistoryHandler(st, nil)

	rec := do(h, http.MethodGet,
		"/api/v1/jobs/"+job.ID.String()+"/history", "/api/v1/jobs/{jobID}/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data struct {
			Runs []*models.Run `json:"runs"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Data.Runs)
	assert.Empty(t, resp.Data.Runs)
}

func TestJobHistory_UnknownJob(t *testing.T) {
	st := store.NewMemoryStore()
	h := handler.NewJobHistoryHandler(st, nil)

	rec := do(h, http.MethodGet,
		"/api/v1/jobs/"+uuid.NewString()+"/history", "/api/v1/jobs/{jobID}/history", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
