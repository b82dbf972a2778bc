package handler

import (
	"errors"
	"net/http"

	"github.com/elderhq/elder/internal/api/response"
	"github.com/elderhq/elder/internal/cache"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

type historyResponse struct {
	JobID        string        `json:"job_id"`
	LatestStatus string        `json:"latest_status,omitempty"`
	Runs         []*models.Run `json:"runs"`
}

// NewJobHistoryHandler returns an http.HandlerFunc for
// GET /api/v1/jobs/{jobID}/history. Runs come back oldest first, so a
// polling caller can diff against what it has already seen. This endpoint is
// how async completion is observed; there is no callback channel.
func NewJobHistoryHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}

		if _, err := s.GetJob(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}

		runs, err := s.ListRuns(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load run history", nil)
			return
		}
		if runs == nil {
			runs = []*models.Run{}
		}

		resp := historyResponse{JobID: id.String(), Runs: runs}
		if c != nil {
			if status, found, err := c.GetRunStatus(r.Context(), id); err == nil && found {
				resp.LatestStatus = status
			}
		}
		response.JSON(w, resp)
	}
}
