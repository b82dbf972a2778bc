package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/elderhq/elder/internal/api/response"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

// NewListConflictsHandler returns an http.HandlerFunc for GET /api/v1/conflicts.
func NewListConflictsHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.ConflictFilter{
			Status: r.URL.Query().Get("status"),
		}
		filter.Page, filter.Limit = parsePagination(r)

		conflicts, total, err := s.ListConflicts(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list conflicts", nil)
			return
		}
		response.Collection(w, conflicts, paginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewGetConflictHandler returns an http.HandlerFunc for GET /api/v1/conflicts/{conflictID}.
func NewGetConflictHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "conflictID")
		if !ok {
			return
		}
		conflict, err := s.GetConflict(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Conflict not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load conflict", nil)
			return
		}
		response.JSON(w, conflict)
	}
}

// NewResolveConflictHandler returns an http.HandlerFunc for
// POST /api/v1/conflicts/{conflictID}/resolve. Resolution records the chosen
// outcome and puts the mapping back in play; the winning side propagates on
// the job's next sync. Re-resolving with the same outcome is a no-op, with a
// different outcome a 409.
func NewResolveConflictHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "conflictID")
		if !ok {
			return
		}

		var req struct {
			Outcome string `json:"outcome"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		switch req.Outcome {
		case "keep_local", "keep_external", "keep_both", "discard":
		default:
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"outcome must be one of keep_local, keep_external, keep_both, discard", nil)
			return
		}

		conflict, err := s.GetConflict(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Conflict not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load conflict", nil)
			return
		}

		if conflict.Status == models.ConflictStatusResolved {
			if conflict.Outcome != nil && *conflict.Outcome == req.Outcome {
				response.JSON(w, conflict)
				return
			}
			response.Error(w, http.StatusConflict, "ALREADY_RESOLVED",
				"Conflict was already resolved with a different outcome", nil)
			return
		}

		if err := s.ResolveConflict(r.Context(), id, req.Outcome); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to resolve conflict", nil)
			return
		}
		// Unblock the mapping so the next sync acts on the recorded outcome.
		if err := s.UpdateSyncMappingState(r.Context(), conflict.MappingID,
			models.SyncStatusPending, nil, nil, nil); err != nil && !errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to reopen mapping", nil)
			return
		}

		resolved, err := s.GetConflict(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load conflict", nil)
			return
		}
		response.JSON(w, resolved)
	}
}
