package handler

import (
	"errors"
	"net/http"

	"github.com/elderhq/elder/internal/api/response"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

// NewListEntitiesHandler returns an http.HandlerFunc for GET /api/v1/entities.
func NewListEntitiesHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.EntityFilter{
			Provider: models.Provider(r.URL.Query().Get("provider")),
			Kind:     r.URL.Query().Get("kind"),
		}
		filter.Page, filter.Limit = parsePagination(r)

		entities, total, err := s.ListEntities(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list entities", nil)
			return
		}
		response.Collection(w, entities, paginationMeta(filter.Page, filter.Limit, total))
	}
}

type entityResponse struct {
	*models.Entity
	Edges []*models.EntityEdge `json:"edges"`
}

// NewGetEntityHandler returns an http.HandlerFunc for GET /api/v1/entities/{entityID}.
// The response includes the entity's outgoing relationship edges.
func NewGetEntityHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "entityID")
		if !ok {
			return
		}
		entity, err := s.GetEntity(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Entity not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load entity", nil)
			return
		}

		edges, err := s.ListEntityEdges(r.Context(), id)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load entity edges", nil)
			return
		}
		if edges == nil {
			edges = []*models.EntityEdge{}
		}
		response.JSON(w, entityResponse{Entity: entity, Edges: edges})
	}
}
