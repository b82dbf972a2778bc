package handler

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/elderhq/elder/internal/api/response"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

const apiKeyBytes = 24

// NewCreateKeyHandler returns an http.HandlerFunc for POST /api/v1/admin/keys.
// The raw key appears in the response exactly once; only its bcrypt hash is
// stored.
func NewCreateKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name   string   `json:"name"`
			Scopes []string `json:"scopes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		scopes := req.Scopes
		if len(scopes) == 0 {
			scopes = []string{"read"}
		}

		raw := make([]byte, apiKeyBytes)
		if _, err := rand.Read(raw); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to generate key", nil)
			return
		}
		rawKey := "eld_" + hex.EncodeToString(raw)

		hash, err := bcrypt.GenerateFromPassword([]byte(rawKey), bcrypt.DefaultCost)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to hash key", nil)
			return
		}

		now := time.Now().UTC()
		key := &models.APIKey{
			ID:        uuid.New(),
			Name:      req.Name,
			KeyHash:   string(hash),
			KeyPrefix: rawKey[:8],
			Scopes:    scopes,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.CreateAPIKey(r.Context(), key); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to store key", nil)
			return
		}

		response.Created(w, map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"key":        rawKey,
			"key_prefix": key.KeyPrefix,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt,
		})
	}
}

// NewListKeysHandler returns an http.HandlerFunc for GET /api/v1/admin/keys.
func NewListKeysHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys, err := s.ListAPIKeys(r.Context())
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list keys", nil)
			return
		}
		if keys == nil {
			keys = []*models.APIKey{}
		}
		response.JSON(w, keys)
	}
}

// NewRevokeKeyHandler returns an http.HandlerFunc for DELETE /api/v1/admin/keys/{keyID}.
func NewRevokeKeyHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "keyID")
		if !ok {
			return
		}
		err := s.RevokeAPIKey(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "API key not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke key", nil)
			return
		}
		response.NoContent(w)
	}
}
