package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/elderhq/elder/internal/api/handler"
	"github.com/elderhq/elder/internal/store"
)

func TestCreateKey_ReturnsRawKeyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	h := handler.NewCreateKeyHandler(st)

	body := []byte(`{"name":"ci-reader","scopes":["read"]}`)
	rec := do(h, http.MethodPost, "/api/v1/admin/keys", "/api/v1/admin/keys", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		Data struct {
			ID        uuid.UUID `json:"id"`
			Key       string    `json:"key"`
			KeyPrefix string    `json:"key_prefix"`
			Scopes    []string  `json:"scopes"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, strings.HasPrefix(resp.Data.Key, "eld_"))
	assert.Equal(t, resp.Data.Key[:8], resp.Data.KeyPrefix)
	assert.Equal(t, []string{"read"}, resp.Data.Scopes)

	// Only the bcrypt hash is stored; the raw key never is.
	stored, err := st.GetAPIKeyByPrefix(context.Background(), resp.Data.KeyPrefix)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.NotEqual(t, resp.Data.Key, stored[0].KeyHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(stored[0].KeyHash), []byte(resp.Data.Key)))
}

func TestCreateKey_DefaultsScopes(t *testing.T) {
	st := store.NewMemoryStore()
	h := handler.NewCreateKeyHandler(st)

	rec := do(h, http.MethodPost, "/api/v1/admin/keys", "/api/v1/admin/keys",
		[]byte(`{"name":"minimal"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scopes":["read"]`)
}

func TestCreateKey_RequiresName(t *testing.T) {
	st := store.NewMemoryStore()
	h := handler.NewCreateKeyHandler(st)

	rec := do(h, http.MethodPost, "/api/v1/admin/keys", "/api/v1/admin/keys", []byte(`{}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAndRevokeKeys(t *testing.T) {
	st := store.NewMemoryStore()
	create := handler.NewCreateKeyHandler(st)

	rec := do(create, http.MethodPost, "/api/v1/admin/keys", "/api/v1/admin/keys",
		[]byte(`{"name":"doomed"}`))
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Data struct {
			ID uuid.UUID `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	list := handler.NewListKeysHandler(st)
	rec = do(list, http.MethodGet, "/api/v1/admin/keys", "/api/v1/admin/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "doomed")
	// Listing exposes metadata, never key material.
	assert.NotContains(t, rec.Body.String(), `"key":"eld_`)

	revoke := handler.NewRevokeKeyHandler(st)
	rec = do(revoke, http.MethodDelete, "/api/v1/admin/keys/"+created.Data.ID.String(),
		"/api/v1/admin/keys/{keyID}", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(revoke, http.MethodDelete, "/api/v1/admin/keys/"+created.Data.ID.String(),
		"/api/v1/admin/keys/{keyID}", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
