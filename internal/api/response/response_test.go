package response_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elderhq/elder/internal/api/response"
)

func TestJSON_WrapsInDataEnvelope(t *testing.T) {
	rec := httptest.NewRecorder()
	response.JSON(rec, map[string]string{"name": "aws discovery"})

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "aws discovery", body["data"]["name"])
}

func TestCreated_Status(t *testing.T) {
	rec := httptest.NewRecorder()
	response.Created(rec, map[string]string{"id": "x"})
	assert.Equal(t, 201, rec.Code)
}

func TestAccepted_Status(t *testing.T) {
	rec := httptest.NewRecorder()
	response.Accepted(rec, map[string]string{"status": "accepted"})
	assert.Equal(t, 202, rec.Code)
}

func TestDeprecated_SetsHeader(t *testing.T) {
	rec := httptest.NewRecorder()
	response.Deprecated(rec, map[string]string{"status": "success"})

	assert.Equal(t, 200, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("Deprecation"))

	var body map[string]map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "success", body["data"]["status"])
}

func TestNoContent_EmptyBody(t *testing.T) {
	rec := httptest.NewRecorder()
	response.NoContent(rec)

	assert.Equal(t, 204, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestCollection_IncludesMeta(t *testing.T) {
	rec := httptest.NewRecorder()
	response.Collection(rec, []string{"a", "b"}, response.PaginationMeta{
		Page: 1, Limit: 2, Total: 5, HasNext: true,
	})

	var body struct {
		Data []string                `json:"data"`
		Meta response.PaginationMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Data, 2)
	assert.Equal(t, 5, body.Meta.Total)
	assert.True(t, body.Meta.HasNext)
}

func TestError_Shape(t *testing.T) {
	rec := httptest.NewRecorder()
	response.Error(rec, 404, "NOT_FOUND", "Job not found", nil)

	assert.Equal(t, 404, rec.Code)

	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "Job not found", body.Error.Message)
}
