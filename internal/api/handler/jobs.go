package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/elderhq/elder/internal/api/response"
	"github.com/elderhq/elder/internal/scheduler"
	"github.com/elderhq/elder/internal/store"
	"github.com/elderhq/elder/pkg/models"
)

// Dispatcher is the slice of the scheduler the run-trigger handler needs.
type Dispatcher interface {
	TriggerNow(ctx context.Context, jobID uuid.UUID) (uuid.UUID, error)
	RunJobNow(ctx context.Context, jobID uuid.UUID) (*models.Run, error)
}

type jobRequest struct {
	Name             string                `json:"name"`
	Provider         string                `json:"provider"`
	Config           json.RawMessage       `json:"config"`
	Credential       *models.CredentialRef `json:"credential"`
	Enabled          *bool                 `json:"enabled"`
	ScheduleInterval *int                  `json:"schedule_interval"`
}

// NewCreateJobHandler returns an http.HandlerFunc for POST /api/v1/jobs.
func NewCreateJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		if req.Name == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "name is required", nil)
			return
		}
		provider := models.Provider(req.Provider)
		if !provider.Valid() {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"provider must be one of the supported providers",
				map[string]any{"providers": models.Providers()})
			return
		}
		interval := 0
		if req.ScheduleInterval != nil {
			interval = *req.ScheduleInterval
		}
		if interval < 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"schedule_interval must be zero (one-shot) or positive seconds", nil)
			return
		}

		cfg := req.Config
		if len(cfg) == 0 {
			cfg = json.RawMessage(`{}`)
		}
		credential := models.CredentialRef{Type: "builtin"}
		if req.Credential != nil {
			credential = *req.Credential
		}
		enabled := true
		if req.Enabled != nil {
			enabled = *req.Enabled
		}

		now := time.Now().UTC()
		job := &models.Job{
			ID:               uuid.New(),
			Name:             req.Name,
			Provider:         provider,
			Config:           cfg,
			Credential:       credential,
			Enabled:          enabled,
			ScheduleInterval: interval,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		// New jobs are due immediately; the poller picks them up on its
		// next tick.
		if enabled {
			job.NextRunAt = &now
		}

		if err := s.CreateJob(r.Context(), job); err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to create job", nil)
			return
		}
		response.Created(w, job)
	}
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
func NewGetJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}
		job, err := s.GetJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to load job", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewListJobsHandler returns an http.HandlerFunc for GET /api/v1/jobs.
func NewListJobsHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := store.JobFilter{
			Provider: models.Provider(r.URL.Query().Get("provider")),
		}
		if v := r.URL.Query().Get("enabled"); v != "" {
			enabled := v == "true"
			filter.Enabled = &enabled
		}
		filter.Page, filter.Limit = parsePagination(r)

		jobs, total, err := s.ListJobs(r.Context(), filter)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		response.Collection(w, jobs, paginationMeta(filter.Page, filter.Limit, total))
	}
}

// NewUpdateJobHandler returns an http.HandlerFunc for PATCH /api/v1/jobs/{jobID}.
func NewUpdateJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}
		var req jobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}

		var opts []store.JobUpdateOption
		if req.Name != "" {
			opts = append(opts, store.WithJobName(req.Name))
		}
		if req.Enabled != nil {
			opts = append(opts, store.WithJobEnabled(*req.Enabled))
		}
		if len(req.Config) > 0 {
			opts = append(opts, store.WithJobConfig(req.Config))
		}
		if req.Credential != nil {
			opts = append(opts, store.WithJobCredential(*req.Credential))
		}
		if req.ScheduleInterval != nil {
			if *req.ScheduleInterval < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"schedule_interval must be zero (one-shot) or positive seconds", nil)
				return
			}
			opts = append(opts, store.WithJobScheduleInterval(*req.ScheduleInterval))
		}
		if len(opts) == 0 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "No updatable fields in body", nil)
			return
		}

		job, err := s.UpdateJob(r.Context(), id, opts...)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update job", nil)
			return
		}
		response.JSON(w, job)
	}
}

// NewDeleteJobHandler returns an http.HandlerFunc for DELETE /api/v1/jobs/{jobID}.
// Deletion is soft: the job stops scheduling but its run history survives.
func NewDeleteJobHandler(s store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}
		err := s.SoftDeleteJob(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
			return
		}
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to delete job", nil)
			return
		}
		response.NoContent(w)
	}
}

// NewRunJobHandler returns an http.HandlerFunc for POST /api/v1/jobs/{jobID}/run.
// The default behavior accepts the trigger and returns 202 immediately; the
// caller observes completion through the history endpoint. The legacy=true
// query parameter runs the job inline and returns the finished run record.
// The inline path is deprecated and will be removed.
func NewRunJobHandler(d Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := parseID(w, r, "jobID")
		if !ok {
			return
		}

		if r.URL.Query().Get("legacy") == "true" {
			run, err := d.RunJobNow(r.Context(), id)
			if err != nil {
				writeTriggerError(w, err)
				return
			}
			response.Deprecated(w, run)
			return
		}

		correlationID, err := d.TriggerNow(r.Context(), id)
		if err != nil {
			writeTriggerError(w, err)
			return
		}
		response.Accepted(w, map[string]any{
			"job_id":         id,
			"correlation_id": correlationID,
			"status":         "accepted",
		})
	}
}

func writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		response.Error(w, http.StatusConflict, "ALREADY_RUNNING",
			"A run for this job is already in flight", nil)
	case errors.Is(err, scheduler.ErrJobDisabled):
		response.Error(w, http.StatusUnprocessableEntity, "JOB_DISABLED",
			"The job is disabled", nil)
	default:
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to trigger job", nil)
	}
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", param+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func parsePagination(r *http.Request) (page, limit int) {
	q := r.URL.Query()
	if n, err := strconv.Atoi(q.Get("page")); err == nil && n > 0 {
		page = n
	}
	if n, err := strconv.Atoi(q.Get("limit")); err == nil && n > 0 {
		limit = n
	}
	return page, limit
}

func paginationMeta(page, limit, total int) response.PaginationMeta {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	return response.PaginationMeta{
		Page:    page,
		Limit:   limit,
		Total:   total,
		HasNext: page*limit < total,
	}
}
