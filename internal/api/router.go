package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/elderhq/elder/internal/api/middleware"
	"github.com/elderhq/elder/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	CreateJobHandler  http.HandlerFunc
	GetJobHandler     http.HandlerFunc
	ListJobsHandler   http.HandlerFunc
	UpdateJobHandler  http.HandlerFunc
	DeleteJobHandler  http.HandlerFunc
	RunJobHandler     http.HandlerFunc
	JobHistoryHandler http.HandlerFunc

	ListEntitiesHandler http.HandlerFunc
	GetEntityHandler    http.HandlerFunc

	ListConflictsHandler   http.HandlerFunc
	GetConflictHandler     http.HandlerFunc
	ResolveConflictHandler http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobsHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJobHandler))
		r.Patch("/api/v1/jobs/{jobID}", orNotImplemented(deps.UpdateJobHandler))
		r.Delete("/api/v1/jobs/{jobID}", orNotImplemented(deps.DeleteJobHandler))
		r.Post("/api/v1/jobs/{jobID}/run", orNotImplemented(deps.RunJobHandler))
		r.Get("/api/v1/jobs/{jobID}/history", orNotImplemented(deps.JobHistoryHandler))

		r.Get("/api/v1/entities", orNotImplemented(deps.ListEntitiesHandler))
		r.Get("/api/v1/entities/{entityID}", orNotImplemented(deps.GetEntityHandler))

		r.Get("/api/v1/conflicts", orNotImplemented(deps.ListConflictsHandler))
		r.Get("/api/v1/conflicts/{conflictID}", orNotImplemented(deps.GetConflictHandler))
		r.Post("/api/v1/conflicts/{conflictID}/resolve", orNotImplemented(deps.ResolveConflictHandler))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
			r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
			r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
