package handler

import (
	"net/http"

	"github.com/elderhq/elder/internal/api/response"
	"github.com/elderhq/elder/internal/cache"
	"github.com/elderhq/elder/internal/store"
)

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Degraded dependencies report as such without failing the endpoint so load
// balancers can distinguish "slow" from "gone".
func NewHealthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}
		status := "ok"

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "unreachable"
			status = "degraded"
		}
		if c == nil {
			checks["cache"] = "disabled"
		} else if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "unreachable"
			status = "degraded"
		}

		response.JSON(w, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}
