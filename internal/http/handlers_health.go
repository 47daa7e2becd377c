package httpx

import (
	"net/http"

	"github.com/farmsight/ops-api/internal/core"
)

// HealthHandlers provides the health check endpoint.
type HealthHandlers struct {
	Cache core.CacheRepository
}

// Health reports liveness, and cache health when a cache is wired.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}

	if h.Cache != nil {
		if err := h.Cache.Health(r.Context()); err != nil {
			status["status"] = "degraded"
			status["cache"] = err.Error()
			WriteJSON(w, http.StatusServiceUnavailable, status)
			return
		}
		status["cache"] = "ok"
	}

	WriteJSON(w, http.StatusOK, status)
}
