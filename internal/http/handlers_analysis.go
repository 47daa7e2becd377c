package httpx

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	"github.com/farmsight/ops-api/internal/service"
)

// AnalysisHandlers provides HTTP handlers for analysis run operations.
type AnalysisHandlers struct {
	Dispatch *service.DispatchService
	Runs     *service.RunService
	Status   core.AnalysisAPI
	Tracker  *service.Tracker
	Logger   *slog.Logger
}

// startResponse is the response body for StartAnalysis. Mode discriminates
// the union: deferred responses carry handle and run_id, synchronous ones
// carry the outcome (plus warning for the fallback path).
type startResponse struct {
	Mode    model.DispatchKind     `json:"mode"`
	RunID   string                 `json:"run_id"`
	Handle  model.JobHandle        `json:"handle,omitempty"`
	Outcome *model.AnalysisOutcome `json:"outcome,omitempty"`
	Warning string                 `json:"warning,omitempty"`
}

// StartAnalysis handles POST requests to dispatch a new analysis run.
func (h *AnalysisHandlers) StartAnalysis(w http.ResponseWriter, r *http.Request) {
	var req model.AnalysisRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	result, run, err := h.Dispatch.StartAnalysis(r.Context(), req)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	if result.Kind == model.DispatchDeferred && h.Tracker != nil {
		if err := h.Tracker.Track(run); err != nil && h.Logger != nil {
			// The browser still polls on its own; server-side tracking is
			// best effort.
			h.Logger.WarnContext(r.Context(), "failed to track run", "run_id", run.ID, "error", err)
		}
	}

	WriteJSON(w, http.StatusOK, startResponse{
		Mode:    result.Kind,
		RunID:   run.ID,
		Handle:  result.Handle,
		Outcome: result.Outcome,
		Warning: result.Warning,
	})
}

// GetStatus handles GET requests for the status of a background run.
func (h *AnalysisHandlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	handle := model.JobHandle(r.PathValue("handle"))
	if !handle.Valid() {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("job handle is required"),
		})
		return
	}

	snapshot, err := h.Status.Status(r.Context(), handle)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, snapshot)
}

// ListRuns handles GET requests for the recent analysis run history.
func (h *AnalysisHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", 0)

	runs, err := h.Runs.ListRecent(r.Context(), limit)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, runs)
}

// GetRun handles GET requests for a single run by ID.
func (h *AnalysisHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(w, ErrorParams{
			Code:    http.StatusBadRequest,
			ErrCode: "invalid_path",
			Err:     errors.New("run id is required"),
		})
		return
	}

	run, err := h.Runs.GetByID(r.Context(), id)
	if err != nil {
		WriteAppError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, run)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
