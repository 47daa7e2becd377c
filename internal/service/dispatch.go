// Package service provides the business logic for dispatching and tracking
// water-consumption analysis runs.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

// DispatchServiceOptions groups dependencies for DispatchService.
type DispatchServiceOptions struct {
	API    core.AnalysisAPI    // Required: farm-core client
	Runs   core.RunRepository  // Required: run history repository
	Logger *slog.Logger        // Optional: structured logger
}

// DispatchService translates a "start analysis" intent into one of the
// three dispatch outcomes and records the run in the dashboard's history.
type DispatchService struct {
	api    core.AnalysisAPI
	runs   core.RunRepository
	logger *slog.Logger
}

// NewDispatchService constructs a new DispatchService.
func NewDispatchService(opts DispatchServiceOptions) (*DispatchService, error) {
	if opts.API == nil {
		return nil, apperrors.Validation("AnalysisAPI is required")
	}
	if opts.Runs == nil {
		return nil, apperrors.Validation("RunRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "dispatch_service")
	}

	return &DispatchService{api: opts.API, runs: opts.Runs, logger: logger}, nil
}

// StartAnalysis dispatches one analysis run. A transport-level failure is
// returned as a dispatch AppError before any run row is written; the caller
// can tell "could not even start" from "started and then failed".
func (s *DispatchService) StartAnalysis(
	ctx context.Context,
	req model.AnalysisRequest,
) (*model.DispatchResult, *model.AnalysisRun, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid analysis request")
	}

	result, err := s.api.Dispatch(ctx, req)
	if err != nil {
		return nil, nil, err
	}
	if err := result.Validate(); err != nil {
		return nil, nil, apperrors.Wrap(err, apperrors.ErrCodeDispatch, "inconsistent dispatch response")
	}

	run := buildRun(req, result)
	if err := s.runs.Create(ctx, run); err != nil {
		// The run already started server-side; losing the history row is
		// preferable to hiding the result from the caller.
		if s.logger != nil {
			s.logger.WarnContext(ctx, "failed to record analysis run",
				"run_id", run.ID,
				"mode", result.Kind,
				"error", err,
			)
		}
	}

	if s.logger != nil {
		s.logger.InfoContext(ctx, "analysis dispatched",
			"run_id", run.ID,
			"target", req.Target(),
			"mode", result.Kind,
		)
	}

	return result, run, nil
}

// buildRun maps a dispatch result onto a new run history row. Synchronous
// results are terminal on arrival; deferred runs start pending.
func buildRun(req model.AnalysisRequest, result *model.DispatchResult) *model.AnalysisRun {
	now := time.Now().UTC()
	run := &model.AnalysisRun{
		ID:        uuid.NewString(),
		HouseID:   req.HouseID,
		Mode:      result.Kind,
		CreatedAt: now,
	}
	if req.FarmID != "" {
		farmID := req.FarmID
		run.FarmID = &farmID
	}

	switch result.Kind {
	case model.DispatchDeferred:
		handle := string(result.Handle)
		run.Handle = &handle
		run.Status = model.RunStatusPending

	case model.DispatchImmediate, model.DispatchFallback:
		run.Status = model.RunStatusSucceeded
		run.Outcome = result.Outcome
		completed := now
		run.CompletedAt = &completed
		if result.Warning != "" {
			warning := result.Warning
			run.Warning = &warning
		}
	}

	return run
}
