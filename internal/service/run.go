package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

const (
	defaultRunListLimit = 50
	maxRunListLimit     = 500
)

// RunServiceOptions groups dependencies for RunService.
type RunServiceOptions struct {
	Runs   core.RunRepository // Required: run history repository
	Logger *slog.Logger       // Optional: structured logger
}

// RunService exposes the analysis run history to the dashboard.
type RunService struct {
	runs   core.RunRepository
	logger *slog.Logger
}

// NewRunService constructs a new RunService.
func NewRunService(opts RunServiceOptions) (*RunService, error) {
	if opts.Runs == nil {
		return nil, apperrors.Validation("RunRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "run_service")
	}

	return &RunService{runs: opts.Runs, logger: logger}, nil
}

// GetByID returns a run by its ID.
func (s *RunService) GetByID(ctx context.Context, id string) (*model.AnalysisRun, error) {
	if id == "" {
		return nil, apperrors.Validation("run id is required")
	}
	run, err := s.runs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, nil
}

// ListRecent returns the most recent runs, newest first. The limit is
// clamped to safe defaults so drift across layers cannot request unbounded
// result sets.
func (s *RunService) ListRecent(ctx context.Context, limit int) ([]*model.AnalysisRun, error) {
	if limit <= 0 {
		limit = defaultRunListLimit
	}
	if limit > maxRunListLimit {
		limit = maxRunListLimit
	}

	runs, err := s.runs.ListRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return runs, nil
}
