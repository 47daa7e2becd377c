// Package core defines the interfaces between the analysis services and
// their infrastructure adapters. The core owns the interfaces; the adapters
// and data layers provide implementations.
package core

import (
	"context"
	"time"

	"github.com/farmsight/ops-api/internal/domain/model"
)

// AnalysisAPI is the client-side view of the farm-core analysis service.
// Both methods translate wire responses into domain types; neither retries.
type AnalysisAPI interface {
	// Dispatch starts a water-consumption analysis. The result is the
	// tagged union describing whether the run finished synchronously,
	// was deferred with a handle, or fell back to synchronous execution.
	// Transport-level failures surface as a dispatch AppError, never as a
	// failed run.
	Dispatch(ctx context.Context, req model.AnalysisRequest) (*model.DispatchResult, error)

	// Status queries one observation of a background run. A failure to
	// reach the endpoint surfaces as a status_query AppError so callers
	// can distinguish a flaky status check from a failed run.
	Status(ctx context.Context, handle model.JobHandle) (*model.StatusSnapshot, error)
}

// CacheRepository defines the caching operations used by the status snapshot
// cache.
type CacheRepository interface {
	// Set stores a value with the given key and TTL. TTL 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves a value by key. Returns nil if the key doesn't exist
	// or has expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Returns true if the key was deleted.
	Delete(ctx context.Context, key string) (bool, error)

	// Health checks the health of the cache connection.
	Health(ctx context.Context) error
}

// RunRepository persists the dashboard's analysis run history.
type RunRepository interface {
	// Create inserts a new run row.
	Create(ctx context.Context, run *model.AnalysisRun) error

	// MarkTerminal records the final state of a run. Returns false if the
	// run was already terminal or does not exist.
	MarkTerminal(ctx context.Context, p MarkTerminalParams) (bool, error)

	// GetByID returns a run by its ID.
	GetByID(ctx context.Context, id string) (*model.AnalysisRun, error)

	// ListRecent returns the most recent runs, newest first.
	ListRecent(ctx context.Context, limit int) ([]*model.AnalysisRun, error)

	// ListPending returns runs still awaiting a terminal status, oldest
	// first. Used to resume tracking after a restart.
	ListPending(ctx context.Context, limit int) ([]*model.AnalysisRun, error)
}

// MarkTerminalParams groups the fields recorded when a run reaches a
// terminal state.
type MarkTerminalParams struct {
	ID      string
	Status  model.RunStatus
	Outcome *model.AnalysisOutcome
	ErrMsg  string
}
