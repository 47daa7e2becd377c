package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

const (
	markTerminalTimeout = 10 * time.Second
	resumeBatchLimit    = 100
)

// TrackerOptions groups dependencies for Tracker.
type TrackerOptions struct {
	Poller *Poller            // Required: poll session factory
	Runs   core.RunRepository // Required: run history repository
	Logger *slog.Logger       // Optional: structured logger
}

// Tracker follows deferred analysis runs to completion and records their
// terminal state in the run history, so the dashboard shows final results
// even when the browser that started the run went away.
//
// At most one poll session is active per run: starting a new one first
// cancels any session already tracking that run.
type Tracker struct {
	poller *Poller
	runs   core.RunRepository
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*PollSession
	stopped  bool
}

// NewTracker constructs a new Tracker.
func NewTracker(opts TrackerOptions) (*Tracker, error) {
	if opts.Poller == nil {
		return nil, apperrors.Validation("Poller is required")
	}
	if opts.Runs == nil {
		return nil, apperrors.Validation("RunRepository is required")
	}

	var logger *slog.Logger
	if opts.Logger != nil {
		logger = opts.Logger.With("component", "tracker")
	}

	return &Tracker{
		poller:   opts.Poller,
		runs:     opts.Runs,
		sessions: make(map[string]*PollSession),
		logger:   logger,
	}, nil
}

// Track starts a poll session for a deferred run. An existing session for
// the same run is cancelled first.
func (t *Tracker) Track(run *model.AnalysisRun) error {
	if run == nil || run.ID == "" {
		return apperrors.Validation("run is required")
	}
	if run.Handle == nil || !model.JobHandle(*run.Handle).Valid() {
		return apperrors.Validation("run has no job handle to track")
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return apperrors.Internal("tracker is stopped")
	}
	if prev, ok := t.sessions[run.ID]; ok {
		prev.Cancel()
		delete(t.sessions, run.ID)
	}
	t.mu.Unlock()

	runID := run.ID
	session, err := t.poller.Start(model.JobHandle(*run.Handle), PollCallbacks{
		OnTerminal: func(outcome PollOutcome) {
			t.recordTerminal(runID, outcome)
		},
	})
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		session.Cancel()
		return apperrors.Internal("tracker is stopped")
	}
	t.sessions[runID] = session
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Debug("tracking analysis run", "run_id", runID, "handle", *run.Handle)
	}
	return nil
}

// Resume restarts tracking for runs that were still pending at the last
// shutdown.
func (t *Tracker) Resume(ctx context.Context) error {
	pending, err := t.runs.ListPending(ctx, resumeBatchLimit)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "list pending runs")
	}

	resumed := 0
	for _, run := range pending {
		if run.Handle == nil {
			continue
		}
		if err := t.Track(run); err != nil {
			if t.logger != nil {
				t.logger.WarnContext(ctx, "failed to resume tracking", "run_id", run.ID, "error", err)
			}
			continue
		}
		resumed++
	}

	if t.logger != nil && resumed > 0 {
		t.logger.InfoContext(ctx, "resumed tracking pending runs", "count", resumed)
	}
	return nil
}

// StopAll cancels every active session. Call during graceful shutdown.
func (t *Tracker) StopAll() {
	t.mu.Lock()
	t.stopped = true
	sessions := make([]*PollSession, 0, len(t.sessions))
	for id, s := range t.sessions {
		sessions = append(sessions, s)
		delete(t.sessions, id)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.Cancel()
	}

	if t.logger != nil {
		t.logger.Info("stopped all tracking sessions", "count", len(sessions))
	}
}

// ActiveSessions returns the number of runs currently being tracked.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// recordTerminal persists a session's terminal outcome and forgets the
// session.
func (t *Tracker) recordTerminal(runID string, outcome PollOutcome) {
	t.mu.Lock()
	delete(t.sessions, runID)
	t.mu.Unlock()

	params := core.MarkTerminalParams{ID: runID}
	switch outcome.Kind {
	case PollSucceeded:
		params.Status = model.RunStatusSucceeded
		params.Outcome = outcome.Outcome
	case PollFailed:
		params.Status = model.RunStatusFailed
		params.ErrMsg = outcome.Reason
	case PollTimedOut:
		// Not a failure: the run may still finish server-side.
		params.Status = model.RunStatusInconclusive
	}

	ctx, cancel := context.WithTimeout(context.Background(), markTerminalTimeout)
	defer cancel()

	updated, err := t.runs.MarkTerminal(ctx, params)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("failed to record run outcome",
				"run_id", runID,
				"outcome", outcome.Kind,
				"error", err,
			)
		}
		return
	}

	if t.logger != nil {
		t.logger.Info("analysis run finished",
			"run_id", runID,
			"outcome", outcome.Kind,
			"attempts", outcome.Attempts,
			"updated", updated,
		)
	}
}
