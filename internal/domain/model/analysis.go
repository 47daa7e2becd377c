// Package model defines the core data types used throughout the farmops analysis subsystem.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobHandle is the opaque identifier issued by farm-core for a background
// analysis run. It carries no behaviour beyond identifying the run on the
// status endpoint.
type JobHandle string

// Valid returns true if the handle is non-empty after trimming.
func (h JobHandle) Valid() bool {
	return strings.TrimSpace(string(h)) != ""
}

// JobStatus represents the status reported by the farm-core status endpoint.
//
//nolint:recvcheck // UnmarshalText needs pointer receiver, Valid needs value receiver
type JobStatus string

const (
	// JobStatusPending indicates the run is queued and has not started yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusInProgress indicates the run is executing.
	JobStatusInProgress JobStatus = "in_progress"
	// JobStatusSucceeded indicates the run finished and produced an outcome.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the run finished with an error.
	JobStatusFailed JobStatus = "failed"
)

// Valid returns true if the JobStatus is one of the known states.
func (s JobStatus) Valid() bool {
	return s == JobStatusPending || s == JobStatusInProgress ||
		s == JobStatusSucceeded || s == JobStatusFailed
}

// Terminal returns true once no further status transition can occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// UnmarshalText implements encoding.TextUnmarshaler so wire markers such as
// PENDING/PROGRESS/SUCCESS/FAILURE map onto the canonical statuses.
func (s *JobStatus) UnmarshalText(text []byte) error {
	v := strings.ToLower(strings.TrimSpace(string(text)))
	switch v {
	case "pending":
		*s = JobStatusPending
	case "progress", "in_progress", "running":
		*s = JobStatusInProgress
	case "success", "succeeded":
		*s = JobStatusSucceeded
	case "failure", "failed":
		*s = JobStatusFailed
	default:
		return fmt.Errorf("invalid JobStatus: %q", v)
	}
	return nil
}

// AnalysisRequest identifies the target the water-consumption analysis
// should run against. Immutable once dispatched.
type AnalysisRequest struct {
	HouseID string `json:"house_id"`
	// FarmID optionally widens the scope to every house on the farm.
	FarmID string `json:"farm_id,omitempty"`
}

// Validate validates the AnalysisRequest fields.
func (r *AnalysisRequest) Validate() error {
	if strings.TrimSpace(r.HouseID) == "" && strings.TrimSpace(r.FarmID) == "" {
		return errors.New("house id or farm id is required")
	}
	return nil
}

// Target returns the identifier the request runs against, preferring the
// narrower house scope.
func (r *AnalysisRequest) Target() string {
	if strings.TrimSpace(r.HouseID) != "" {
		return r.HouseID
	}
	return r.FarmID
}

// AnalysisOutcome is the structured result of a completed analysis run.
type AnalysisOutcome struct {
	HousesChecked     int    `json:"checked"`
	AlertsCreated     int    `json:"alerts"`
	NotificationsSent int    `json:"notifications"`
	Message           string `json:"message,omitempty"`
}

// DispatchKind discriminates the three ways a dispatch can resolve.
type DispatchKind string

const (
	// DispatchImmediate means the run executed synchronously and already finished.
	DispatchImmediate DispatchKind = "immediate"
	// DispatchDeferred means the run was accepted and executes in the background.
	DispatchDeferred DispatchKind = "deferred"
	// DispatchFallback means farm-core fell back to synchronous execution
	// after failing to queue the run; the outcome is present like
	// DispatchImmediate but a warning explains the degradation.
	DispatchFallback DispatchKind = "fallback"
)

// DispatchResult is the tagged union produced by a dispatch call.
// Exactly one of Outcome (immediate, fallback) or Handle (deferred) is set.
type DispatchResult struct {
	Kind    DispatchKind     `json:"kind"`
	Outcome *AnalysisOutcome `json:"outcome,omitempty"`
	Handle  JobHandle        `json:"handle,omitempty"`
	Warning string           `json:"warning,omitempty"`
}

// Validate checks the internal consistency of the union.
func (r *DispatchResult) Validate() error {
	switch r.Kind {
	case DispatchImmediate, DispatchFallback:
		if r.Outcome == nil {
			return fmt.Errorf("%s dispatch requires an outcome", r.Kind)
		}
	case DispatchDeferred:
		if !r.Handle.Valid() {
			return errors.New("deferred dispatch requires a job handle")
		}
	default:
		return fmt.Errorf("invalid dispatch kind: %q", r.Kind)
	}
	return nil
}

// StatusSnapshot is one observation of a background run from the status
// endpoint. Outcome is set only when Status is succeeded; Error only when
// Status is failed.
type StatusSnapshot struct {
	Status  JobStatus        `json:"status"`
	Outcome *AnalysisOutcome `json:"outcome,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// RunStatus tracks an analysis run in the dashboard's run history.
type RunStatus string

const (
	// RunStatusPending indicates a deferred run not yet observed terminal.
	RunStatusPending RunStatus = "pending"
	// RunStatusSucceeded indicates the run completed with an outcome.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusFailed indicates the run reported failure.
	RunStatusFailed RunStatus = "failed"
	// RunStatusInconclusive indicates tracking gave up before a terminal
	// status was observed; the run may still have finished server-side.
	RunStatusInconclusive RunStatus = "inconclusive"
)

// Valid returns true if the RunStatus is valid.
func (s RunStatus) Valid() bool {
	return s == RunStatusPending || s == RunStatusSucceeded ||
		s == RunStatusFailed || s == RunStatusInconclusive
}

// AnalysisRun is a row in the dashboard's analysis run history.
type AnalysisRun struct {
	ID          string           `json:"id"            db:"id"`
	HouseID     string           `json:"house_id"      db:"house_id"`
	FarmID      *string          `json:"farm_id,omitempty"      db:"farm_id"`
	Mode        DispatchKind     `json:"mode"          db:"mode"`
	Handle      *string          `json:"handle,omitempty"       db:"handle"`
	Status      RunStatus        `json:"status"        db:"status"`
	Outcome     *AnalysisOutcome `json:"outcome,omitempty"      db:"outcome"`
	Warning     *string          `json:"warning,omitempty"      db:"warning"`
	LastError   *string          `json:"last_error,omitempty"   db:"last_error"`
	CreatedAt   time.Time        `json:"created_at"    db:"created_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty" db:"completed_at"`
}
