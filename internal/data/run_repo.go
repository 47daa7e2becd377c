// Package data provides database-backed repositories for the farmops
// analysis subsystem.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/farmsight/ops-api/internal/core"
	"github.com/farmsight/ops-api/internal/domain/model"
	apperrors "github.com/farmsight/ops-api/internal/errors"
)

// RunRepo provides database operations for the analysis run history.
type RunRepo struct {
	DB     *sql.DB
	logger *slog.Logger
}

// NewRunRepo creates a new RunRepo with the given database connection.
func NewRunRepo(db *sql.DB, logger *slog.Logger) *RunRepo {
	return &RunRepo{DB: db, logger: logger}
}

const runColumns = `
  id,
  house_id,
  farm_id,
  mode,
  handle,
  status,
  outcome,
  warning,
  last_error,
  created_at,
  completed_at
`

// Create inserts a new run row.
func (r *RunRepo) Create(ctx context.Context, run *model.AnalysisRun) error {
	if run == nil || strings.TrimSpace(run.ID) == "" {
		return apperrors.Validation("run with id is required")
	}
	if !run.Status.Valid() {
		return apperrors.Validationf("invalid run status: %q", run.Status)
	}

	outcome, err := marshalOutcome(run.Outcome)
	if err != nil {
		return err
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO analysis_runs (
		  id, house_id, farm_id, mode, handle, status,
		  outcome, warning, last_error, created_at, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		run.ID, run.HouseID, run.FarmID, run.Mode, run.Handle, run.Status,
		outcome, run.Warning, run.LastError, createdAt, run.CompletedAt,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("insert analysis run: %w", err))
	}
	return nil
}

// MarkTerminal records the final state of a run. The WHERE clause keeps the
// update idempotent: a run that already reached a terminal status is left
// untouched and false is returned.
func (r *RunRepo) MarkTerminal(ctx context.Context, p core.MarkTerminalParams) (bool, error) {
	if strings.TrimSpace(p.ID) == "" {
		return false, apperrors.Validation("run id is required")
	}
	if !p.Status.Valid() || p.Status == model.RunStatusPending {
		return false, apperrors.Validationf("invalid terminal status: %q", p.Status)
	}

	outcome, err := marshalOutcome(p.Outcome)
	if err != nil {
		return false, err
	}

	var errMsg *string
	if p.ErrMsg != "" {
		errMsg = &p.ErrMsg
	}

	res, err := r.DB.ExecContext(ctx, `
		UPDATE analysis_runs
		SET status = $2,
		    outcome = $3,
		    last_error = $4,
		    completed_at = $5
		WHERE id = $1 AND status = 'pending'
	`, p.ID, p.Status, outcome, errMsg, time.Now().UTC())
	if err != nil {
		return false, apperrors.MapDBError(fmt.Errorf("mark run terminal: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetByID returns a run by its ID.
func (r *RunRepo) GetByID(ctx context.Context, id string) (*model.AnalysisRun, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+`
		FROM analysis_runs
		WHERE id = $1
	`, id)

	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFoundf("analysis run %s not found", id)
		}
		return nil, apperrors.MapDBError(fmt.Errorf("get analysis run: %w", err))
	}
	return run, nil
}

// ListRecent returns the most recent runs, newest first.
func (r *RunRepo) ListRecent(ctx context.Context, limit int) ([]*model.AnalysisRun, error) {
	return r.list(ctx, `
		SELECT `+runColumns+`
		FROM analysis_runs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
}

// ListPending returns runs still awaiting a terminal status, oldest first.
func (r *RunRepo) ListPending(ctx context.Context, limit int) ([]*model.AnalysisRun, error) {
	return r.list(ctx, `
		SELECT `+runColumns+`
		FROM analysis_runs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
}

func (r *RunRepo) list(ctx context.Context, query string, limit int) ([]*model.AnalysisRun, error) {
	rows, err := r.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("list analysis runs: %w", err))
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil && r.logger != nil {
			r.logger.Warn("close rows failed", "error", cerr)
		}
	}()

	runs := make([]*model.AnalysisRun, 0, limit)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan analysis run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.MapDBError(fmt.Errorf("iterate analysis runs: %w", err))
	}
	return runs, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*model.AnalysisRun, error) {
	var (
		run     model.AnalysisRun
		outcome []byte
	)
	err := row.Scan(
		&run.ID,
		&run.HouseID,
		&run.FarmID,
		&run.Mode,
		&run.Handle,
		&run.Status,
		&outcome,
		&run.Warning,
		&run.LastError,
		&run.CreatedAt,
		&run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(outcome) > 0 {
		var o model.AnalysisOutcome
		if err := json.Unmarshal(outcome, &o); err != nil {
			return nil, fmt.Errorf("decode run outcome: %w", err)
		}
		run.Outcome = &o
	}
	return &run, nil
}

func marshalOutcome(o *model.AnalysisOutcome) ([]byte, error) {
	if o == nil {
		return nil, nil
	}
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("encode run outcome: %w", err)
	}
	return b, nil
}
