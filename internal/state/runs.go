package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

// ErrRunNotFound is returned when a run ID has no row.
var ErrRunNotFound = errors.New("run not found")

// CreateRun inserts a new run record.
func (db *DB) CreateRun(r *models.Run) error {
	planJSON, err := marshalPlan(r.Plan)
	if err != nil {
		return err
	}
	resultJSON, err := marshalResult(r.Result)
	if err != nil {
		return err
	}

	_, err = db.Exec(`
		INSERT INTO runs (id, requester, request, status, plan, current_step, result, error, failed_step_id, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID, r.Requester, r.Request, string(r.Status), planJSON, r.CurrentStep,
		resultJSON, r.Error, r.FailedStepID,
		formatTime(r.CreatedAt), nullableTime(r.StartedAt), nullableTime(r.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return nil
}

// UpdateRun persists the mutable fields of a run.
func (db *DB) UpdateRun(r *models.Run) error {
	planJSON, err := marshalPlan(r.Plan)
	if err != nil {
		return err
	}
	resultJSON, err := marshalResult(r.Result)
	if err != nil {
		return err
	}

	result, err := db.Exec(`
		UPDATE runs
		SET status = ?, plan = ?, current_step = ?, result = ?, error = ?, failed_step_id = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`,
		string(r.Status), planJSON, r.CurrentStep, resultJSON, r.Error, r.FailedStepID,
		nullableTime(r.StartedAt), nullableTime(r.CompletedAt), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, r.ID)
	}
	return nil
}

// GetRun loads one run by ID.
func (db *DB) GetRun(id string) (*models.Run, error) {
	row := db.QueryRow(`
		SELECT id, requester, request, status, plan, current_step, result, error, failed_step_id, created_at, started_at, completed_at
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return r, err
}

// ListRuns returns up to limit runs, newest first. A non-positive limit
// returns all runs.
func (db *DB) ListRuns(limit int) ([]*models.Run, error) {
	query := `
		SELECT id, requester, request, status, plan, current_step, result, error, failed_step_id, created_at, started_at, completed_at
		FROM runs ORDER BY created_at DESC
	`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = db.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = db.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// FindInterrupted returns runs that were in flight when the process
// stopped: non-terminal status, never finalized. These are candidates for
// resumption from their latest checkpoint.
func (db *DB) FindInterrupted() ([]*models.Run, error) {
	rows, err := db.Query(`
		SELECT id, requester, request, status, plan, current_step, result, error, failed_step_id, created_at, started_at, completed_at
		FROM runs
		WHERE status IN ('running', 'blocked', 'needs_human_review')
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("find interrupted runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*models.Run, error) {
	var r models.Run
	var status, createdAt string
	var plan, result, runErr, failedStepID, startedAt, completedAt sql.NullString

	err := s.Scan(
		&r.ID, &r.Requester, &r.Request, &status, &plan, &r.CurrentStep,
		&result, &runErr, &failedStepID, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Status = models.RunStatus(status)
	r.Error = runErr.String
	r.FailedStepID = failedStepID.String

	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse run created_at: %w", err)
	}
	r.StartedAt = parseNullableTime(startedAt)
	r.CompletedAt = parseNullableTime(completedAt)

	if plan.Valid && plan.String != "" {
		var p models.Plan
		if err := json.Unmarshal([]byte(plan.String), &p); err != nil {
			return nil, fmt.Errorf("unmarshal run plan: %w", err)
		}
		r.Plan = &p
	}
	if result.Valid && result.String != "" {
		var res models.RunResult
		if err := json.Unmarshal([]byte(result.String), &res); err != nil {
			return nil, fmt.Errorf("unmarshal run result: %w", err)
		}
		r.Result = &res
	}
	return &r, nil
}

func marshalPlan(p *models.Plan) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal plan: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func marshalResult(r *models.RunResult) (sql.NullString, error) {
	if r == nil {
		return sql.NullString{}, nil
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal result: %w", err)
	}
	return sql.NullString{String: string(raw), Valid: true}, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}
