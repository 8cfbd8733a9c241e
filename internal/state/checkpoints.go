package state

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNoCheckpoint is returned when a run has no saved checkpoints.
var ErrNoCheckpoint = errors.New("no checkpoint for run")

// Checkpoint is one durable snapshot of run progress. Numbers within a
// run are strictly increasing and assigned by the store at save time.
type Checkpoint struct {
	RunID          string
	Number         int
	CompletedSteps []string
	FailedSteps    []string
	SkippedSteps   []string
	// CurrentStep is the ordinal of the most recently settled step, so a
	// checkpoint is self-contained: resuming needs no look at the run row.
	CurrentStep     int
	ContextSnapshot map[string]any
	CreatedAt       time.Time
}

// SaveCheckpoint persists a checkpoint, assigning the next number for the
// run inside the same transaction so concurrent saves can never collide
// or regress. The assigned number is returned.
func (db *DB) SaveCheckpoint(cp *Checkpoint) (int, error) {
	completed, err := json.Marshal(cp.CompletedSteps)
	if err != nil {
		return 0, fmt.Errorf("marshal completed steps: %w", err)
	}
	failed, err := json.Marshal(cp.FailedSteps)
	if err != nil {
		return 0, fmt.Errorf("marshal failed steps: %w", err)
	}
	skipped, err := json.Marshal(cp.SkippedSteps)
	if err != nil {
		return 0, fmt.Errorf("marshal skipped steps: %w", err)
	}
	snapshot, err := json.Marshal(cp.ContextSnapshot)
	if err != nil {
		return 0, fmt.Errorf("marshal context snapshot: %w", err)
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	var number int
	err = db.Transaction(func(tx *sql.Tx) error {
		row := tx.QueryRow("SELECT COALESCE(MAX(number), 0) FROM checkpoints WHERE run_id = ?", cp.RunID)
		var current int
		if err := row.Scan(&current); err != nil {
			return fmt.Errorf("get checkpoint number: %w", err)
		}
		number = current + 1

		_, err := tx.Exec(`
			INSERT INTO checkpoints (run_id, number, completed_steps, failed_steps, skipped_steps, current_step, context_snapshot, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, cp.RunID, number, string(completed), string(failed), string(skipped), cp.CurrentStep, string(snapshot), formatTime(cp.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	cp.Number = number
	return number, nil
}

// LatestCheckpoint loads the highest-numbered checkpoint for a run.
func (db *DB) LatestCheckpoint(runID string) (*Checkpoint, error) {
	row := db.QueryRow(`
		SELECT run_id, number, completed_steps, failed_steps, skipped_steps, current_step, context_snapshot, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY number DESC
		LIMIT 1
	`, runID)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoCheckpoint, runID)
	}
	return cp, err
}

// ListCheckpoints returns all checkpoints for a run in ascending order.
func (db *DB) ListCheckpoints(runID string) ([]*Checkpoint, error) {
	rows, err := db.Query(`
		SELECT run_id, number, completed_steps, failed_steps, skipped_steps, current_step, context_snapshot, created_at
		FROM checkpoints
		WHERE run_id = ?
		ORDER BY number ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

func scanCheckpoint(s scanner) (*Checkpoint, error) {
	var cp Checkpoint
	var completed, failed, skipped, createdAt string
	var snapshot sql.NullString

	err := s.Scan(&cp.RunID, &cp.Number, &completed, &failed, &skipped, &cp.CurrentStep, &snapshot, &createdAt)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(completed), &cp.CompletedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal completed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(failed), &cp.FailedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal failed steps: %w", err)
	}
	if err := json.Unmarshal([]byte(skipped), &cp.SkippedSteps); err != nil {
		return nil, fmt.Errorf("unmarshal skipped steps: %w", err)
	}
	if snapshot.Valid && snapshot.String != "" {
		if err := json.Unmarshal([]byte(snapshot.String), &cp.ContextSnapshot); err != nil {
			return nil, fmt.Errorf("unmarshal context snapshot: %w", err)
		}
	}
	if cp.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse checkpoint created_at: %w", err)
	}
	return &cp, nil
}
