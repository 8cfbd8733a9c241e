package catalog

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// History records per-worker execution outcomes so the recovery policy can
// rank alternative workers by observed success rate.
type History struct {
	db *sql.DB
	mu sync.Mutex
}

// OpenHistory opens (creating if necessary) the execution history database.
func OpenHistory(dbPath string) (*History, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS worker_history (
			worker_id TEXT PRIMARY KEY,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create worker_history table: %w", err)
	}

	return &History{db: db}, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

// Record stores one execution outcome for a worker.
func (h *History) Record(workerID string, success bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	successes, failures := 0, 0
	if success {
		successes = 1
	} else {
		failures = 1
	}

	_, err := h.db.Exec(`
		INSERT INTO worker_history (worker_id, successes, failures, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(worker_id) DO UPDATE SET
			successes = successes + excluded.successes,
			failures = failures + excluded.failures,
			updated_at = excluded.updated_at
	`, workerID, successes, failures, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record execution for %s: %w", workerID, err)
	}
	return nil
}

// Rate returns the worker's success rate and total recorded executions.
// A worker with no history returns (0, 0).
func (h *History) Rate(workerID string) (float64, int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var successes, failures int
	row := h.db.QueryRow(`SELECT successes, failures FROM worker_history WHERE worker_id = ?`, workerID)
	if err := row.Scan(&successes, &failures); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("query history for %s: %w", workerID, err)
	}

	total := successes + failures
	if total == 0 {
		return 0, 0, nil
	}
	return float64(successes) / float64(total), total, nil
}
