// Package state provides SQLite-based persistence for conductor.
package state

import (
	"io"

	"github.com/conductorhq/conductor/pkg/models"
)

// RunStore handles run-related persistence operations.
type RunStore interface {
	CreateRun(r *models.Run) error
	GetRun(id string) (*models.Run, error)
	UpdateRun(r *models.Run) error
	ListRuns(limit int) ([]*models.Run, error)
	FindInterrupted() ([]*models.Run, error)
}

// CheckpointStore handles checkpoint persistence operations.
type CheckpointStore interface {
	SaveCheckpoint(cp *Checkpoint) (int, error)
	LatestCheckpoint(runID string) (*Checkpoint, error)
	ListCheckpoints(runID string) ([]*Checkpoint, error)
}

// Migrator handles database schema migrations.
// Separating this allows clients to depend only on migration functionality.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store defines the interface for run persistence.
// This interface allows the engine to work with any state backend
// without depending on the concrete SQLite implementation.
// It composes focused sub-interfaces for better modularity.
type Store interface {
	io.Closer
	Migrator
	RunStore
	CheckpointStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store           = (*DB)(nil)
	_ Migrator        = (*DB)(nil)
	_ RunStore        = (*DB)(nil)
	_ CheckpointStore = (*DB)(nil)
)
