// Package catalog maintains the registry of available workers and their
// declared capabilities. The catalog is built once at startup from a static
// YAML manifest; workers are never discovered by scanning at runtime.
package catalog

import (
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/conductorhq/conductor/pkg/models"
)

// Manifest is the on-disk registration table for workers.
type Manifest struct {
	// DefaultWorker is the id of the general-purpose worker used when the
	// plan builder cannot bind a step to anything more specific.
	DefaultWorker string `yaml:"default_worker"`
	// Workers lists every registered worker descriptor.
	Workers []*models.WorkerDescriptor `yaml:"workers"`
}

// LoadManifest reads and validates a manifest from the given path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest parses manifest YAML and validates it.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Workers) == 0 {
		return fmt.Errorf("manifest registers no workers")
	}

	seen := make(map[string]bool, len(m.Workers))
	for _, w := range m.Workers {
		if w.ID == "" {
			return fmt.Errorf("manifest contains a worker without an id")
		}
		if seen[w.ID] {
			return fmt.Errorf("duplicate worker id %q", w.ID)
		}
		seen[w.ID] = true

		if !w.Kind.Valid() {
			return fmt.Errorf("worker %q has unknown kind %q", w.ID, w.Kind)
		}
		if len(w.Capabilities) == 0 {
			return fmt.Errorf("worker %q declares no capabilities", w.ID)
		}
	}

	if m.DefaultWorker == "" {
		return fmt.Errorf("manifest does not name a default worker")
	}
	if !seen[m.DefaultWorker] {
		return fmt.Errorf("default worker %q is not registered", m.DefaultWorker)
	}
	return nil
}
