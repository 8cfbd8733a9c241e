package models

// WorkerKind classifies what sort of collaborator a worker is.
type WorkerKind string

const (
	// WorkerKindAgent is an autonomous, usually inference-backed worker.
	WorkerKindAgent WorkerKind = "AGENT"
	// WorkerKindIntegration wraps a third-party service.
	WorkerKindIntegration WorkerKind = "INTEGRATION"
	// WorkerKindAction is a deterministic local operation.
	WorkerKindAction WorkerKind = "ACTION"
)

// Valid returns true if the kind is a known value.
func (k WorkerKind) Valid() bool {
	switch k {
	case WorkerKindAgent, WorkerKindIntegration, WorkerKindAction:
		return true
	default:
		return false
	}
}

// WorkerDescriptor describes a capability-providing worker as registered
// in the catalog manifest.
type WorkerDescriptor struct {
	// ID is the stable identifier of the worker.
	ID string `json:"id" yaml:"id"`
	// Kind classifies the worker.
	Kind WorkerKind `json:"kind" yaml:"kind"`
	// Description explains what the worker does, fed to the plan builder.
	Description string `json:"description,omitempty" yaml:"description"`
	// Capabilities lists declared capability tags.
	Capabilities []string `json:"capabilities" yaml:"capabilities"`
	// ParameterSchema maps input parameter names to type descriptions.
	ParameterSchema map[string]string `json:"parameterSchema,omitempty" yaml:"parameters"`
}

// HasCapability returns true if the worker declares the given tag.
func (d *WorkerDescriptor) HasCapability(tag string) bool {
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// SharesCapability returns true if the two workers declare at least one
// capability tag in common.
func (d *WorkerDescriptor) SharesCapability(other *WorkerDescriptor) bool {
	for _, c := range d.Capabilities {
		if other.HasCapability(c) {
			return true
		}
	}
	return false
}
