package domain

import "time"

// Workflow is a registered workflow definition. The raw bytes are the
// source of truth; parsing and validation happen above the domain layer.
type Workflow struct {
	ID        string
	Name      string // Unique across registered workflows
	Path      string // Where the definition was loaded from, if file-backed
	Revision  string // Content hash of Raw
	Raw       []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// NewWorkflow creates a new Workflow.
func NewWorkflow(id, name string, raw []byte) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:        id,
		Name:      name,
		Raw:       raw,
		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
}
