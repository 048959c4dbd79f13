package executor

import (
	"context"
	"sync"

	"commissioner/internal/lock"
	"commissioner/internal/subtask"
	"commissioner/internal/task"

	"github.com/pkg/errors"
)

// Target is the resource a task locks, resolved from its params
type Target struct {
	ResourceID      string
	ExpectedVersion int64
}

// Plan is the queue a task runs, plus an optional compensating queue
// that runs when the main queue fails or is aborted
type Plan struct {
	Queue    *subtask.Queue
	Rollback *subtask.Queue
}

// ValidateFunc decodes and checks params before a task record exists
type ValidateFunc func(params []byte) (Target, error)

// PlanFunc builds the queue for a task
type PlanFunc func(ctx context.Context, t *task.Task) (*Plan, error)

// Registration describes how one task type is validated, locked and planned
type Registration struct {
	Type task.Type
	// Category groups task types for metrics, e.g. backup or upgrade
	Category  string
	Flavors   []lock.Flavor
	Abortable bool
	Retryable bool
	Validate  ValidateFunc
	Plan      PlanFunc
}

// Registry maps task types to their registrations
type Registry struct {
	mu   sync.RWMutex
	regs map[task.Type]Registration
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{regs: make(map[task.Type]Registration)}
}

// Register adds a registration. Each type can be registered once.
func (r *Registry) Register(reg Registration) error {
	if reg.Type == "" {
		return errors.New("registration has no task type")
	}
	if reg.Validate == nil || reg.Plan == nil {
		return errors.Errorf("registration for %s needs both Validate and Plan", reg.Type)
	}
	if reg.Category == "" {
		reg.Category = "task"
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.regs[reg.Type]; ok {
		return errors.Errorf("task type %s already registered", reg.Type)
	}
	r.regs[reg.Type] = reg
	return nil
}

// Get returns the registration of a task type
func (r *Registry) Get(t task.Type) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.regs[t]
	return reg, ok
}

// Missing returns the known task types that have no registration
func (r *Registry) Missing() []task.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var missing []task.Type
	for _, t := range task.AllTypes {
		if _, ok := r.regs[t]; !ok {
			missing = append(missing, t)
		}
	}
	return missing
}
