package runner

import (
	"sync"

	"github.com/pkg/errors"
)

// ErrNoProcess is returned when no live process is registered under a key
var ErrNoProcess = errors.New("no live process")

// Process is a running command that can be killed
type Process interface {
	Kill() error
}

// ProcessRegistry tracks live command processes by key
type ProcessRegistry struct {
	mu        sync.Mutex
	processes map[string]Process
}

// NewProcessRegistry creates an empty registry
func NewProcessRegistry() *ProcessRegistry {
	return &ProcessRegistry{processes: make(map[string]Process)}
}

func (r *ProcessRegistry) Register(key string, p Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[key] = p
}

func (r *ProcessRegistry) Get(key string) (Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[key]
	return p, ok
}

func (r *ProcessRegistry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.processes, key)
}

// Kill kills and unregisters the process under key
func (r *ProcessRegistry) Kill(key string) error {
	r.mu.Lock()
	p, ok := r.processes[key]
	delete(r.processes, key)
	r.mu.Unlock()

	if !ok {
		return errors.Wrapf(ErrNoProcess, "key %s", key)
	}
	return p.Kill()
}
