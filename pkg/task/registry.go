package task

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	// ErrDuplicateTask is returned when a name is registered twice.
	ErrDuplicateTask = errors.New("task: duplicate registration")
	// ErrUnknownTask is returned when a worker is asked for an unregistered name.
	ErrUnknownTask = errors.New("task: unknown task")
)

// Registry maps task names to tasks. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Task)}
}

// Add registers t under its name.
func (r *Registry) Add(t Task) error {
	if t == nil || t.Name() == "" {
		return fmt.Errorf("task: registration requires a named task")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[t.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.Name())
	}
	r.tasks[t.Name()] = t
	return nil
}

// Lookup returns the task registered under name.
func (r *Registry) Lookup(name string) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[name]
	return t, ok
}

// Contains reports whether t itself is the task registered under its name.
func (r *Registry) Contains(t Task) bool {
	if t == nil {
		return false
	}
	got, ok := r.Lookup(t.Name())
	return ok && got == t
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry consulted by worker processes.
func Default() *Registry { return defaultRegistry }

// Register adds fn to the default registry and returns the resulting Task. It is
// meant to be called from package init or var blocks, so the same set of tasks
// exists in the parent and in every re-executed worker. It panics on a duplicate
// name, like database/sql.Register.
func Register(name string, fn Func) Task {
	t := Named(name, fn)
	if err := defaultRegistry.Add(t); err != nil {
		panic(err)
	}
	return t
}

// Lookup finds a task in the default registry.
func Lookup(name string) (Task, bool) {
	return defaultRegistry.Lookup(name)
}
