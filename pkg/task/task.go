// Package task defines the unit of work run by the kernel and the process-wide
// registry that lets an isolated worker find a task by name.
package task

import (
	"context"
	"maps"
)

// Args are the named arguments passed to a task. Values must be JSON-encodable
// for a task to run in an isolated worker.
type Args map[string]any

// Clone returns a shallow copy of a.
func (a Args) Clone() Args {
	if a == nil {
		return Args{}
	}
	return maps.Clone(a)
}

// Without returns a copy of a with the given keys removed.
func (a Args) Without(keys ...string) Args {
	out := a.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}

// Func is the signature of a task body.
type Func func(ctx context.Context, args Args) (any, error)

// Task is a named unit of work.
type Task interface {
	Name() string
	Run(ctx context.Context, args Args) (any, error)
}

type named struct {
	name string
	fn   Func
}

// Named wraps fn as a Task. The task is not registered; use Register for tasks that
// must be runnable in a worker process.
func Named(name string, fn Func) Task {
	return &named{name: name, fn: fn}
}

func (n *named) Name() string { return n.name }

func (n *named) Run(ctx context.Context, args Args) (any, error) {
	return n.fn(ctx, args)
}
