package foundations

import (
	"context"
	"slices"

	"github.com/kl-kernel/kl/pkg/controlled"
	"github.com/kl-kernel/kl/pkg/descriptor"
	"github.com/kl-kernel/kl/pkg/execution"
	"github.com/kl-kernel/kl/pkg/task"
	"github.com/kl-kernel/kl/pkg/trace"
)

// Example is a ready-made controlled run.
type Example struct {
	Name       string
	Descriptor descriptor.Descriptor
	Context    execution.Context
	Task       task.Task
	Args       task.Args
}

func restricted(timeout float64) *execution.Policy {
	return &execution.Policy{TimeoutSeconds: &timeout}
}

// Examples returns the built-in runs, sorted by name.
func Examples() []Example {
	poisson := descriptor.New("foundations.poisson_1d", "math", descriptor.EffectPure)
	poisson.Description = "1D Poisson equation solver"
	poisson.Constraints = descriptor.Constraints{
		Scope:  "local",
		Format: "numeric",
		Extra:  map[string]string{"max_grid_size": "4096"},
	}

	trajectory := descriptor.New("foundations.trajectory_1d", "math", descriptor.EffectPure)
	trajectory.Description = "1D trajectory integration"
	trajectory.Constraints = descriptor.Constraints{Scope: "local", Temporal: "deterministic_simulation"}

	smoothing := descriptor.New("foundations.smoothing", "math", descriptor.EffectPure)
	smoothing.Description = "Three-point moving average"
	smoothing.Constraints = descriptor.Constraints{
		Scope:  "local",
		Format: "numeric",
		Extra:  map[string]string{"max_length": "10000"},
	}

	text := descriptor.New("application.text_simplify", "application", descriptor.EffectPure)
	text.Description = "Input is plain text, output is simplified plain text."
	text.Constraints = descriptor.Constraints{Scope: "local", Format: "text"}

	return []Example{
		{
			Name:       "poisson",
			Descriptor: poisson,
			Context:    execution.Context{UserID: "foundations-numerics", RequestID: "poisson-1d-demo-001", Policy: restricted(30)},
			Task:       PoissonTask,
			Args:       task.Args{"rho": []float64{0, 1, 0}, "spacing": 0.1},
		},
		{
			Name:       "smoothing",
			Descriptor: smoothing,
			Context:    execution.Context{UserID: "foundations-signals", RequestID: "smooth-demo-001", Policy: restricted(5)},
			Task:       SmoothingTask,
			Args:       task.Args{"values": []float64{1, 2, 3, 4}},
		},
		{
			Name:       "text_simplify",
			Descriptor: text,
			Context:    execution.Context{UserID: "demo-user", RequestID: "demo-request-001", Policy: restricted(5)},
			Task:       TextSimplifyTask,
			Args:       task.Args{"text": "  This Is   A DEMO Text   with   Irregular   spacing. "},
		},
		{
			Name:       "trajectory",
			Descriptor: trajectory,
			Context:    execution.Context{UserID: "foundations-mechanics", RequestID: "traj-1d-demo-001", Policy: restricted(10)},
			Task:       TrajectoryTask,
			Args:       task.Args{"x0": 0.0, "v0": 0.0, "dt": 0.01, "steps": 100, "force": 1.0, "mass": 1.0},
		},
	}
}

// Names lists the example names.
func Names() []string {
	var names []string
	for _, ex := range Examples() {
		names = append(names, ex.Name)
	}
	return names
}

// Lookup finds an example by name.
func Lookup(name string) (Example, bool) {
	exs := Examples()
	i := slices.IndexFunc(exs, func(ex Example) bool { return ex.Name == name })
	if i < 0 {
		return Example{}, false
	}
	return exs[i], true
}

// Run executes ex through the layer under its own execution context.
func (ex Example) Run(ctx context.Context, l *controlled.Layer, opts ...controlled.Option) (*trace.Trace, error) {
	opts = append([]controlled.Option{controlled.WithExecutionContext(ex.Context)}, opts...)
	return l.Execute(ctx, ex.Descriptor, ex.Task, ex.Args, opts...)
}
