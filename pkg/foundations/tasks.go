package foundations

import (
	"context"
	"fmt"
	"math"

	"github.com/kl-kernel/kl/pkg/task"
)

// Registered tasks. Arguments may arrive as Go values or decoded JSON, so numbers
// are accepted as any numeric type.
var (
	PoissonTask = task.Register("foundations.poisson_1d", func(_ context.Context, args task.Args) (any, error) {
		rho, err := floatsArg(args, "rho")
		if err != nil {
			return nil, err
		}
		spacing, err := floatArg(args, "spacing")
		if err != nil {
			return nil, err
		}
		phi, err := SolvePoisson1D(rho, spacing)
		if err != nil {
			return nil, err
		}
		return map[string]any{"values": phi, "spacing": spacing}, nil
	})

	TrajectoryTask = task.Register("foundations.trajectory_1d", func(_ context.Context, args task.Args) (any, error) {
		var p [5]float64
		for i, name := range []string{"x0", "v0", "dt", "force", "mass"} {
			f, err := floatArg(args, name)
			if err != nil {
				return nil, err
			}
			p[i] = f
		}
		steps, err := intArg(args, "steps")
		if err != nil {
			return nil, err
		}
		return IntegrateTrajectory1D(p[0], p[1], p[2], steps, p[3], p[4])
	})

	SmoothingTask = task.Register("foundations.smoothing", func(_ context.Context, args task.Args) (any, error) {
		values, err := floatsArg(args, "values")
		if err != nil {
			return nil, err
		}
		window := 3
		if _, ok := args["window"]; ok {
			if window, err = intArg(args, "window"); err != nil {
				return nil, err
			}
		}
		return Smooth(values, window)
	})

	TextSimplifyTask = task.Register("application.text_simplify", func(_ context.Context, args task.Args) (any, error) {
		text, ok := args["text"].(string)
		if !ok {
			return nil, &InputError{Arg: "text", Reason: "must be a string"}
		}
		return SimplifyText(text), nil
	})
)

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

func floatArg(args task.Args, name string) (float64, error) {
	f, ok := toFloat(args[name])
	if !ok {
		return 0, &InputError{Arg: name, Reason: fmt.Sprintf("must be a number, got %T", args[name])}
	}
	return f, nil
}

func intArg(args task.Args, name string) (int, error) {
	f, err := floatArg(args, name)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, &InputError{Arg: name, Reason: "must be an integer"}
	}
	return int(f), nil
}

func floatsArg(args task.Args, name string) ([]float64, error) {
	switch vs := args[name].(type) {
	case []float64:
		return vs, nil
	case []int:
		out := make([]float64, len(vs))
		for i, v := range vs {
			out[i] = float64(v)
		}
		return out, nil
	case []any:
		out := make([]float64, len(vs))
		for i, v := range vs {
			f, ok := toFloat(v)
			if !ok {
				return nil, &InputError{Arg: name, Reason: fmt.Sprintf("element %d is not a number", i)}
			}
			out[i] = f
		}
		return out, nil
	}
	return nil, &InputError{Arg: name, Reason: "must be a list of numbers"}
}
