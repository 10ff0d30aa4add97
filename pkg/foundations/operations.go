// Package foundations provides small deterministic operations used to exercise
// the controlled execution path end to end, and ready-made runs over them.
package foundations

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// InputError reports an argument a foundational operation cannot accept.
type InputError struct {
	Arg    string
	Reason string
}

func (e *InputError) Error() string {
	return e.Arg + " " + e.Reason
}

// SolvePoisson1D solves -phi'' = rho on a uniform grid with phi = 0 at both ends,
// using the Thomas algorithm on the interior points.
func SolvePoisson1D(rho []float64, spacing float64) ([]float64, error) {
	if spacing <= 0 {
		return nil, &InputError{Arg: "spacing", Reason: "must be positive"}
	}
	if len(rho) < 3 {
		return nil, &InputError{Arg: "rho", Reason: "must contain at least 3 points"}
	}

	m := len(rho) - 2
	diag := make([]float64, m)
	rhs := make([]float64, m)
	for i := range m {
		diag[i] = 2
		rhs[i] = rho[i+1] * spacing * spacing
	}

	// Forward elimination; both off-diagonals are -1.
	for i := 1; i < m; i++ {
		w := 1 / diag[i-1]
		diag[i] -= w
		rhs[i] += w * rhs[i-1]
	}

	phi := make([]float64, len(rho))
	phi[m] = rhs[m-1] / diag[m-1]
	for i := m - 2; i >= 0; i-- {
		phi[i+1] = (rhs[i] + phi[i+2]) / diag[i]
	}
	return phi, nil
}

// IntegrateTrajectory1D integrates position under a constant force with
// semi-implicit Euler steps. The result includes x0 and has steps+1 points.
func IntegrateTrajectory1D(x0, v0, dt float64, steps int, force, mass float64) ([]float64, error) {
	switch {
	case dt <= 0:
		return nil, &InputError{Arg: "dt", Reason: "must be positive"}
	case steps < 1:
		return nil, &InputError{Arg: "steps", Reason: "must be at least 1"}
	case mass == 0:
		return nil, &InputError{Arg: "mass", Reason: "must be non-zero"}
	}

	a := force / mass
	x, v := x0, v0
	positions := make([]float64, 0, steps+1)
	positions = append(positions, x)
	for range steps {
		v += a * dt
		x += v * dt
		positions = append(positions, x)
	}
	return positions, nil
}

// Smooth applies a centered moving average. Windows at the edges shrink to the
// available points.
func Smooth(values []float64, window int) ([]float64, error) {
	if window < 1 {
		return nil, &InputError{Arg: "window", Reason: "must be >= 1"}
	}
	half := window / 2
	out := make([]float64, len(values))
	for i := range values {
		lo := max(0, i-half)
		hi := min(len(values), i+half+1)
		var sum float64
		for _, v := range values[lo:hi] {
			sum += v
		}
		out[i] = sum / float64(hi-lo)
	}
	return out, nil
}

// SimplifyText collapses whitespace and lower-cases text.
func SimplifyText(text string) string {
	return cases.Lower(language.Und).String(strings.Join(strings.Fields(text), " "))
}
