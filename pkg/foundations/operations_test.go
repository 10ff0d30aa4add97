package foundations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolvePoisson1D(t *testing.T) {
	phi, err := SolvePoisson1D([]float64{0, 1, 0}, 0.1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.005, 0}, phi, 1e-12)

	phi, err = SolvePoisson1D([]float64{1, 1, 1, 1, 1}, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 1.5, 2, 1.5, 0}, phi, 1e-12)
}

func TestSolvePoisson1DInvalid(t *testing.T) {
	_, err := SolvePoisson1D([]float64{0, 1, 0}, 0)
	var in *InputError
	require.ErrorAs(t, err, &in)
	assert.Equal(t, "spacing", in.Arg)

	_, err = SolvePoisson1D([]float64{0, 1}, 0.1)
	require.ErrorAs(t, err, &in)
	assert.Equal(t, "rho", in.Arg)
}

func TestIntegrateTrajectory1D(t *testing.T) {
	xs, err := IntegrateTrajectory1D(0, 0, 0.1, 3, 1, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0, 0.01, 0.03, 0.06}, xs, 1e-12)

	xs, err = IntegrateTrajectory1D(2, 1, 1, 2, 0, 5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{2, 3, 4}, xs, 1e-12)
}

func TestIntegrateTrajectory1DInvalid(t *testing.T) {
	for _, tt := range []struct {
		arg   string
		dt    float64
		steps int
		mass  float64
	}{
		{"dt", 0, 1, 1},
		{"steps", 0.1, 0, 1},
		{"mass", 0.1, 1, 0},
	} {
		_, err := IntegrateTrajectory1D(0, 0, tt.dt, tt.steps, 1, tt.mass)
		var in *InputError
		require.ErrorAs(t, err, &in, tt.arg)
		assert.Equal(t, tt.arg, in.Arg)
	}
}

func TestSmooth(t *testing.T) {
	out, err := Smooth([]float64{1, 2, 3, 4}, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1.5, 2, 3, 3.5}, out, 1e-12)

	out, err = Smooth([]float64{1, 5, 9}, 1)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 5, 9}, out)

	out, err = Smooth(nil, 3)
	require.NoError(t, err)
	assert.Empty(t, out)

	_, err = Smooth([]float64{1}, 0)
	require.Error(t, err)
}

func TestSimplifyText(t *testing.T) {
	assert.Equal(t, "this is a demo text with irregular spacing.",
		SimplifyText("  This Is   A DEMO Text   with   Irregular   spacing. "))
	assert.Equal(t, "", SimplifyText(" \t\n "))
}
