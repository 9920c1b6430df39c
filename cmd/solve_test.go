package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/colouring"
)

func TestSolve(t *testing.T) {
	var (
		err error
		ctl = InputParameters.NewSolverControls()
	)
	fileInput := []byte(`
Title: Test Case
Case: laplace2d
NCells: 6
NParts: 3
Solver: PCG
Preconditioner: distributedDILU
Tolerance: 1.e-10
`)
	require.NoError(t, ctl.Parse(fileInput))
	ctl.Print()
	cache := colouring.NewCache()
	res, err := Solve(ctl, cache)
	require.NoError(t, err)
	assert.Equal(t, "laplace2d", res.Case)
	assert.Equal(t, 3, res.NParts)
	assert.True(t, res.Perf.Converged)
	assert.True(t, res.MaxError < 1.e-7)
	assert.Len(t, res.Psi, 36)
	res.Print()

	// a second solve on new meshes colours again
	_, err = Solve(ctl, cache)
	require.NoError(t, err)
	_, misses := cache.Stats()
	assert.Equal(t, 6, misses)

	ctl.Case = "ring"
	ctl.NCells = 4
	ctl.NParts = 5
	_, err = Solve(ctl, nil)
	assert.Error(t, err)
}

func TestSchedules(t *testing.T) {
	ctl := InputParameters.NewSolverControls()
	ctl.Case, ctl.NCells, ctl.NParts = "ring", 9, 3
	schedules, err := Schedules(ctl)
	require.NoError(t, err)
	require.Len(t, schedules, 3)
	for rank, s := range schedules {
		assert.Equal(t, 3, s.NColours)
		assert.Equal(t, rank, s.MyColour)
		assert.Equal(t, 2, len(s.LowerNbrs)+len(s.HigherNbrs))
	}

	ctl.Case, ctl.NCells, ctl.NParts = "laplace2d", 8, 4
	schedules, err = Schedules(ctl)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1}, schedules[0].Colours)
}

func TestBench(t *testing.T) {
	ctl := InputParameters.NewSolverControls()
	ctl.NCells, ctl.NParts = 8, 4
	ctl.Solver = "PBiCGStab"
	rows := Bench(ctl, []string{"none", "distributedDILU", "GAMG", "SSOR"})
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.True(t, row.Converged, row.String())
		assert.True(t, row.Iterations > 0)
	}
	assert.Equal(t, "GAMG", rows[2].Preconditioner)
	assert.True(t, rows[1].Iterations <= rows[0].Iterations)
}
