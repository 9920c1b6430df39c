package cases

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

var rot180z = []float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}

func TestGlobal(t *testing.T) {
	{ // Bad sizes
		_, err := Chain1D(3, 4, 0)
		assert.Error(t, err)
		_, err = Ring1D(2, 1, 0, nil)
		assert.Error(t, err)
		_, err = Ring1D(6, 1, 0, []float64{2, 0, 0, 0, 1, 0, 0, 0, 1})
		assert.Error(t, err)
		_, err = New(&InputParameters.SolverControls{Case: "cavity"})
		assert.Error(t, err)
	}
	{ // The source is the matrix applied to the exact solution
		g, err := Laplace2D(3, 4, 2, 0.2)
		require.NoError(t, err)
		assert.Equal(t, 12, g.NCells)
		assert.Equal(t, []int{0, 0, 0, 0, 0, 0, 1, 1, 1, 1, 1, 1}, g.Ranks)
		var (
			A = g.CSR()
			b = mat.NewVecDense(12, nil)
		)
		b.MulVec(A, mat.NewVecDense(12, g.Exact))
		assert.InDeltaSlice(t, b.RawVector().Data, g.Source, 1.e-14)
		assert.Equal(t, 4.2, A.At(5, 5))
		assert.Equal(t, -1., A.At(4, 7))
		assert.Equal(t, 0., A.At(0, 4))
	}
	{ // The periodic face carries the transform scale
		g, err := Ring1D(5, 1, 0, rot180z)
		require.NoError(t, err)
		assert.Equal(t, -1., g.Scale)
		assert.Equal(t, 1., g.CSR().At(0, 4))
		assert.Equal(t, -1., g.CSR().At(0, 1))
	}
	{ // The ring defaults to a small shift
		ctl := InputParameters.NewSolverControls()
		ctl.Case, ctl.NCells, ctl.NParts = "ring", 6, 2
		g, err := New(ctl)
		require.NoError(t, err)
		assert.Equal(t, 2.1, g.Diag[0])
		ctl.DiagonalShift = map[string]float64{"ring": 0.5}
		g, err = New(ctl)
		require.NoError(t, err)
		assert.Equal(t, 2.5, g.Diag[0])
	}
}

func TestColourOrder(t *testing.T) {
	g, err := Chain1D(6, 3, 0)
	require.NoError(t, err)
	perm := g.ColourOrder([]int{1, 0, 1})
	assert.Equal(t, []int{2, 3, 0, 1, 4, 5}, perm)

	m, err := g.Matrix(perm)
	require.NoError(t, err)
	var (
		permuted = m.ToCSR()
		global   = g.CSR()
	)
	for i := 0; i < 6; i++ {
		for j := 0; j < 6; j++ {
			assert.Equal(t, global.At(perm[i], perm[j]), permuted.At(i, j))
		}
	}
	assert.Equal(t, []ldu.Scalar{2, 3, 0, 1, 4, 5}, Permute([]ldu.Scalar{0, 1, 2, 3, 4, 5}, perm))
	_, err = g.Matrix(perm[:3])
	assert.Error(t, err)
}

func specByName(p *Part, name string) int {
	for i, s := range p.Specs {
		if s.Name == name {
			return i
		}
	}
	return -1
}

func TestPart(t *testing.T) {
	{ // Processor and periodic interfaces of a ring on three ranks
		g, err := Ring1D(9, 3, 0.1, rot180z)
		require.NoError(t, err)
		p, err := g.Part(0)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2}, p.Cells)
		assert.Equal(t, []int{0, 1}, p.Owner)
		assert.Equal(t, []int{1, 2}, p.Neighbour)
		require.Len(t, p.Specs, 2)

		i := specByName(p, "procBoundary0to1")
		require.True(t, i >= 0)
		assert.Equal(t, "processor", p.Specs[i].Type)
		assert.Equal(t, []int{2}, p.Specs[i].FaceCells)
		assert.Equal(t, tagProcessor, p.Specs[i].Tag)
		assert.Equal(t, []ldu.Scalar{1}, p.BouCoeffs[i])

		i = specByName(p, "procBoundary0to2throughperiodic")
		require.True(t, i >= 0)
		assert.Equal(t, "processorCyclic", p.Specs[i].Type)
		assert.Equal(t, []int{0}, p.Specs[i].FaceCells)
		assert.Equal(t, tagPeriodic, p.Specs[i].Tag)
		assert.Equal(t, rot180z, p.Specs[i].Transform)

		_, err = g.Part(3)
		assert.Error(t, err)
	}
	{ // On one rank the periodic faces become a cyclic pair
		g, err := Ring1D(6, 1, 0.1, nil)
		require.NoError(t, err)
		p, err := g.Part(0)
		require.NoError(t, err)
		require.Len(t, p.Specs, 2)
		assert.Equal(t, "periodic_owner", p.Specs[0].Name)
		assert.Equal(t, "periodic_neighbour", p.Specs[0].Partner)
		assert.Equal(t, []int{0}, p.Specs[0].FaceCells)
		assert.Equal(t, []int{5}, p.Specs[1].FaceCells)
		assert.Len(t, p.Owner, 5)
	}
}

// TestPartitionedAmul applies every part's matrix with its interfaces and
// compares the gathered product with the assembled global matrix.
func TestPartitionedAmul(t *testing.T) {
	for _, tc := range []struct {
		name  string
		build func() (*Global, error)
	}{
		{"chain", func() (*Global, error) { return Chain1D(11, 4, 0) }},
		{"ring", func() (*Global, error) { return Ring1D(9, 3, 0.1, nil) }},
		{"ring on two ranks", func() (*Global, error) { return Ring1D(8, 2, 0.1, nil) }},
		{"transformed ring", func() (*Global, error) { return Ring1D(10, 4, 0, rot180z) }},
		{"single rank ring", func() (*Global, error) { return Ring1D(7, 1, 0, rot180z) }},
		{"laplace2d", func() (*Global, error) { return Laplace2D(7, 5, 4, 0) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, err := tc.build()
			require.NoError(t, err)
			var (
				w    = comm.NewWorld(g.NParts)
				mu   sync.Mutex
				Apsi = make([]ldu.Scalar, g.NCells)
				want = mat.NewVecDense(g.NCells, nil)
			)
			err = w.Run(func(c *comm.Comm) (err error) {
				var (
					part *Part
					sys  *precon.System
				)
				if part, err = g.Part(c.Rank()); err != nil {
					return
				}
				if sys, err = part.System(c, nil); err != nil {
					return
				}
				local := make([]ldu.Scalar, len(part.Cells))
				if err = sys.Amul(local, part.Scatter(g.Exact)); err != nil {
					return
				}
				mu.Lock()
				part.Gather(local, Apsi)
				mu.Unlock()
				return
			})
			require.NoError(t, err)
			want.MulVec(g.CSR(), mat.NewVecDense(g.NCells, g.Exact))
			assert.InDeltaSlice(t, want.RawVector().Data, Apsi, 1.e-13)
			assert.InDeltaSlice(t, g.Source, Apsi, 1.e-13)
			assert.Equal(t, 0, w.Pending())
		})
	}
}
