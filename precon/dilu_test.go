package precon_test

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/cases"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

var rot180z = []float64{-1, 0, 0, 0, -1, 0, 0, 0, 1}

func residualOf(n int) (rA []ldu.Scalar) {
	rA = make([]ldu.Scalar, n)
	for c := range rA {
		rA[c] = 1 + 0.3*math.Cos(1.3*float64(c))
	}
	return
}

type distResult struct {
	wA, rD      []ldu.Scalar
	colours     []int
	outstanding []int
	states      []precon.State
	pending     int
}

// distributed applies the DILU once on every rank of a partitioned case.
func distributed(t *testing.T, g *cases.Global, rA []ldu.Scalar, coupled bool) (res distResult) {
	var (
		w  = comm.NewWorld(g.NParts)
		mu sync.Mutex
	)
	res.wA = make([]ldu.Scalar, g.NCells)
	res.rD = make([]ldu.Scalar, g.NCells)
	res.outstanding = make([]int, g.NParts)
	res.states = make([]precon.State, g.NParts)
	err := w.Run(func(c *comm.Comm) (err error) {
		var (
			part *cases.Part
			sys  *precon.System
			p    *precon.DistributedDILU
		)
		if part, err = g.Part(c.Rank()); err != nil {
			return
		}
		if sys, err = part.System(c, nil); err != nil {
			return
		}
		if p, err = precon.NewDistributedDILU(sys, coupled, false); err != nil {
			return
		}
		wA := make([]ldu.Scalar, len(part.Cells))
		if err = p.Precondition(wA, part.Scatter(rA)); err != nil {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		part.Gather(wA, res.wA)
		part.Gather(p.ReciprocalD(), res.rD)
		if p.Schedule() != nil {
			res.colours = p.Schedule().Colours
		}
		res.outstanding[c.Rank()] = p.Outstanding()
		res.states[c.Rank()] = p.State()
		return
	})
	require.NoError(t, err)
	res.pending = w.Pending()
	return
}

// serial applies the single rank DILU to the global matrix with its cells
// visited in perm order, returning the result in global numbering.
func serial(t *testing.T, g *cases.Global, rA []ldu.Scalar, perm []int) (wA, rD []ldu.Scalar) {
	m, err := g.Matrix(perm)
	require.NoError(t, err)
	sys := &precon.System{Comm: comm.NewWorld(1).Comm(0), Matrix: m}
	p, err := precon.NewDistributedDILU(sys, false, false)
	require.NoError(t, err)
	w := make([]ldu.Scalar, g.NCells)
	require.NoError(t, p.Precondition(w, cases.Permute(rA, perm)))
	wA, rD = make([]ldu.Scalar, g.NCells), make([]ldu.Scalar, g.NCells)
	for i, c := range perm {
		wA[c], rD[c] = w[i], p.ReciprocalD()[i]
	}
	return
}

func TestSerialDILU(t *testing.T) {
	// diag 4, off-diagonal -1 on three cells: the DILU of a tridiagonal
	// matrix is its exact factorisation
	g, err := cases.Chain1D(3, 1, 2)
	require.NoError(t, err)
	wA, rD := serial(t, g, []ldu.Scalar{1, 1, 1}, []int{0, 1, 2})
	assert.InDeltaSlice(t, []float64{5. / 14, 3. / 7, 5. / 14}, wA, 1.e-14)
	assert.InDeltaSlice(t, []float64{1. / 4, 1. / 3.75, 15. / 56}, rD, 1.e-14)

	{ // A zero residual gives a zero correction
		wA, _ := serial(t, g, []ldu.Scalar{0, 0, 0}, []int{0, 1, 2})
		assert.Equal(t, []ldu.Scalar{0, 0, 0}, wA)
	}
	{ // Field sizes are checked
		m, err := g.Matrix(nil)
		require.NoError(t, err)
		p, err := precon.NewDistributedDILU(&precon.System{Comm: comm.NewWorld(1).Comm(0), Matrix: m}, true, false)
		require.NoError(t, err)
		assert.True(t, errors.Is(p.Precondition(make([]ldu.Scalar, 2), make([]ldu.Scalar, 3)), precon.ErrFieldSize))
	}
}

func TestDistributedMatchesSerial(t *testing.T) {
	type tcase struct {
		name     string
		build    func() (*cases.Global, error)
		nColours int
	}
	for _, tc := range []tcase{
		{"chain", func() (*cases.Global, error) { return cases.Chain1D(12, 3, 0) }, 2},
		{"ring of three", func() (*cases.Global, error) { return cases.Ring1D(9, 3, 0.1, nil) }, 3},
		{"ring of two", func() (*cases.Global, error) { return cases.Ring1D(8, 2, 0.1, nil) }, 2},
		{"transformed ring", func() (*cases.Global, error) { return cases.Ring1D(10, 4, 0.1, rot180z) }, 2},
		{"laplace2d", func() (*cases.Global, error) { return cases.Laplace2D(6, 6, 5, 0) }, 2},
		{"laplace2d single rank", func() (*cases.Global, error) { return cases.Laplace2D(4, 4, 1, 0) }, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			g, err := tc.build()
			require.NoError(t, err)
			rA := residualOf(g.NCells)
			dist := distributed(t, g, rA, true)
			require.Len(t, dist.colours, g.NParts)
			assert.Equal(t, tc.nColours, maxColour(dist.colours)+1)

			wA, rD := serial(t, g, rA, g.ColourOrder(dist.colours))
			assert.InDeltaSlice(t, rD, dist.rD, 1.e-12)
			assert.InDeltaSlice(t, wA, dist.wA, 1.e-12)

			// every request drained, nothing left in any mailbox
			assert.Equal(t, make([]int, g.NParts), dist.outstanding)
			assert.Equal(t, 0, dist.pending)
			for _, s := range dist.states {
				assert.Equal(t, precon.Idle, s)
			}

			// repeatable to the bit
			again := distributed(t, g, rA, true)
			assert.Equal(t, dist.wA, again.wA)
		})
	}
}

func maxColour(colours []int) (m int) {
	for _, c := range colours {
		if c > m {
			m = c
		}
	}
	return
}

func TestUncoupled(t *testing.T) {
	g, err := cases.Laplace2D(5, 5, 3, 0)
	require.NoError(t, err)
	rA := residualOf(g.NCells)
	dist := distributed(t, g, rA, false)
	assert.Nil(t, dist.colours)
	assert.Equal(t, 0, dist.pending)

	// each rank on its own is the serial DILU of its block
	for rank := 0; rank < g.NParts; rank++ {
		part, err := g.Part(rank)
		require.NoError(t, err)
		addr, err := ldu.NewAddressing(len(part.Cells), part.Owner, part.Neighbour)
		require.NoError(t, err)
		m, err := ldu.NewMatrix(addr, part.Diag, nil, part.Upper)
		require.NoError(t, err)
		p, err := precon.NewDistributedDILU(&precon.System{Comm: comm.NewWorld(1).Comm(0), Matrix: m}, false, false)
		require.NoError(t, err)
		assert.Equal(t, "DILU", p.Type())
		wA := make([]ldu.Scalar, len(part.Cells))
		require.NoError(t, p.Precondition(wA, part.Scatter(rA)))
		assert.InDeltaSlice(t, wA, part.Scatter(dist.wA), 1.e-14)
	}
}

func TestMixedCoupling(t *testing.T) {
	g, err := cases.Chain1D(8, 2, 0)
	require.NoError(t, err)
	run := func(allowFallback bool) (coupled []bool, errs []error, pending int) {
		var (
			w  = comm.NewWorld(2)
			mu sync.Mutex
		)
		coupled, errs = make([]bool, 2), make([]error, 2)
		_ = w.Run(func(c *comm.Comm) (err error) {
			part, err := g.Part(c.Rank())
			if err != nil {
				return
			}
			sys, err := part.System(c, nil)
			if err != nil {
				return
			}
			// only rank 0 asks for coupling
			p, perr := precon.NewDistributedDILU(sys, c.Rank() == 0, allowFallback)
			mu.Lock()
			errs[c.Rank()] = perr
			if p != nil {
				coupled[c.Rank()] = p.Coupled()
			}
			mu.Unlock()
			if perr != nil {
				return
			}
			wA := make([]ldu.Scalar, len(part.Cells))
			return p.Precondition(wA, part.Source)
		})
		return coupled, errs, w.Pending()
	}
	{ // Refused everywhere
		_, errs, _ := run(false)
		for _, err := range errs {
			assert.True(t, errors.Is(err, precon.ErrUnsupported))
		}
	}
	{ // Or uncoupled everywhere
		coupled, errs, pending := run(true)
		assert.Equal(t, []bool{false, false}, coupled)
		assert.Equal(t, []error{nil, nil}, errs)
		assert.Equal(t, 0, pending)
	}
}

func TestCoefficientUpdate(t *testing.T) {
	g, err := cases.Chain1D(6, 1, 1)
	require.NoError(t, err)
	m, err := g.Matrix(nil)
	require.NoError(t, err)
	sys := &precon.System{Comm: comm.NewWorld(1).Comm(0), Matrix: m}
	p, err := precon.NewDistributedDILU(sys, true, false)
	require.NoError(t, err)
	assert.Equal(t, precon.DiagonalComputed, p.State())

	diag := append([]ldu.Scalar(nil), m.Diag()...)
	for c := range diag {
		diag[c] *= 2
	}
	require.NoError(t, m.SetCoeffs(diag, nil, nil))
	rA := residualOf(6)
	wA := make([]ldu.Scalar, 6)
	require.NoError(t, p.Precondition(wA, rA))

	fresh, err := precon.NewDistributedDILU(sys, true, false)
	require.NoError(t, err)
	want := make([]ldu.Scalar, 6)
	require.NoError(t, fresh.Precondition(want, rA))
	assert.Equal(t, want, wA)
	assert.Equal(t, fresh.ReciprocalD(), p.ReciprocalD())
}

// TestOneRankUpdates changes the coefficients of a single rank between
// applications; every rank must refactorise and nothing may be left over.
func TestOneRankUpdates(t *testing.T) {
	for changed := 0; changed < 2; changed++ {
		g, err := cases.Chain1D(8, 2, 0)
		require.NoError(t, err)
		var (
			w      = comm.NewWorld(g.NParts, comm.WithTimeout(2*time.Second))
			mu     sync.Mutex
			rA     = residualOf(g.NCells)
			distWA = make([]ldu.Scalar, g.NCells)
			distRD = make([]ldu.Scalar, g.NCells)
		)
		err = w.Run(func(c *comm.Comm) (err error) {
			var (
				part *cases.Part
				sys  *precon.System
				p    *precon.DistributedDILU
			)
			if part, err = g.Part(c.Rank()); err != nil {
				return
			}
			if sys, err = part.System(c, nil); err != nil {
				return
			}
			if p, err = precon.NewDistributedDILU(sys, true, false); err != nil {
				return
			}
			wA := make([]ldu.Scalar, len(part.Cells))
			if err = p.Precondition(wA, part.Scatter(rA)); err != nil {
				return
			}
			if c.Rank() == changed {
				diag := append([]ldu.Scalar(nil), sys.Matrix.Diag()...)
				diag[0] *= 2
				if err = sys.Matrix.SetCoeffs(diag, nil, nil); err != nil {
					return
				}
			}
			if err = p.Precondition(wA, part.Scatter(rA)); err != nil {
				return
			}
			mu.Lock()
			part.Gather(wA, distWA)
			part.Gather(p.ReciprocalD(), distRD)
			mu.Unlock()
			return
		})
		require.NoError(t, err, "changed rank %d", changed)
		assert.Equal(t, 0, w.Pending(), "changed rank %d", changed)

		// cell 0 of rank r is global cell 4r
		g.Diag[4*changed] *= 2
		wA, rD := serial(t, g, rA, g.ColourOrder([]int{0, 1}))
		assert.InDeltaSlice(t, rD, distRD, 1.e-12, "changed rank %d", changed)
		assert.InDeltaSlice(t, wA, distWA, 1.e-12, "changed rank %d", changed)
	}
}

func TestNeighbourFailure(t *testing.T) {
	// rank 1 stops after construction, so rank 0 waits for it in vain
	g, err := cases.Chain1D(6, 2, 0)
	require.NoError(t, err)
	var (
		w           = comm.NewWorld(2, comm.WithTimeout(100*time.Millisecond))
		mu          sync.Mutex
		outstanding = -1
		state       = precon.BackwardSweeping
		sweepErr    error
	)
	err = w.Run(func(c *comm.Comm) (err error) {
		part, err := g.Part(c.Rank())
		if err != nil {
			return
		}
		sys, err := part.System(c, nil)
		if err != nil {
			return
		}
		p, err := precon.NewDistributedDILU(sys, true, false)
		if err != nil || c.Rank() == 1 {
			return
		}
		wA := make([]ldu.Scalar, len(part.Cells))
		err = p.Precondition(wA, part.Source)
		mu.Lock()
		sweepErr, outstanding, state = err, p.Outstanding(), p.State()
		mu.Unlock()
		return
	})
	require.Error(t, err)
	assert.True(t, errors.Is(sweepErr, comm.ErrTimeout))
	assert.Equal(t, 0, outstanding)
	assert.Equal(t, precon.Idle, state)
	assert.Equal(t, 0, w.Pending())
}

func TestRegistry(t *testing.T) {
	g, err := cases.Chain1D(4, 1, 1)
	require.NoError(t, err)
	m, err := g.Matrix(nil)
	require.NoError(t, err)
	sys := &precon.System{Comm: comm.NewWorld(1).Comm(0), Matrix: m}
	ctl := InputParameters.NewSolverControls()

	names := precon.Names()
	for _, name := range []string{"DILU", "diagonal", "distributedDILU", "none"} {
		assert.Contains(t, names, name)
	}
	for _, name := range []string{"none", "diagonal", "DILU", "distributedDILU"} {
		ctl.Preconditioner = name
		p, err := precon.New(sys, ctl)
		require.NoError(t, err)
		assert.Equal(t, name, p.Type())
		wA := make([]ldu.Scalar, 4)
		require.NoError(t, p.Precondition(wA, []ldu.Scalar{3, 3, 3, 3}))
		p.SetFinished(precon.SolverPerformance{Solver: "PCG", NIterations: 1})
		switch name {
		case "none":
			assert.Equal(t, []ldu.Scalar{3, 3, 3, 3}, wA)
		case "diagonal":
			assert.Equal(t, []ldu.Scalar{1, 1, 1, 1}, wA)
		}
	}
	{
		ctl.Preconditioner = "FDIC"
		_, err := precon.New(sys, ctl)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "distributedDILU")
	}
	{ // Uncoupled from the controls
		ctl.Preconditioner = "distributedDILU"
		off := false
		ctl.Coupled = &off
		p, err := precon.New(sys, ctl)
		require.NoError(t, err)
		assert.Equal(t, "DILU", p.Type())
	}
	{ // A zero diagonal cannot be scaled
		zero, err := ldu.NewMatrix(m.Addressing(), make([]ldu.Scalar, 4), nil, m.Upper())
		require.NoError(t, err)
		_, err = precon.NewDiagonal(zero)
		assert.True(t, errors.Is(err, precon.ErrUnsupported))
	}
	{
		perf := precon.SolverPerformance{Solver: "PCG", FieldName: "psi", NIterations: 3}
		assert.Contains(t, perf.String(), "No Iterations 3")
	}
}

func TestChainOfFour(t *testing.T) {
	g, err := cases.Chain1D(4, 2, 0)
	require.NoError(t, err)
	rA := []ldu.Scalar{1, 0, 0, 0}
	dist := distributed(t, g, rA, true)
	assert.Equal(t, []int{0, 1}, dist.colours)
	wA, _ := serial(t, g, rA, []int{0, 1, 2, 3})
	assert.InDeltaSlice(t, wA, dist.wA, 1.e-10)
}

// TestRichardson repeats x += M^-1 (b - A x) on a ring of three parts; the
// global residual norm falls on every application.
func TestRichardson(t *testing.T) {
	g, err := cases.Ring1D(6, 3, 0.1, nil)
	require.NoError(t, err)
	var (
		w     = comm.NewWorld(g.NParts)
		mu    sync.Mutex
		norms = make([][]float64, g.NParts)
	)
	err = w.Run(func(c *comm.Comm) (err error) {
		var (
			part *cases.Part
			sys  *precon.System
			p    *precon.DistributedDILU
		)
		if part, err = g.Part(c.Rank()); err != nil {
			return
		}
		if sys, err = part.System(c, nil); err != nil {
			return
		}
		if p, err = precon.NewDistributedDILU(sys, true, false); err != nil {
			return
		}
		var (
			n    = len(part.Cells)
			psi  = make([]ldu.Scalar, n)
			rA   = make([]ldu.Scalar, n)
			wA   = make([]ldu.Scalar, n)
			mine []float64
		)
		for k := 0; k <= 5; k++ {
			if err = sys.Residual(rA, psi, part.Source); err != nil {
				return
			}
			var sumSqr float64
			for _, r := range rA {
				sumSqr += r * r
			}
			if sumSqr, err = c.AllReduceScalar(comm.OpSum, sumSqr); err != nil {
				return
			}
			mine = append(mine, math.Sqrt(sumSqr))
			if k == 5 {
				break
			}
			if err = p.Precondition(wA, rA); err != nil {
				return
			}
			for i := range psi {
				psi[i] += wA[i]
			}
		}
		mu.Lock()
		norms[c.Rank()] = mine
		mu.Unlock()
		return
	})
	require.NoError(t, err)
	assert.Equal(t, 0, w.Pending())
	for _, n := range norms {
		assert.Equal(t, norms[0], n)
	}
	for k := 1; k < len(norms[0]); k++ {
		assert.True(t, norms[0][k] < norms[0][k-1], "application %d: %g after %g", k, norms[0][k], norms[0][k-1])
	}
}
