// Package krylov holds the preconditioned Krylov solvers. Every global
// quantity they use is reduced over all ranks in rank order, so a solve is
// bit-reproducible for a fixed partitioning.
package krylov

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

const (
	small  = 1e-15
	vsmall = 1e-300
)

type Solver interface {
	Solve(psi, source []ldu.Scalar) (precon.SolverPerformance, error)
	Preconditioner() precon.Preconditioner
}

type controls struct {
	fieldName         string
	tolerance, relTol float64
	maxIter, minIter  int
}

// New builds the solver and preconditioner named in ctl. Collective.
func New(fieldName string, sys *precon.System, ctl *InputParameters.SolverControls) (s Solver, err error) {
	var pc precon.Preconditioner
	if pc, err = precon.New(sys, ctl); err != nil {
		return
	}
	c := controls{
		fieldName: fieldName,
		tolerance: ctl.Tolerance,
		relTol:    ctl.RelTol,
		maxIter:   ctl.MaxIter,
		minIter:   ctl.MinIter,
	}
	switch ctl.Solver {
	case "PCG":
		s = &PCG{controls: c, sys: sys, pc: pc}
	case "PBiCGStab":
		s = &PBiCGStab{controls: c, sys: sys, pc: pc}
	default:
		pc.SetFinished(precon.SolverPerformance{})
		err = fmt.Errorf("unknown solver %q", ctl.Solver)
	}
	return
}

func (c controls) converged(perf *precon.SolverPerformance) bool {
	if perf.NIterations < c.minIter {
		return false
	}
	perf.Converged = perf.FinalResidual < c.tolerance ||
		(c.relTol > small && perf.FinalResidual < c.relTol*perf.InitialResidual)
	return perf.Converged
}

func gSum(c *comm.Comm, local float64) (float64, error) {
	return c.AllReduceScalar(comm.OpSum, local)
}

func gSumMag(c *comm.Comm, f []ldu.Scalar) (float64, error) {
	return gSum(c, floats.Norm(f, 1))
}

func gSumProd(c *comm.Comm, a, b []ldu.Scalar) (float64, error) {
	return gSum(c, floats.Dot(a, b))
}

// normFactor scales residuals so that they do not depend on the level of
// the solution: sum(|A psi - A xRef| + |source - A xRef|) with xRef the
// global average of psi.
func normFactor(sys *precon.System, psi, source, Apsi []ldu.Scalar) (nf float64, err error) {
	var (
		c    = sys.Comm
		n    = len(psi)
		tmp  = make([]ldu.Scalar, n)
		xRef = make([]ldu.Scalar, n)
		sums = []float64{floats.Sum(psi), float64(n)}
	)
	if err = c.AllReduce(comm.OpSum, sums); err != nil {
		return
	}
	avg := 0.
	if sums[1] > 0 {
		avg = sums[0] / sums[1]
	}
	for i := range xRef {
		xRef[i] = avg
	}
	if err = sys.Amul(tmp, xRef); err != nil {
		return
	}
	local := 0.
	for i := range tmp {
		local += math.Abs(Apsi[i]-tmp[i]) + math.Abs(source[i]-tmp[i])
	}
	if nf, err = gSum(c, local); err != nil {
		return
	}
	nf += small
	return
}

func checkFields(sys *precon.System, psi, source []ldu.Scalar) error {
	n := sys.Matrix.Size()
	if len(psi) != n || len(source) != n {
		return fmt.Errorf("fields of %d and %d values for %d cells: %w",
			len(psi), len(source), n, precon.ErrFieldSize)
	}
	return nil
}
