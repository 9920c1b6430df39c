package krylov

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

// PCG is preconditioned conjugate gradients for symmetric matrices.
type PCG struct {
	controls
	sys *precon.System
	pc  precon.Preconditioner
}

func (s *PCG) Preconditioner() precon.Preconditioner { return s.pc }

func (s *PCG) Solve(psi, source []ldu.Scalar) (perf precon.SolverPerformance, err error) {
	perf = precon.SolverPerformance{Solver: "PCG", FieldName: s.fieldName}
	defer func() { s.pc.SetFinished(perf) }()
	if err = checkFields(s.sys, psi, source); err != nil {
		return
	}
	var (
		c  = s.sys.Comm
		n  = len(psi)
		wA = make([]ldu.Scalar, n)
		rA = make([]ldu.Scalar, n)
		pA = make([]ldu.Scalar, n)
		nf float64
	)
	if err = s.sys.Amul(wA, psi); err != nil {
		return
	}
	floats.SubTo(rA, source, wA)
	if nf, err = normFactor(s.sys, psi, source, wA); err != nil {
		return
	}
	var sumMag float64
	if sumMag, err = gSumMag(c, rA); err != nil {
		return
	}
	perf.InitialResidual = sumMag / nf
	perf.FinalResidual = perf.InitialResidual
	if s.converged(&perf) {
		return
	}
	var wArA, wArAold, wApA float64
	for perf.NIterations < s.maxIter {
		wArAold = wArA
		if err = s.pc.Precondition(wA, rA); err != nil {
			return
		}
		if wArA, err = gSumProd(c, wA, rA); err != nil {
			return
		}
		if perf.NIterations == 0 {
			copy(pA, wA)
		} else {
			beta := wArA / wArAold
			for i := range pA {
				pA[i] = wA[i] + beta*pA[i]
			}
		}
		if err = s.sys.Amul(wA, pA); err != nil {
			return
		}
		if wApA, err = gSumProd(c, wA, pA); err != nil {
			return
		}
		if math.Abs(wApA)/nf < vsmall {
			break
		}
		alpha := wArA / wApA
		floats.AddScaled(psi, alpha, pA)
		floats.AddScaled(rA, -alpha, wA)
		if sumMag, err = gSumMag(c, rA); err != nil {
			return
		}
		perf.FinalResidual = sumMag / nf
		perf.NIterations++
		if s.converged(&perf) {
			break
		}
	}
	return
}
