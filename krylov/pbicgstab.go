package krylov

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

// PBiCGStab is the preconditioned stabilised bi-conjugate gradient solver
// for asymmetric matrices.
type PBiCGStab struct {
	controls
	sys *precon.System
	pc  precon.Preconditioner
}

func (s *PBiCGStab) Preconditioner() precon.Preconditioner { return s.pc }

func (s *PBiCGStab) Solve(psi, source []ldu.Scalar) (perf precon.SolverPerformance, err error) {
	perf = precon.SolverPerformance{Solver: "PBiCGStab", FieldName: s.fieldName}
	defer func() { s.pc.SetFinished(perf) }()
	if err = checkFields(s.sys, psi, source); err != nil {
		return
	}
	var (
		c   = s.sys.Comm
		n   = len(psi)
		yA  = make([]ldu.Scalar, n)
		rA  = make([]ldu.Scalar, n)
		nf  float64
		mag float64
	)
	if err = s.sys.Amul(yA, psi); err != nil {
		return
	}
	floats.SubTo(rA, source, yA)
	if nf, err = normFactor(s.sys, psi, source, yA); err != nil {
		return
	}
	if mag, err = gSumMag(c, rA); err != nil {
		return
	}
	perf.InitialResidual = mag / nf
	perf.FinalResidual = perf.InitialResidual
	if s.converged(&perf) {
		return
	}
	var (
		rA0                    = append([]ldu.Scalar(nil), rA...)
		pA                     = make([]ldu.Scalar, n)
		AyA                    = make([]ldu.Scalar, n)
		sA                     = make([]ldu.Scalar, n)
		zA                     = make([]ldu.Scalar, n)
		tA                     = make([]ldu.Scalar, n)
		rA0rAold, alpha, omega float64
	)
	for perf.NIterations < s.maxIter {
		var rA0rA float64
		if rA0rA, err = gSumProd(c, rA0, rA); err != nil {
			return
		}
		if perf.NIterations == 0 {
			copy(pA, rA)
		} else {
			if math.Abs(rA0rAold) < vsmall {
				break
			}
			beta := (rA0rA / rA0rAold) * (alpha / omega)
			for i := range pA {
				pA[i] = rA[i] + beta*(pA[i]-omega*AyA[i])
			}
		}
		if err = s.pc.Precondition(yA, pA); err != nil {
			return
		}
		if err = s.sys.Amul(AyA, yA); err != nil {
			return
		}
		var rA0AyA float64
		if rA0AyA, err = gSumProd(c, rA0, AyA); err != nil {
			return
		}
		if math.Abs(rA0AyA) < vsmall {
			break
		}
		alpha = rA0rA / rA0AyA
		floats.AddScaledTo(sA, rA, -alpha, AyA)
		if mag, err = gSumMag(c, sA); err != nil {
			return
		}
		perf.FinalResidual = mag / nf
		if s.converged(&perf) {
			floats.AddScaled(psi, alpha, yA)
			perf.NIterations++
			break
		}
		if err = s.pc.Precondition(zA, sA); err != nil {
			return
		}
		if err = s.sys.Amul(tA, zA); err != nil {
			return
		}
		var tAtA, tAsA float64
		if tAtA, err = gSumProd(c, tA, tA); err != nil {
			return
		}
		if tAsA, err = gSumProd(c, tA, sA); err != nil {
			return
		}
		if tAtA < vsmall {
			break
		}
		omega = tAsA / tAtA
		for i := range psi {
			psi[i] += alpha*yA[i] + omega*zA[i]
		}
		floats.AddScaledTo(rA, sA, -omega, tA)
		if mag, err = gSumMag(c, rA); err != nil {
			return
		}
		perf.FinalResidual = mag / nf
		perf.NIterations++
		rA0rAold = rA0rA
		if s.converged(&perf) {
			break
		}
	}
	return
}
