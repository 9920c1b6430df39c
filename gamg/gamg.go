package gamg

import (
	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/precon"
)

// GAMG applies one V-cycle per call. Each level is smoothed with the
// preconditioner named by the Smoother control, as x += M^-1 (b - A x).
// The coarsest level is smoothed from zero a fixed number of times, so the
// cycle is a fixed linear operator.
type GAMG struct {
	h                      *Hierarchy
	smoothers              []precon.Preconditioner
	nPre, nPost, nCoarsest int
	x, b, r, w             [][]ldu.Scalar
}

func init() {
	precon.Register("GAMG", func(sys *precon.System, ctl *InputParameters.SolverControls) (precon.Preconditioner, error) {
		return NewGAMG(sys, ctl)
	})
}

// NewGAMG builds the hierarchy and a smoother on every level. Collective.
func NewGAMG(sys *precon.System, ctl *InputParameters.SolverControls) (g *GAMG, err error) {
	g = &GAMG{
		nPre:      ctl.NPreSweeps,
		nPost:     ctl.NPostSweeps,
		nCoarsest: ctl.NCoarsestSweeps,
	}
	if g.nCoarsest < 1 {
		g.nCoarsest = 1
	}
	maxLevels := ctl.MaxLevels
	if maxLevels < 1 {
		maxLevels = 1
	}
	if g.h, err = NewHierarchy(sys, ctl.NCellsInCoarsestLevel, maxLevels); err != nil {
		return nil, err
	}
	smCtl := *ctl
	smCtl.Preconditioner = ctl.Smoother
	for _, lv := range g.h.Levels {
		var sm precon.Preconditioner
		if sm, err = precon.New(lv.Sys, &smCtl); err != nil {
			return nil, err
		}
		n := lv.NCells()
		g.smoothers = append(g.smoothers, sm)
		g.x = append(g.x, make([]ldu.Scalar, n))
		g.b = append(g.b, make([]ldu.Scalar, n))
		g.r = append(g.r, make([]ldu.Scalar, n))
		g.w = append(g.w, make([]ldu.Scalar, n))
	}
	return
}

func (g *GAMG) Type() string                         { return "GAMG" }
func (g *GAMG) Hierarchy() *Hierarchy                { return g.h }
func (g *GAMG) Smoother(k int) precon.Preconditioner { return g.smoothers[k] }

func (g *GAMG) Precondition(wA, rA []ldu.Scalar) (err error) {
	if err = precon.CheckFields(len(g.x[0]), wA, rA); err != nil {
		return
	}
	if g.h.Stale() {
		if err = g.h.UpdateCoeffs(); err != nil {
			return
		}
	}
	copy(g.b[0], rA)
	zero(g.x[0])
	if err = g.vcycle(0); err != nil {
		return
	}
	copy(wA, g.x[0])
	return
}

func (g *GAMG) vcycle(k int) (err error) {
	if k == len(g.h.Levels)-1 {
		return g.smooth(k, g.nCoarsest)
	}
	if err = g.smooth(k, g.nPre); err != nil {
		return
	}
	if err = g.h.Levels[k].Sys.Residual(g.r[k], g.x[k], g.b[k]); err != nil {
		return
	}
	g.h.Restrict(k+1, g.r[k], g.b[k+1])
	zero(g.x[k+1])
	if err = g.vcycle(k + 1); err != nil {
		return
	}
	g.h.Prolong(k+1, g.x[k+1], g.x[k])
	return g.smooth(k, g.nPost)
}

func (g *GAMG) smooth(k, nSweeps int) (err error) {
	var (
		sys = g.h.Levels[k].Sys
		x   = g.x[k]
	)
	for i := 0; i < nSweeps; i++ {
		if err = sys.Residual(g.r[k], x, g.b[k]); err != nil {
			return
		}
		if err = g.smoothers[k].Precondition(g.w[k], g.r[k]); err != nil {
			return
		}
		for c, dx := range g.w[k] {
			x[c] += dx
		}
	}
	return
}

func (g *GAMG) SetFinished(perf precon.SolverPerformance) {
	for _, sm := range g.smoothers {
		sm.SetFinished(perf)
	}
}

func zero(f []ldu.Scalar) {
	for i := range f {
		f[i] = 0
	}
}
