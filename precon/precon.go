// Package precon holds the preconditioners the Krylov solvers call as a
// black box, selected by name at construction time.
package precon

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/colouring"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/lduinterface"
)

var (
	ErrUnsupported = errors.New("precon: unsupported preconditioner configuration")
	ErrFieldSize   = errors.New("precon: field size does not match the matrix")
)

// SolverPerformance is what a solver reports when it is done with a
// preconditioner.
type SolverPerformance struct {
	Solver          string
	FieldName       string
	InitialResidual float64
	FinalResidual   float64
	NIterations     int
	Converged       bool
}

func (sp SolverPerformance) String() string {
	return fmt.Sprintf("%s: Solving for %s, Initial residual = %g, Final residual = %g, No Iterations %d",
		sp.Solver, sp.FieldName, sp.InitialResidual, sp.FinalResidual, sp.NIterations)
}

// Preconditioner approximates wA = A^-1 rA.
type Preconditioner interface {
	Type() string
	Precondition(wA, rA []ldu.Scalar) error
	// SetFinished is called once the solver will not precondition again
	// for this solve.
	SetFinished(perf SolverPerformance)
}

// System is one rank's share of a linear system.
type System struct {
	Comm       *comm.Comm
	Matrix     *ldu.Matrix
	Interfaces lduinterface.Interfaces
	BouCoeffs  [][]ldu.Scalar
	Cache      *colouring.Cache
}

func (sys *System) Check() (err error) {
	if sys.Comm == nil || sys.Matrix == nil {
		return fmt.Errorf("system needs a communicator and a matrix: %w", ErrUnsupported)
	}
	if err = sys.Interfaces.CheckCoeffs(sys.BouCoeffs); err != nil {
		return
	}
	n := sys.Matrix.Size()
	for _, ifc := range sys.Interfaces {
		if ifc == nil {
			continue
		}
		for f, cell := range ifc.FaceCells() {
			if cell >= n {
				return fmt.Errorf("interface %s face %d addresses cell %d of %d: %w",
					ifc.Name(), f, cell, n, ldu.ErrIndex)
			}
		}
	}
	return
}

// Amul computes Apsi = A psi with all interface couplings.
func (sys *System) Amul(Apsi, psi []ldu.Scalar) error {
	return sys.Matrix.Amul(Apsi, psi, sys.Interfaces.Coupled(), sys.BouCoeffs)
}

// Residual computes rA = source - A psi.
func (sys *System) Residual(rA, psi, source []ldu.Scalar) error {
	return sys.Matrix.Residual(rA, psi, source, sys.Interfaces.Coupled(), sys.BouCoeffs)
}

// CheckFields wraps ErrFieldSize with the sizes when a field is not n long.
func CheckFields(n int, fields ...[]ldu.Scalar) error {
	for _, f := range fields {
		if len(f) != n {
			return fmt.Errorf("field of %d values for %d cells: %w", len(f), n, ErrFieldSize)
		}
	}
	return nil
}

type Constructor func(sys *System, ctl *InputParameters.SolverControls) (Preconditioner, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register adds a preconditioner under a name. Packages providing one call
// it from init.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[name]; exists {
		panic(fmt.Errorf("precon: %q registered twice", name))
	}
	registry[name] = ctor
}

func Names() (names []string) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return
}

// New selects the preconditioner named in ctl.
func New(sys *System, ctl *InputParameters.SolverControls) (p Preconditioner, err error) {
	registryMu.RLock()
	ctor, ok := registry[ctl.Preconditioner]
	registryMu.RUnlock()
	if !ok {
		err = fmt.Errorf("unknown preconditioner %q, valid preconditioners are %v",
			ctl.Preconditioner, Names())
		return
	}
	if err = sys.Check(); err != nil {
		return
	}
	return ctor(sys, ctl)
}

func init() {
	Register("none", func(sys *System, _ *InputParameters.SolverControls) (Preconditioner, error) {
		return &None{n: sys.Matrix.Size()}, nil
	})
	Register("diagonal", func(sys *System, _ *InputParameters.SolverControls) (Preconditioner, error) {
		return NewDiagonal(sys.Matrix)
	})
	Register("DILU", func(sys *System, ctl *InputParameters.SolverControls) (Preconditioner, error) {
		return NewDistributedDILU(sys, false, ctl.AllowUncoupledFallback)
	})
	Register("distributedDILU", func(sys *System, ctl *InputParameters.SolverControls) (Preconditioner, error) {
		return NewDistributedDILU(sys, ctl.IsCoupled(), ctl.AllowUncoupledFallback)
	})
}
