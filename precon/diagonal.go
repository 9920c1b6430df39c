package precon

import (
	"fmt"

	"github.com/notargets/ldusolve/ldu"
)

// None copies the residual.
type None struct {
	n int
}

func (p *None) Type() string { return "none" }

func (p *None) Precondition(wA, rA []ldu.Scalar) error {
	if err := CheckFields(p.n, wA, rA); err != nil {
		return err
	}
	copy(wA, rA)
	return nil
}

func (p *None) SetFinished(SolverPerformance) {}

// Diagonal scales by the reciprocal diagonal.
type Diagonal struct {
	matrix  *ldu.Matrix
	rD      []ldu.SolveScalar
	version uint64
}

func NewDiagonal(m *ldu.Matrix) (p *Diagonal, err error) {
	p = &Diagonal{matrix: m}
	err = p.calcReciprocalD()
	return
}

func (p *Diagonal) calcReciprocalD() error {
	diag := p.matrix.Diag()
	if p.rD == nil {
		p.rD = make([]ldu.SolveScalar, len(diag))
	}
	for c, d := range diag {
		if d == 0 {
			return fmt.Errorf("zero diagonal in cell %d: %w", c, ErrUnsupported)
		}
		p.rD[c] = 1 / ldu.SolveScalar(d)
	}
	p.version = p.matrix.Version()
	return nil
}

func (p *Diagonal) Type() string { return "diagonal" }

func (p *Diagonal) Precondition(wA, rA []ldu.Scalar) (err error) {
	if err = CheckFields(len(p.rD), wA, rA); err != nil {
		return
	}
	if p.version != p.matrix.Version() {
		if err = p.calcReciprocalD(); err != nil {
			return
		}
	}
	for c, r := range rA {
		wA[c] = ldu.Scalar(p.rD[c] * ldu.SolveScalar(r))
	}
	return
}

func (p *Diagonal) SetFinished(SolverPerformance) {}
