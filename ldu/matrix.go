package ldu

import (
	"fmt"
	"math"

	"github.com/james-bowman/sparse"
	"github.com/notargets/ldusolve/comm"
)

// Scalar is the precision of solution and residual fields handed to and
// returned from the solver; SolveScalar is the precision the factorization
// coefficients and the reciprocal diagonal are accumulated in. Keep them as
// separate names: code that mixes them changes convergence when one of them
// is narrowed.
type (
	Scalar      = float64
	SolveScalar = float64
)

// Coupled is the matrix-update side of a coupled interface: it ships the
// cell values next to the interface to the other side and folds the values
// that come back into a matrix product.
type Coupled interface {
	FaceCells() []int
	InitMatrixUpdate(rs *comm.RequestSet, psi []Scalar) error
	UpdateMatrix(result []SolveScalar, coeffs []Scalar) error
}

// Matrix is an ldu matrix. A symmetric matrix stores only upper; Lower
// then returns the upper coefficients.
type Matrix struct {
	addr    *Addressing
	diag    []Scalar
	lower   []Scalar
	upper   []Scalar
	version uint64
}

func NewMatrix(addr *Addressing, diag, lower, upper []Scalar) (m *Matrix, err error) {
	if len(diag) != addr.Size() {
		err = fmt.Errorf("diag has %d entries for %d cells: %w", len(diag), addr.Size(), ErrSize)
		return
	}
	if len(upper) != addr.NFaces() {
		err = fmt.Errorf("upper has %d entries for %d faces: %w", len(upper), addr.NFaces(), ErrSize)
		return
	}
	if lower != nil && len(lower) != addr.NFaces() {
		err = fmt.Errorf("lower has %d entries for %d faces: %w", len(lower), addr.NFaces(), ErrSize)
		return
	}
	m = &Matrix{
		addr:  addr,
		diag:  diag,
		lower: lower,
		upper: upper,
	}
	return
}

func (m *Matrix) Addressing() *Addressing { return m.addr }
func (m *Matrix) Size() int               { return m.addr.Size() }
func (m *Matrix) NFaces() int             { return m.addr.NFaces() }
func (m *Matrix) Diag() []Scalar          { return m.diag }
func (m *Matrix) Upper() []Scalar         { return m.upper }
func (m *Matrix) Symmetric() bool         { return m.lower == nil }

// Version changes whenever coefficients are modified through the Matrix.
func (m *Matrix) Version() uint64 { return m.version }

func (m *Matrix) Lower() []Scalar {
	if m.lower == nil {
		return m.upper
	}
	return m.lower
}

// DiagAt returns the diagonal coefficient of cell.
func (m *Matrix) DiagAt(cell int) (d Scalar, err error) {
	if cell < 0 || cell >= len(m.diag) {
		err = fmt.Errorf("cell %d of %d: %w", cell, len(m.diag), ErrIndex)
		return
	}
	d = m.diag[cell]
	return
}

// FaceCoeffs returns the lower and upper coefficients of face.
func (m *Matrix) FaceCoeffs(face int) (lower, upper Scalar, err error) {
	if face < 0 || face >= len(m.upper) {
		err = fmt.Errorf("face %d of %d: %w", face, len(m.upper), ErrIndex)
		return
	}
	lower, upper = m.Lower()[face], m.upper[face]
	return
}

// SetCoeffs replaces coefficients in place; nil arrays are left unchanged.
func (m *Matrix) SetCoeffs(diag, lower, upper []Scalar) (err error) {
	check := func(name string, have, want int) error {
		if have != want {
			return fmt.Errorf("%s has %d entries, want %d: %w", name, have, want, ErrSize)
		}
		return nil
	}
	if diag != nil {
		if err = check("diag", len(diag), len(m.diag)); err != nil {
			return
		}
		copy(m.diag, diag)
	}
	if upper != nil {
		if err = check("upper", len(upper), len(m.upper)); err != nil {
			return
		}
		copy(m.upper, upper)
	}
	if lower != nil {
		if err = check("lower", len(lower), len(m.upper)); err != nil {
			return
		}
		if m.lower == nil {
			m.lower = make([]Scalar, len(m.upper))
		}
		copy(m.lower, lower)
	}
	m.version++
	return
}

// Relax applies implicit under-relaxation: D' = D/alpha, with the
// difference moved to the source using the current solution psi.
func (m *Matrix) Relax(alpha Scalar, psi, source []Scalar) {
	if alpha <= 0 || alpha >= 1 {
		return
	}
	for c, d := range m.diag {
		dNew := d / alpha
		source[c] += (dNew - d) * psi[c]
		m.diag[c] = dNew
	}
	m.version++
}

// SumMagOffDiag accumulates, per cell, the magnitude of its internal
// off-diagonal coefficients.
func (m *Matrix) SumMagOffDiag(sumOff []Scalar) {
	var (
		l, u  = m.addr.LowerAddr(), m.addr.UpperAddr()
		lower = m.Lower()
	)
	for f := range u {
		sumOff[u[f]] += math.Abs(lower[f])
		sumOff[l[f]] += math.Abs(m.upper[f])
	}
}

// Amul computes Apsi = A psi, including the interface couplings, whose
// contribution is -bouCoeffs times the value across the interface.
func (m *Matrix) Amul(Apsi, psi []Scalar, ifs []Coupled, bouCoeffs [][]Scalar) (err error) {
	rs := comm.NewRequestSet()
	defer rs.Cancel()
	for _, ifc := range ifs {
		if ifc == nil {
			continue
		}
		if err = ifc.InitMatrixUpdate(rs, psi); err != nil {
			return
		}
	}
	var (
		l, u  = m.addr.LowerAddr(), m.addr.UpperAddr()
		lower = m.Lower()
	)
	for c, d := range m.diag {
		Apsi[c] = d * psi[c]
	}
	for f := range u {
		Apsi[u[f]] += lower[f] * psi[l[f]]
		Apsi[l[f]] += m.upper[f] * psi[u[f]]
	}
	for i, ifc := range ifs {
		if ifc == nil {
			continue
		}
		if err = ifc.UpdateMatrix(Apsi, bouCoeffs[i]); err != nil {
			return
		}
	}
	return rs.Drain()
}

// Residual computes rA = b - A psi.
func (m *Matrix) Residual(rA, psi, source []Scalar, ifs []Coupled, bouCoeffs [][]Scalar) (err error) {
	if err = m.Amul(rA, psi, ifs, bouCoeffs); err != nil {
		return
	}
	for c := range rA {
		rA[c] = source[c] - rA[c]
	}
	return
}

// ToCSR exports the internal (uncoupled) part of the matrix.
func (m *Matrix) ToCSR() *sparse.CSR {
	var (
		n     = m.Size()
		dok   = sparse.NewDOK(n, n)
		l, u  = m.addr.LowerAddr(), m.addr.UpperAddr()
		lower = m.Lower()
	)
	for c, d := range m.diag {
		dok.Set(c, c, d)
	}
	for f := range u {
		dok.Set(u[f], l[f], lower[f])
		dok.Set(l[f], u[f], m.upper[f])
	}
	return dok.ToCSR()
}
