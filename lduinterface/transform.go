package lduinterface

import (
	"fmt"
	"math"

	"github.com/notargets/ldusolve/ldu"
	"gonum.org/v1/gonum/mat"
)

const orthoTol = 1.e-10

// Transform is the rotation between the two sides of a periodic interface.
// The solver works one component at a time, so a value of a rank-r field
// component cmpt arrives scaled by T[cmpt][cmpt]^r.
type Transform struct {
	T         *mat.Dense
	Rank      int
	Component int
	scale     float64
}

// NewTransform builds the transform from a row-major 3x3 tensor. An empty
// tensor, an identity tensor or a scalar field (rank 0) needs no transform
// and yields nil.
func NewTransform(tensor []float64, rank, cmpt int) (tr *Transform, err error) {
	if len(tensor) == 0 {
		return
	}
	if len(tensor) != 9 {
		err = fmt.Errorf("tensor has %d entries, want 9: %w", len(tensor), ErrTransform)
		return
	}
	if cmpt < 0 || cmpt > 2 {
		err = fmt.Errorf("component %d outside [0,2]: %w", cmpt, ErrTransform)
		return
	}
	T := mat.NewDense(3, 3, append([]float64(nil), tensor...))
	var TTt mat.Dense
	TTt.Mul(T, T.T())
	if !mat.EqualApprox(&TTt, eye3(), orthoTol) {
		err = fmt.Errorf("T.T^T is not the identity: %w", ErrTransform)
		return
	}
	if rank == 0 || mat.EqualApprox(T, eye3(), orthoTol) {
		return
	}
	tr = &Transform{
		T:         T,
		Rank:      rank,
		Component: cmpt,
		scale:     math.Pow(T.At(cmpt, cmpt), float64(rank)),
	}
	return
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func (tr *Transform) Scale() float64 { return tr.scale }

func (tr *Transform) Apply(vals []ldu.SolveScalar) {
	for i := range vals {
		vals[i] *= tr.scale
	}
}
