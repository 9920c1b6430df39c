// Package cases generates model problems as global ldu matrices and splits
// them into per-rank parts coupled through interfaces.
package cases

import (
	"fmt"
	"math"
	"sort"

	"github.com/james-bowman/sparse"
	"gonum.org/v1/gonum/mat"

	"github.com/notargets/ldusolve/InputParameters"
	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/lduinterface"
)

// Global is a symmetric model problem on NCells cells. Faces marked
// Periodic cross a periodic boundary and are coupled with coefficient
// Upper*Scale, Scale coming from the transform.
type Global struct {
	Name      string
	NCells    int
	Ranks     []int // owning rank of each cell
	NParts    int
	Owner     []int
	Neighbour []int
	Periodic  []bool
	Diag      []ldu.Scalar
	Upper     []ldu.Scalar
	Transform []float64
	Scale     float64
	Exact     []ldu.Scalar
	Source    []ldu.Scalar
}

func newGlobal(name string, nCells, nParts int) (g *Global, err error) {
	if nCells < 1 || nParts < 1 || nParts > nCells {
		err = fmt.Errorf("%s: cannot split %d cells into %d parts", name, nCells, nParts)
		return
	}
	g = &Global{
		Name:   name,
		NCells: nCells,
		NParts: nParts,
		Ranks:  make([]int, nCells),
		Scale:  1,
	}
	pm := comm.NewPartitionMap(nParts, nCells)
	for c := range g.Ranks {
		g.Ranks[c], _ = pm.Owner(c)
	}
	return
}

func (g *Global) addFace(o, n int, upper ldu.Scalar, periodic bool) {
	g.Owner = append(g.Owner, o)
	g.Neighbour = append(g.Neighbour, n)
	g.Upper = append(g.Upper, upper)
	g.Periodic = append(g.Periodic, periodic)
}

// finish fills the manufactured solution and its source.
func (g *Global) finish() {
	g.Exact = make([]ldu.Scalar, g.NCells)
	for c := range g.Exact {
		g.Exact[c] = 1 + 0.5*math.Sin(float64(c)*0.7)
	}
	var (
		x = mat.NewVecDense(g.NCells, g.Exact)
		b = mat.NewVecDense(g.NCells, nil)
	)
	b.MulVec(g.CSR(), x)
	g.Source = append([]ldu.Scalar(nil), b.RawVector().Data...)
}

// Chain1D is the 1D Laplacian with Dirichlet ends, split into contiguous
// parts.
func Chain1D(n, nParts int, shift float64) (g *Global, err error) {
	if g, err = newGlobal("chain", n, nParts); err != nil {
		return
	}
	g.Diag = make([]ldu.Scalar, n)
	for c := 0; c < n; c++ {
		g.Diag[c] = 2 + shift
		if c+1 < n {
			g.addFace(c, c+1, -1, false)
		}
	}
	g.finish()
	return
}

// Ring1D is the periodic 1D Laplacian. The face joining the last cell to
// the first crosses the periodic boundary, through transform if given.
func Ring1D(n, nParts int, shift float64, transform []float64) (g *Global, err error) {
	if n < 3 {
		return nil, fmt.Errorf("ring needs at least 3 cells, have %d", n)
	}
	if g, err = newGlobal("ring", n, nParts); err != nil {
		return
	}
	if len(transform) != 0 {
		var tr *lduinterface.Transform
		if tr, err = lduinterface.NewTransform(transform, 1, 0); err != nil {
			return
		}
		if tr != nil {
			g.Transform, g.Scale = transform, tr.Scale()
		}
	}
	g.Diag = make([]ldu.Scalar, n)
	for c := 0; c < n; c++ {
		g.Diag[c] = 2 + shift
		if c+1 < n {
			g.addFace(c, c+1, -1, false)
		}
		if c == 0 {
			g.addFace(0, n-1, -1, true)
		}
	}
	g.finish()
	return
}

// Laplace2D is the five point Laplacian on an nx by ny grid, cells
// numbered row by row and split into contiguous ranges, so a part may hold
// less than a row and touch more than two others.
func Laplace2D(nx, ny, nParts int, shift float64) (g *Global, err error) {
	if g, err = newGlobal("laplace2d", nx*ny, nParts); err != nil {
		return
	}
	g.Diag = make([]ldu.Scalar, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			c := j*nx + i
			g.Diag[c] = 4 + shift
			if i+1 < nx {
				g.addFace(c, c+1, -1, false)
			}
			if j+1 < ny {
				g.addFace(c, c+nx, -1, false)
			}
		}
	}
	g.finish()
	return
}

// New builds the case named in ctl.
func New(ctl *InputParameters.SolverControls) (g *Global, err error) {
	shift := ctl.DiagonalShift[ctl.Case]
	switch ctl.Case {
	case "chain":
		return Chain1D(ctl.NCells, ctl.NParts, shift)
	case "ring":
		if _, ok := ctl.DiagonalShift["ring"]; !ok && len(ctl.Transform) == 0 {
			// the plain periodic Laplacian is singular
			shift = 0.1
		}
		return Ring1D(ctl.NCells, ctl.NParts, shift, ctl.Transform)
	case "laplace2d":
		return Laplace2D(ctl.NCells, ctl.NCells, ctl.NParts, shift)
	}
	return nil, fmt.Errorf("unknown case %q", ctl.Case)
}

func (g *Global) coeff(face int) ldu.Scalar {
	if g.Periodic[face] {
		return g.Upper[face] * g.Scale
	}
	return g.Upper[face]
}

// CSR assembles the global matrix.
func (g *Global) CSR() *sparse.CSR {
	dok := sparse.NewDOK(g.NCells, g.NCells)
	for c, d := range g.Diag {
		dok.Set(c, c, d)
	}
	for f := range g.Owner {
		o, n := g.Owner[f], g.Neighbour[f]
		dok.Set(o, n, dok.At(o, n)+g.coeff(f))
		dok.Set(n, o, dok.At(n, o)+g.coeff(f))
	}
	return dok.ToCSR()
}

// Matrix assembles the global problem as a single ldu matrix whose cell i
// is global cell perm[i], periodic faces included as ordinary ones. A nil
// perm keeps the global numbering.
func (g *Global) Matrix(perm []int) (m *ldu.Matrix, err error) {
	inv := make([]int, g.NCells)
	if perm == nil {
		for c := range inv {
			inv[c] = c
		}
	} else {
		if len(perm) != g.NCells {
			return nil, fmt.Errorf("permutation of %d cells for %d: %w", len(perm), g.NCells, ldu.ErrSize)
		}
		for i, c := range perm {
			inv[c] = i
		}
	}
	type face struct {
		o, n  int
		coeff ldu.Scalar
	}
	faces := make([]face, len(g.Owner))
	for f := range g.Owner {
		o, n := inv[g.Owner[f]], inv[g.Neighbour[f]]
		if o > n {
			o, n = n, o
		}
		faces[f] = face{o, n, g.coeff(f)}
	}
	sort.SliceStable(faces, func(i, j int) bool {
		if faces[i].o != faces[j].o {
			return faces[i].o < faces[j].o
		}
		return faces[i].n < faces[j].n
	})
	var (
		owner     = make([]int, len(faces))
		neighbour = make([]int, len(faces))
		upper     = make([]ldu.Scalar, len(faces))
		diag      = make([]ldu.Scalar, g.NCells)
	)
	for i, f := range faces {
		owner[i], neighbour[i], upper[i] = f.o, f.n, f.coeff
	}
	for c, d := range g.Diag {
		diag[inv[c]] = d
	}
	var addr *ldu.Addressing
	if addr, err = ldu.NewAddressing(g.NCells, owner, neighbour); err != nil {
		return
	}
	return ldu.NewMatrix(addr, diag, nil, upper)
}

// ColourOrder lists the global cells by colour of their owning rank, then
// by rank, then by global index: the order a serial sweep must visit them
// in to match the colour-scheduled partitioned sweep.
func (g *Global) ColourOrder(colours []int) (perm []int) {
	perm = make([]int, g.NCells)
	for c := range perm {
		perm[c] = c
	}
	sort.SliceStable(perm, func(i, j int) bool {
		ri, rj := g.Ranks[perm[i]], g.Ranks[perm[j]]
		if colours[ri] != colours[rj] {
			return colours[ri] < colours[rj]
		}
		return ri < rj
	})
	return
}

// Permute returns f reordered so that out[i] = f[perm[i]].
func Permute(f []ldu.Scalar, perm []int) (out []ldu.Scalar) {
	out = make([]ldu.Scalar, len(perm))
	for i, c := range perm {
		out[i] = f[c]
	}
	return
}
