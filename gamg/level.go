package gamg

import (
	"fmt"
	"sort"

	"github.com/notargets/ldusolve/comm"
	"github.com/notargets/ldusolve/ldu"
	"github.com/notargets/ldusolve/lduinterface"
	"github.com/notargets/ldusolve/precon"
)

// Level is one rank's share of one multigrid level. Level 0 is the system
// being solved.
type Level struct {
	Index int
	Sys   *precon.System
	// Restrict maps each cell of the finer level to its cell on this level.
	Restrict []int
	// faceRestrict maps each internal face of the finer level to its face
	// on this level, or to -(cell+1) when both sides fall in one cell.
	faceRestrict []int
	faceFlip     []bool
}

func (lv *Level) NCells() int { return lv.Sys.Matrix.Size() }

// Hierarchy is the set of levels, finest first. Every rank holds the same
// number of levels.
type Hierarchy struct {
	Levels  []*Level
	version uint64
}

// NewHierarchy agglomerates until every rank is down to nCellsInCoarsest
// cells, maxLevels is reached, or no rank can agglomerate any further. It
// is collective.
func NewHierarchy(fine *precon.System, nCellsInCoarsest, maxLevels int) (h *Hierarchy, err error) {
	h = &Hierarchy{
		Levels:  []*Level{{Index: 0, Sys: fine}},
		version: fine.Matrix.Version(),
	}
	for len(h.Levels) < maxLevels {
		cur := h.Levels[len(h.Levels)-1]
		var largest float64
		if largest, err = fine.Comm.AllReduceScalar(comm.OpMax, float64(cur.NCells())); err != nil {
			return
		}
		if int(largest) <= nCellsInCoarsest {
			break
		}
		var next *Level
		if next, err = coarsen(cur); err != nil {
			return
		}
		var reduced float64
		if reduced, err = fine.Comm.AllReduceScalar(comm.OpMax,
			float64(cur.NCells()-next.NCells())); err != nil {
			return
		}
		if reduced == 0 {
			break
		}
		h.Levels = append(h.Levels, next)
	}
	return
}

func (h *Hierarchy) NLevels() int { return len(h.Levels) }

// Restrict sums the values of fine level k-1 into the cells of level k.
func (h *Hierarchy) Restrict(k int, fine, coarse []ldu.Scalar) {
	for c := range coarse {
		coarse[c] = 0
	}
	for c, cc := range h.Levels[k].Restrict {
		coarse[cc] += fine[c]
	}
}

// Prolong adds the values of level k to the cells of level k-1 they cover.
func (h *Hierarchy) Prolong(k int, coarse, fine []ldu.Scalar) {
	for c, cc := range h.Levels[k].Restrict {
		fine[c] += coarse[cc]
	}
}

// UpdateCoeffs re-agglomerates the coefficients of every coarse level after
// the finest matrix has changed. The agglomeration itself is kept.
func (h *Hierarchy) UpdateCoeffs() (err error) {
	for k := 1; k < len(h.Levels); k++ {
		if err = h.Levels[k].assemble(h.Levels[k-1]); err != nil {
			return
		}
	}
	h.version = h.Levels[0].Sys.Matrix.Version()
	return
}

// Stale is true once the finest matrix changed after the coarse levels were
// assembled.
func (h *Hierarchy) Stale() bool {
	return h.version != h.Levels[0].Sys.Matrix.Version()
}

func coarsen(fine *Level) (lv *Level, err error) {
	var (
		fm               = fine.Sys.Matrix
		restrict, nCells = Pairwise(fm)
		fl               = fm.Addressing().LowerAddr()
		fu               = fm.Addressing().UpperAddr()
		faces            = make(map[[2]int]int)
		keys             [][2]int
	)
	lv = &Level{
		Index:        fine.Index + 1,
		Restrict:     restrict,
		faceRestrict: make([]int, len(fl)),
		faceFlip:     make([]bool, len(fl)),
	}
	for f := range fl {
		cl, cu := restrict[fl[f]], restrict[fu[f]]
		if cl == cu {
			continue
		}
		if cl > cu {
			cl, cu = cu, cl
		}
		if _, ok := faces[[2]int{cl, cu}]; !ok {
			faces[[2]int{cl, cu}] = 0
			keys = append(keys, [2]int{cl, cu})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i][0] != keys[j][0] {
			return keys[i][0] < keys[j][0]
		}
		return keys[i][1] < keys[j][1]
	})
	owner, neighbour := make([]int, len(keys)), make([]int, len(keys))
	for i, k := range keys {
		faces[k] = i
		owner[i], neighbour[i] = k[0], k[1]
	}
	for f := range fl {
		cl, cu := restrict[fl[f]], restrict[fu[f]]
		switch {
		case cl == cu:
			lv.faceRestrict[f] = -(cl + 1)
		case cl < cu:
			lv.faceRestrict[f] = faces[[2]int{cl, cu}]
		default:
			lv.faceRestrict[f] = faces[[2]int{cu, cl}]
			lv.faceFlip[f] = true
		}
	}
	var addr *ldu.Addressing
	if addr, err = ldu.NewAddressing(nCells, owner, neighbour); err != nil {
		return
	}
	lv.Sys = &precon.System{
		Comm:  fine.Sys.Comm,
		Cache: fine.Sys.Cache,
	}
	var lower []ldu.Scalar
	if !fm.Symmetric() {
		lower = make([]ldu.Scalar, len(keys))
	}
	if lv.Sys.Matrix, err = ldu.NewMatrix(addr, make([]ldu.Scalar, nCells), lower,
		make([]ldu.Scalar, len(keys))); err != nil {
		return
	}
	if lv.Sys.Interfaces, err = coarsenInterfaces(fine, lv); err != nil {
		return
	}
	lv.Sys.BouCoeffs = make([][]ldu.Scalar, len(lv.Sys.Interfaces))
	err = lv.assemble(fine)
	return
}

// coarsenInterfaces tells the other side of every fine interface which
// coarse cell each face now sits next to. Coarse faces are the distinct
// (coarse cell, neighbour coarse cell) pairs in fine face order, which both
// sides enumerate identically.
func coarsenInterfaces(fine *Level, lv *Level) (ifs lduinterface.Interfaces, err error) {
	var (
		fineIfs = fine.Sys.Interfaces
		rs      = comm.NewRequestSet()
	)
	defer rs.Cancel()
	for _, ifc := range fineIfs {
		if ifc == nil {
			continue
		}
		if err = ifc.InitRecv(rs, lduinterface.ChanAgglomerate); err != nil {
			return
		}
	}
	for _, ifc := range fineIfs {
		if ifc == nil {
			continue
		}
		labels := make([]ldu.SolveScalar, ifc.Size())
		for f, cell := range ifc.FaceCells() {
			labels[f] = ldu.SolveScalar(lv.Restrict[cell])
		}
		if err = ifc.InitSend(rs, lduinterface.ChanAgglomerate, labels); err != nil {
			return
		}
	}
	ifs = make(lduinterface.Interfaces, len(fineIfs))
	for i, ifc := range fineIfs {
		if ifc == nil {
			continue
		}
		var nbr []ldu.SolveScalar
		if nbr, err = ifc.Receive(lduinterface.ChanAgglomerate); err != nil {
			return
		}
		var (
			pairs        = make(map[[2]int]int)
			faceRestrict = make([]int, ifc.Size())
			faceCells    []int
		)
		for f, cell := range ifc.FaceCells() {
			k := [2]int{lv.Restrict[cell], int(nbr[f])}
			cf, ok := pairs[k]
			if !ok {
				cf = len(faceCells)
				pairs[k] = cf
				faceCells = append(faceCells, k[0])
			}
			faceRestrict[f] = cf
		}
		var gi *lduinterface.GAMGInterface
		if gi, err = lduinterface.NewGAMGInterface(ifc, lv.Index, faceCells, faceRestrict); err != nil {
			return
		}
		ifs[i] = gi
	}
	if err = rs.Drain(); err != nil {
		return
	}
	if err = lduinterface.PairLevel(ifs); err != nil {
		return
	}
	return
}

// assemble sums the finer coefficients into this level: the Galerkin
// product with piecewise-constant restriction and prolongation.
func (lv *Level) assemble(fine *Level) (err error) {
	var (
		fm    = fine.Sys.Matrix
		cm    = lv.Sys.Matrix
		diag  = make([]ldu.Scalar, cm.Size())
		upper = make([]ldu.Scalar, cm.NFaces())
		lower []ldu.Scalar
		fUp   = fm.Upper()
		fLo   = fm.Lower()
	)
	if !cm.Symmetric() {
		lower = make([]ldu.Scalar, cm.NFaces())
	}
	for c, d := range fm.Diag() {
		diag[lv.Restrict[c]] += d
	}
	for f, cf := range lv.faceRestrict {
		if cf < 0 {
			diag[-cf-1] += fUp[f] + fLo[f]
			continue
		}
		up, lo := fUp[f], fLo[f]
		if lv.faceFlip[f] {
			up, lo = lo, up
		}
		upper[cf] += up
		if lower != nil {
			lower[cf] += lo
		}
	}
	if err = cm.SetCoeffs(diag, lower, upper); err != nil {
		return
	}
	for i, ifc := range lv.Sys.Interfaces {
		if ifc == nil {
			continue
		}
		gi, ok := ifc.(*lduinterface.GAMGInterface)
		if !ok {
			return fmt.Errorf("level %d interface %s is not agglomerated", lv.Index, ifc.Name())
		}
		lv.Sys.BouCoeffs[i] = gi.Agglomerate(fine.Sys.BouCoeffs[i])
	}
	return
}
