// Package ldu holds the lower-diagonal-upper storage of a mesh-based linear
// system: one diagonal coefficient per cell and one lower and one upper
// coefficient per internal face, addressed through owner/neighbour maps.
package ldu

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	ErrNonCanonical = errors.New("ldu: face owner is not below its neighbour")
	ErrFaceOrder    = errors.New("ldu: faces are not in upper-triangular order")
	ErrSize         = errors.New("ldu: coefficient array size mismatch")
	ErrIndex        = errors.New("ldu: cell index out of range")
)

// MeshID identifies one addressing for the lifetime of the process. Caches
// keyed on it (colouring) must be invalidated when the topology changes,
// which always produces a new Addressing and therefore a new MeshID.
type MeshID uint64

var meshCounter uint64

func nextMeshID() MeshID {
	return MeshID(atomic.AddUint64(&meshCounter, 1))
}

// Addressing is the face-to-cell connectivity of one level.
type Addressing struct {
	nCells    int
	owner     []int // lower addressing, l[face]
	neighbour []int // upper addressing, u[face]
	id        MeshID

	losort      []int
	ownerStart  []int
	losortStart []int
}

func NewAddressing(nCells int, owner, neighbour []int) (addr *Addressing, err error) {
	if len(owner) != len(neighbour) {
		err = fmt.Errorf("owner has %d faces, neighbour has %d: %w",
			len(owner), len(neighbour), ErrSize)
		return
	}
	for f := range owner {
		l, u := owner[f], neighbour[f]
		if l < 0 || u < 0 || l >= nCells || u >= nCells {
			err = fmt.Errorf("face %d connects cells %d and %d, nCells = %d: %w",
				f, l, u, nCells, ErrIndex)
			return
		}
		if l >= u {
			err = fmt.Errorf("face %d: owner %d, neighbour %d: %w", f, l, u, ErrNonCanonical)
			return
		}
		if f > 0 && owner[f-1] > l {
			err = fmt.Errorf("face %d owner %d follows owner %d: %w",
				f, l, owner[f-1], ErrFaceOrder)
			return
		}
	}
	addr = &Addressing{
		nCells:    nCells,
		owner:     owner,
		neighbour: neighbour,
		id:        nextMeshID(),
	}
	return
}

func (a *Addressing) Size() int              { return a.nCells }
func (a *Addressing) NFaces() int            { return len(a.owner) }
func (a *Addressing) LowerAddr() []int       { return a.owner }
func (a *Addressing) UpperAddr() []int       { return a.neighbour }
func (a *Addressing) ID() MeshID             { return a.id }
func (a *Addressing) Owner(face int) int     { return a.owner[face] }
func (a *Addressing) Neighbour(face int) int { return a.neighbour[face] }

// LosortAddr returns the faces sorted by neighbour cell.
func (a *Addressing) LosortAddr() []int {
	if a.losort == nil {
		a.calcLosort()
	}
	return a.losort
}

// OwnerStartAddr returns, for each cell, the first face it owns; the final
// entry is NFaces.
func (a *Addressing) OwnerStartAddr() []int {
	if a.ownerStart == nil {
		a.ownerStart = make([]int, a.nCells+1)
		f := 0
		for c := 0; c <= a.nCells; c++ {
			for f < len(a.owner) && a.owner[f] < c {
				f++
			}
			a.ownerStart[c] = f
		}
	}
	return a.ownerStart
}

// LosortStartAddr returns, for each cell, the first entry of LosortAddr
// whose neighbour is that cell.
func (a *Addressing) LosortStartAddr() []int {
	if a.losortStart == nil {
		a.calcLosort()
	}
	return a.losortStart
}

func (a *Addressing) calcLosort() {
	var (
		nNbrs = make([]int, a.nCells)
	)
	for _, nbr := range a.neighbour {
		nNbrs[nbr]++
	}
	a.losortStart = make([]int, a.nCells+1)
	for c := 0; c < a.nCells; c++ {
		a.losortStart[c+1] = a.losortStart[c] + nNbrs[c]
	}
	a.losort = make([]int, len(a.neighbour))
	fill := make([]int, a.nCells)
	copy(fill, a.losortStart[:a.nCells])
	for f, nbr := range a.neighbour {
		a.losort[fill[nbr]] = f
		fill[nbr]++
	}
}

// TriIndex returns the face connecting cells c0 and c1, or -1.
func (a *Addressing) TriIndex(c0, c1 int) int {
	if c0 > c1 {
		c0, c1 = c1, c0
	}
	if c0 < 0 || c1 >= a.nCells {
		return -1
	}
	start := a.OwnerStartAddr()
	for f := start[c0]; f < start[c0+1]; f++ {
		if a.neighbour[f] == c1 {
			return f
		}
	}
	return -1
}
